package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/diptych/internal/ratelimit"
)

// RateLimiter charges a user for the diptychs a request will render.
type RateLimiter interface {
	Spend(ctx context.Context, user string, diptychs int) (ratelimit.Decision, error)
}

// admit charges diptychs to the caller's render budget and writes the refusal
// when the budget cannot cover them. Limiter outages admit the request.
func (s *Server) admit(w http.ResponseWriter, r *http.Request, diptychs int) bool {
	if s.rateLimiter == nil {
		return true
	}

	user := strings.TrimSpace(r.Header.Get(s.rateLimitUserIDHeader))
	route := routeLabel(r.URL.Path)
	decision, err := s.rateLimiter.Spend(r.Context(), user, diptychs)
	switch {
	case errors.Is(err, ratelimit.ErrExceedsBudget):
		s.metrics.budgetRejected.WithLabelValues(route).Inc()
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return false
	case err != nil:
		s.logger.Printf("render budget check failed user=%q diptychs=%d err=%v", user, diptychs, err)
		return true
	}

	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
	if decision.Allowed {
		s.metrics.budgetSpent.WithLabelValues(route).Add(float64(diptychs))
		return true
	}

	retryAfter := max(1, int(decision.RetryAfter.Round(time.Second).Seconds()))
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	s.metrics.budgetRejected.WithLabelValues(route).Inc()
	writeError(w, http.StatusTooManyRequests, fmt.Sprintf("render budget exhausted: %d diptychs requested, %d left", diptychs, decision.Remaining))
	return false
}
