// Package ratelimit meters rendering work per user. Every API replica spends
// from the same redis-held budget, counted in diptychs rather than requests, so
// a 200-pair batch costs 200 times what a single preview does.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultKeyPrefix = "diptych:budget"

// ErrExceedsBudget means one request asks for more diptychs than a full
// budget holds, so waiting would never admit it.
var ErrExceedsBudget = errors.New("request exceeds render budget")

type Decision struct {
	Allowed bool
	// Cost is the number of diptychs the request asked for.
	Cost int
	// Remaining is the whole diptychs left in the budget after this decision.
	Remaining  int64
	RetryAfter time.Duration
}

// RenderBudget refills Capacity diptychs per window, continuously.
type RenderBudget struct {
	client    redis.UniversalClient
	capacity  int
	perMS     float64
	ttl       time.Duration
	keyPrefix string
	now       func() time.Time
}

// spendScript keeps the fractional balance and its last refill time in one
// hash. It answers {allowed, remaining, wait_ms}.
var spendScript = redis.NewScript(`
local balance = tonumber(redis.call("HGET", KEYS[1], "diptychs"))
local refilled_at = tonumber(redis.call("HGET", KEYS[1], "refilled_ms"))
local capacity = tonumber(ARGV[1])
local per_ms = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

if balance == nil or refilled_at == nil then
  balance = capacity
  refilled_at = now_ms
end
if now_ms > refilled_at then
  balance = math.min(capacity, balance + (now_ms - refilled_at) * per_ms)
end

if balance < cost then
  return {0, math.floor(balance), math.ceil((cost - balance) / per_ms)}
end

balance = balance - cost
redis.call("HSET", KEYS[1], "diptychs", balance, "refilled_ms", now_ms)
redis.call("PEXPIRE", KEYS[1], ARGV[5])
return {1, math.floor(balance), 0}
`)

// NewRenderBudget allows capacity diptychs per window for each user.
func NewRenderBudget(client redis.UniversalClient, capacity int, window time.Duration, keyPrefix string) (*RenderBudget, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("capacity must be positive")
	}
	if window < time.Millisecond {
		return nil, fmt.Errorf("window must be at least 1ms, got %s", window)
	}
	keyPrefix = strings.TrimSpace(keyPrefix)
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}

	return &RenderBudget{
		client:    client,
		capacity:  capacity,
		perMS:     float64(capacity) / float64(window.Milliseconds()),
		ttl:       2 * window,
		keyPrefix: keyPrefix,
		now:       time.Now,
	}, nil
}

func (b *RenderBudget) Capacity() int {
	return b.capacity
}

// Spend charges diptychs against user's budget. A denied request spends
// nothing and RetryAfter says when the balance will cover it.
func (b *RenderBudget) Spend(ctx context.Context, user string, diptychs int) (Decision, error) {
	if diptychs < 1 {
		diptychs = 1
	}
	if diptychs > b.capacity {
		return Decision{Cost: diptychs}, fmt.Errorf("%w: %d diptychs, budget is %d", ErrExceedsBudget, diptychs, b.capacity)
	}

	reply, err := spendScript.Run(ctx, b.client, []string{b.key(user)},
		b.capacity, b.perMS, b.now().UnixMilli(), diptychs, b.ttl.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("spend render budget: %w", err)
	}
	return decide(reply, diptychs)
}

func (b *RenderBudget) key(user string) string {
	user = strings.TrimSpace(user)
	if user == "" {
		user = "anonymous"
	}
	return b.keyPrefix + ":" + user
}

func decide(reply []int64, cost int) (Decision, error) {
	if len(reply) != 3 {
		return Decision{}, fmt.Errorf("render budget reply has %d values, want 3", len(reply))
	}
	if reply[0] != 0 && reply[0] != 1 {
		return Decision{}, fmt.Errorf("render budget reply: allowed flag %d", reply[0])
	}
	return Decision{
		Allowed:    reply[0] == 1,
		Cost:       cost,
		Remaining:  reply[1],
		RetryAfter: time.Duration(reply[2]) * time.Millisecond,
	}, nil
}
