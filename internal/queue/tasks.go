package queue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dunamismax/diptych/internal/domain"
	"github.com/hibiken/asynq"
)

const TypeGenerateBatch = "diptych:generate"

// GenerateBatchPayload hands a batch to a worker process. BatchID is issued by
// the enqueuer so clients can poll before the worker picks the task up.
type GenerateBatchPayload struct {
	BatchID     string              `json:"batch_id"`
	Request     domain.BatchRequest `json:"request"`
	RequestedAt time.Time           `json:"requested_at"`
}

func NewGenerateBatchTask(payload GenerateBatchPayload) (*asynq.Task, error) {
	if strings.TrimSpace(payload.BatchID) == "" {
		return nil, fmt.Errorf("batch_id is required")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal generate payload: %w", err)
	}
	return asynq.NewTask(TypeGenerateBatch, body), nil
}

func ParseGenerateBatchPayload(task *asynq.Task) (GenerateBatchPayload, error) {
	var payload GenerateBatchPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return GenerateBatchPayload{}, fmt.Errorf("unmarshal generate payload: %w", err)
	}
	if payload.BatchID == "" {
		return GenerateBatchPayload{}, fmt.Errorf("generate payload has no batch_id")
	}
	return payload, nil
}
