package queue

import (
	"encoding/json"
	"fmt"
	"strings"
)

// TriggerKind names the work a trigger asks the runner to do.
type TriggerKind string

const (
	TriggerQueueCheck TriggerKind = "QUEUE_CHECK"
	TriggerRunBatch   TriggerKind = "RUN_BATCH"
)

func (k TriggerKind) IsValid() bool {
	return k == TriggerQueueCheck || k == TriggerRunBatch
}

// TriggerMessage is the broker payload published by the webhook dispatcher.
type TriggerMessage struct {
	Kind          TriggerKind `json:"kind"`
	JobID         string      `json:"jobId,omitempty"`
	BrandID       string      `json:"brandId,omitempty"`
	CorrelationID string      `json:"correlationId,omitempty"`
}

func (m TriggerMessage) Validate() error {
	if !m.Kind.IsValid() {
		return fmt.Errorf("invalid trigger kind %q", m.Kind)
	}
	if m.Kind == TriggerRunBatch && strings.TrimSpace(m.JobID) == "" && strings.TrimSpace(m.BrandID) == "" {
		return fmt.Errorf("jobId or brandId is required for %s", m.Kind)
	}
	return nil
}

func decodeTrigger(body []byte) (TriggerMessage, error) {
	var msg TriggerMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return TriggerMessage{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return TriggerMessage{}, err
	}
	return msg, nil
}
