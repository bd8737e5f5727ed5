package models

import (
	"encoding/json"
	"time"
)

type EventClass string

const (
	// ClassCustom - user-emitted log record, counts against both quotas
	ClassCustom EventClass = "custom"

	// ClassSystem - orchestration/materialization event, counts against bytes only
	ClassSystem EventClass = "system"
)

func (c EventClass) Valid() bool {
	return c == ClassCustom || c == ClassSystem
}

// A single unit of ingestion
type Event struct {
	ID        string          `json:"id,omitempty"`
	Class     EventClass      `json:"class"`
	SizeBytes *int64          `json:"size_bytes,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
}

// Returns the declared size, falling back to the raw payload length
func (e Event) Size() int64 {
	if e.SizeBytes != nil {
		return *e.SizeBytes
	}
	return int64(len(e.Payload))
}

// Wire body of the ingestion endpoint
type EventBatch struct {
	Events []Event `json:"events"`
}
