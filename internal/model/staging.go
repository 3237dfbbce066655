package model

import (
	"encoding/json"
	"time"
)

// StagingState is the lifecycle of a raw staging row. The only legal
// transition is unprocessed -> processed; rows are never deleted.
type StagingState string

const (
	StagingUnprocessed StagingState = "unprocessed"
	StagingProcessed   StagingState = "processed"
)

// StagingRecord holds a raw payload verbatim for audit and at-most-once extraction.
type StagingRecord struct {
	ID          int64           `json:"id"`
	Source      string          `json:"source"`
	EventType   string          `json:"event_type,omitempty"`
	DeliveryID  string          `json:"delivery_id,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	State       StagingState    `json:"state"`
	FetchedAt   time.Time       `json:"fetched_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
}

// Staging sources.
const (
	SourceWebhook = "webhook"
	SourceKafka   = "kafka"
	SourceBulk    = "bulk"
)
