// Package ingest lands raw GitHub payloads in the staging table. It accepts
// webhook deliveries, Kafka messages and bulk files; extraction happens later
// in the pipeline.
package ingest

import (
	"context"

	"github.com/sells-group/ghpipe/internal/model"
)

// StagingStore is the part of store.Store ingestion writes to.
type StagingStore interface {
	// InsertStaging returns id 0 when the delivery id was seen before.
	InsertStaging(ctx context.Context, rec model.StagingRecord) (int64, error)
	InsertStagingBatch(ctx context.Context, recs []model.StagingRecord) (int64, error)
}
