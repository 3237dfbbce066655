package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strconv"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ghpipe/internal/model"
	"github.com/sells-group/ghpipe/internal/resilience"
)

const importChunk = 500

// ReadPayloads reads a bulk export: either one JSON array of objects or
// newline-delimited JSON. Blank lines are ignored. An invalid element is a
// ValidationError naming its position.
func ReadPayloads(r io.Reader) ([]json.RawMessage, error) {
	br := bufio.NewReader(r)
	first, err := firstByte(br)
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "ingest: read payloads")
	}
	if first == '[' {
		var out []json.RawMessage
		if err := json.NewDecoder(br).Decode(&out); err != nil {
			return nil, resilience.NewValidationError("array", "invalid JSON array: %v", err)
		}
		return out, nil
	}

	var out []json.RawMessage
	sc := bufio.NewScanner(br)
	sc.Buffer(make([]byte, 0, 64<<10), 32<<20)
	line := 0
	for sc.Scan() {
		line++
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		if !json.Valid(b) {
			return nil, resilience.NewValidationError("line:"+strconv.Itoa(line), "invalid JSON")
		}
		out = append(out, json.RawMessage(bytes.Clone(b)))
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrap(err, "ingest: scan payloads")
	}
	return out, nil
}

func firstByte(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b, br.UnreadByte()
	}
}

// Records wraps payloads as bulk staging records.
func Records(payloads []json.RawMessage, eventType string) []model.StagingRecord {
	out := make([]model.StagingRecord, len(payloads))
	for i, p := range payloads {
		out[i] = model.StagingRecord{Source: model.SourceBulk, EventType: eventType, Payload: p}
	}
	return out
}

// Import reads r and stages every payload in chunks. It returns the number
// of rows inserted.
func Import(ctx context.Context, st StagingStore, r io.Reader, eventType string) (int64, error) {
	payloads, err := ReadPayloads(r)
	if err != nil {
		return 0, err
	}
	recs := Records(payloads, eventType)
	var total int64
	for start := 0; start < len(recs); start += importChunk {
		end := min(start+importChunk, len(recs))
		n, err := st.InsertStagingBatch(ctx, recs[start:end])
		if err != nil {
			return total, eris.Wrapf(err, "ingest: stage records %d-%d", start, end)
		}
		total += n
	}
	zap.L().Info("ingest: bulk import staged", zap.Int("payloads", len(recs)), zap.Int64("inserted", total))
	return total, nil
}
