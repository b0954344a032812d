package telemetry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/lib/pq"
)

// Sink is the persistence target for audit records.
type Sink interface {
	// Insert writes a record. Duplicate record IDs must be a no-op, not
	// an error, so delivery retries stay safe.
	Insert(ctx context.Context, rec *Record) error
	// DeadLetter parks a record that exhausted its delivery attempts.
	DeadLetter(ctx context.Context, rec *Record, reason string) error
}

// PostgresSink writes the audit trail to telemetry.telemetry_logs, with
// failed deliveries parked in telemetry.telemetry_dead_letters for
// operator replay.
type PostgresSink struct {
	db *sql.DB
}

func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

func (s *PostgresSink) Insert(ctx context.Context, rec *Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO telemetry.telemetry_logs (
			record_id, ts, user_id, email, project_id, model,
			request_scrubbed, response_scrubbed,
			prompt_tokens, completion_tokens, cost_micros, latency_ms,
			outcome, markers
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (record_id, ts) DO NOTHING`,
		rec.RecordID, rec.Timestamp, rec.UserID, rec.Email, rec.ProjectID, rec.Model,
		nullableJSON(rec.RequestScrubbed), nullableJSON(rec.ResponseScrubbed),
		rec.PromptTokens, rec.CompletionTokens, rec.CostMicros, rec.LatencyMS,
		rec.Outcome, pq.Array(rec.Markers),
	)
	if err != nil {
		return fmt.Errorf("insert telemetry record %s: %w", rec.RecordID, err)
	}
	return nil
}

func (s *PostgresSink) DeadLetter(ctx context.Context, rec *Record, reason string) error {
	payload, err := marshalRecord(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO telemetry.telemetry_dead_letters (record_id, payload, reason)
		VALUES ($1, $2, $3)
		ON CONFLICT (record_id) DO NOTHING`,
		rec.RecordID, payload, reason,
	)
	if err != nil {
		return fmt.Errorf("dead-letter telemetry record %s: %w", rec.RecordID, err)
	}
	return nil
}

func marshalRecord(rec *Record) ([]byte, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal telemetry record %s: %w", rec.RecordID, err)
	}
	return payload, nil
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

// MemorySink collects records in memory for tests and local development.
type MemorySink struct {
	mu          sync.Mutex
	records     map[string]*Record
	deadLetters map[string]string // record id → reason

	// FailNext makes the next N Insert calls fail, for retry testing.
	FailNext int
}

func NewMemorySink() *MemorySink {
	return &MemorySink{
		records:     make(map[string]*Record),
		deadLetters: make(map[string]string),
	}
}

func (s *MemorySink) Insert(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailNext > 0 {
		s.FailNext--
		return fmt.Errorf("memory sink: injected failure")
	}
	if _, dup := s.records[rec.RecordID]; dup {
		return nil
	}
	s.records[rec.RecordID] = rec
	return nil
}

func (s *MemorySink) DeadLetter(_ context.Context, rec *Record, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetters[rec.RecordID] = reason
	return nil
}

// Records returns a snapshot of everything inserted so far.
func (s *MemorySink) Records() []*Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	return out
}

// DeadLetters returns a snapshot of parked record ids and reasons.
func (s *MemorySink) DeadLetters() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.deadLetters))
	for id, reason := range s.deadLetters {
		out[id] = reason
	}
	return out
}
