package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"
	"go.uber.org/zap"
)

// LogSink writes events to a structured log stream.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a sink logging at info level under the "audit" name.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("audit")}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Write(_ context.Context, e Event) error {
	fields := []zap.Field{
		zap.String("event_id", e.ID),
		zap.Time("timestamp", e.Timestamp),
		zap.String("event_type", e.Type),
		zap.String("actor_id", e.ActorID),
		zap.String("actor_email", e.ActorEmail),
		zap.String("source_ip", e.SourceIP),
		zap.String("user_agent", e.UserAgent),
		zap.String("resource", e.Resource),
		zap.String("action", e.Action),
		zap.String("outcome", string(e.Outcome)),
		zap.String("request_id", e.RequestID),
	}
	if e.Error != "" {
		fields = append(fields, zap.String("error", e.Error))
	}
	if len(e.Metadata) > 0 {
		fields = append(fields, zap.Any("metadata", e.Metadata))
	}
	s.logger.Info("audit event", fields...)
	return nil
}

// EventRecord is the audit_events row.
type EventRecord struct {
	bun.BaseModel `bun:"table:audit_events,alias:ae"`

	ID         string    `bun:"id,pk,type:varchar(64)"`
	OccurredAt time.Time `bun:"occurred_at,notnull"`
	EventType  string    `bun:"event_type,type:varchar(100),notnull"`
	ActorID    string    `bun:"actor_id,type:varchar(255)"`
	ActorEmail string    `bun:"actor_email,type:varchar(255)"`
	SourceIP   string    `bun:"source_ip,type:varchar(64)"`
	UserAgent  string    `bun:"user_agent,type:text"`
	Resource   string    `bun:"resource,type:text"`
	Action     string    `bun:"action,type:varchar(100),notnull"`
	Outcome    string    `bun:"outcome,type:varchar(16),notnull"`
	Error      string    `bun:"error,type:text"`
	RequestID  string    `bun:"request_id,type:varchar(64)"`
	Metadata   string    `bun:"metadata,type:text"` // JSON object
}

// ToRecord converts an event to its table row.
func ToRecord(e Event) (*EventRecord, error) {
	metadata := ""
	if len(e.Metadata) > 0 {
		raw, err := json.Marshal(e.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encode audit metadata: %w", err)
		}
		metadata = string(raw)
	}
	return &EventRecord{
		ID:         e.ID,
		OccurredAt: e.Timestamp,
		EventType:  e.Type,
		ActorID:    e.ActorID,
		ActorEmail: e.ActorEmail,
		SourceIP:   e.SourceIP,
		UserAgent:  e.UserAgent,
		Resource:   e.Resource,
		Action:     e.Action,
		Outcome:    string(e.Outcome),
		Error:      e.Error,
		RequestID:  e.RequestID,
		Metadata:   metadata,
	}, nil
}

// Event converts a row back to an event.
func (r *EventRecord) Event() (Event, error) {
	var metadata map[string]string
	if r.Metadata != "" {
		if err := json.Unmarshal([]byte(r.Metadata), &metadata); err != nil {
			return Event{}, fmt.Errorf("decode audit metadata: %w", err)
		}
	}
	return Event{
		ID:         r.ID,
		Timestamp:  r.OccurredAt,
		Type:       r.EventType,
		ActorID:    r.ActorID,
		ActorEmail: r.ActorEmail,
		SourceIP:   r.SourceIP,
		UserAgent:  r.UserAgent,
		Resource:   r.Resource,
		Action:     r.Action,
		Outcome:    Outcome(r.Outcome),
		Error:      r.Error,
		RequestID:  r.RequestID,
		Metadata:   metadata,
	}, nil
}

// BunSink appends events to the audit_events table. Inserts are idempotent
// on the event id, so a retried write never duplicates a row.
type BunSink struct {
	db *bun.DB
}

// NewBunSink creates a SQL sink. The table is created by the migrations package.
func NewBunSink(db *bun.DB) *BunSink {
	return &BunSink{db: db}
}

func (s *BunSink) Name() string { return "database" }

func (s *BunSink) Write(ctx context.Context, e Event) error {
	record, err := ToRecord(e)
	if err != nil {
		return err
	}
	if _, err := s.db.NewInsert().Model(record).On("CONFLICT (id) DO NOTHING").Exec(ctx); err != nil {
		return fmt.Errorf("insert audit event %s: %w", e.ID, err)
	}
	return nil
}

// List returns the most recent events, newest first.
func (s *BunSink) List(ctx context.Context, limit int) ([]Event, error) {
	var records []EventRecord
	if err := s.db.NewSelect().Model(&records).Order("occurred_at DESC").Limit(limit).Scan(ctx); err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	events := make([]Event, 0, len(records))
	for i := range records {
		e, err := records[i].Event()
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}

// RedisSink appends events to a Redis stream with XADD.
type RedisSink struct {
	client redis.UniversalClient
	stream string
	maxLen int64
}

// NewRedisSink creates a stream sink. maxLen > 0 trims the stream approximately.
func NewRedisSink(client redis.UniversalClient, stream string, maxLen int64) *RedisSink {
	return &RedisSink{client: client, stream: stream, maxLen: maxLen}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Write(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"id":      e.ID,
			"action":  e.Action,
			"outcome": string(e.Outcome),
			"event":   string(payload),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}

// MultiSink fans an event out to several sinks. A sink that already accepted
// an event is skipped when the recorder retries it, so only the failing sinks
// see the retry.
type MultiSink struct {
	sinks []Sink

	mu      sync.Mutex
	partial map[string]map[int]struct{} // event id -> indexes of sinks that accepted it
}

// NewMultiSink combines sinks.
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks, partial: map[string]map[int]struct{}{}}
}

func (m *MultiSink) Name() string { return "multi" }

func (m *MultiSink) Write(ctx context.Context, e Event) error {
	m.mu.Lock()
	done := m.partial[e.ID]
	m.mu.Unlock()

	var errs []error
	accepted := make(map[int]struct{}, len(m.sinks))
	for i, sink := range m.sinks {
		if _, ok := done[i]; ok {
			accepted[i] = struct{}{}
			continue
		}
		if err := sink.Write(ctx, e); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
			continue
		}
		accepted[i] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(errs) == 0 {
		delete(m.partial, e.ID)
		return nil
	}
	m.partial[e.ID] = accepted
	return errors.Join(errs...)
}

// Forget discards the retry state kept for an event the caller gave up on.
func (m *MultiSink) Forget(eventID string) {
	m.mu.Lock()
	delete(m.partial, eventID)
	m.mu.Unlock()
}

func (m *MultiSink) pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.partial)
}
