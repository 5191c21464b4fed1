package audit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/terraconstructs/gatekeeper/internal/db/bunx"
)

func normalizedEvent(t *testing.T, action string) Event {
	t.Helper()
	e, err := testEvent(action).normalize(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	e.Metadata = map[string]string{"approval_id": "42"}
	return e
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	sink := NewLogSink(zap.New(core))

	require.NoError(t, sink.Write(context.Background(), normalizedEvent(t, "approve")))

	entries := logs.FilterMessage("audit event").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "approve", fields["action"])
	assert.Equal(t, "success", fields["outcome"])
	assert.Equal(t, "user-123", fields["actor_id"])
	assert.Equal(t, "audit", entries[0].LoggerName)
}

func TestBunSink(t *testing.T) {
	ctx := context.Background()
	db, err := bunx.Open(ctx, ":memory:")
	require.NoError(t, err)
	defer bunx.Close(db)

	_, err = db.NewCreateTable().Model((*EventRecord)(nil)).IfNotExists().Exec(ctx)
	require.NoError(t, err)

	sink := NewBunSink(db)
	event := normalizedEvent(t, "approve")

	require.NoError(t, sink.Write(ctx, event))
	require.NoError(t, sink.Write(ctx, event), "retried write is idempotent")

	events, err := sink.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, event.ID, events[0].ID)
	assert.Equal(t, "approve", events[0].Action)
	assert.Equal(t, OutcomeSuccess, events[0].Outcome)
	assert.Equal(t, "42", events[0].Metadata["approval_id"])
	assert.True(t, event.Timestamp.Equal(events[0].Timestamp))
}

func TestRedisSink(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	sink := NewRedisSink(client, "gatekeeper:audit", 1000)
	event := normalizedEvent(t, "reject")
	require.NoError(t, sink.Write(context.Background(), event))

	entries, err := client.XRange(context.Background(), "gatekeeper:audit", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, event.ID, entries[0].Values["id"])
	assert.Equal(t, "reject", entries[0].Values["action"])
	assert.Contains(t, entries[0].Values["event"], `"outcome":"success"`)
}

func TestRedisSink_Unavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	sink := NewRedisSink(client, "gatekeeper:audit", 0)
	assert.Error(t, sink.Write(context.Background(), normalizedEvent(t, "approve")))
}

func TestMultiSink_RetriesOnlyFailedSinks(t *testing.T) {
	healthy := &memorySink{}
	flaky := &memorySink{failures: 1}
	multi := NewMultiSink(healthy, flaky)
	event := normalizedEvent(t, "cancel")

	assert.Error(t, multi.Write(context.Background(), event))
	require.NoError(t, multi.Write(context.Background(), event))

	healthyEvents, healthyAttempts := healthy.snapshot()
	flakyEvents, flakyAttempts := flaky.snapshot()
	assert.Len(t, healthyEvents, 1)
	assert.Equal(t, 1, healthyAttempts)
	assert.Len(t, flakyEvents, 1)
	assert.Equal(t, 2, flakyAttempts)
	assert.Empty(t, multi.partial)
}
