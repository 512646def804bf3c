package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcoord/agentcoord/internal/common/config"
	"github.com/agentcoord/agentcoord/internal/common/logger"
	"github.com/agentcoord/agentcoord/internal/events/eventlog"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stderr"})
	require.NoError(t, err)
	cfg := config.AgentsConfig{
		HeartbeatInterval: 15,
		StaleThreshold:    90,
		IdleThreshold:     30,
		InboxCap:          16,
	}
	return NewRegistry(cfg, eventlog.NewMemoryLog(log), log)
}

func TestRegisterAssignsSluggedID(t *testing.T) {
	r := testRegistry(t)

	a, err := r.Register(context.Background(), "CoderBlueKoala", []string{"coding"}, "", false)
	require.NoError(t, err)
	assert.Regexp(t, `^coder-blue-koala-[0-9a-f]{6}$`, a.ID)
	assert.Equal(t, StateRegistered, a.State)
}

func TestRegisterIdempotentOnName(t *testing.T) {
	r := testRegistry(t)
	ctx := context.Background()

	first, err := r.Register(ctx, "CoderBlueKoala", []string{"coding"}, "", false)
	require.NoError(t, err)

	second, err := r.Register(ctx, "CoderBlueKoala", []string{"coding", "testing"}, "fe", true)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, []string{"coding", "testing"}, second.Capabilities)
	assert.True(t, second.CrossCodebaseCapable)
	assert.Len(t, r.List(), 1)
}

func TestHeartbeatMonotonic(t *testing.T) {
	r := testRegistry(t)
	ctx := context.Background()

	a, err := r.Register(ctx, "Agent", []string{"coding"}, "", false)
	require.NoError(t, err)

	future := time.Now().Add(time.Minute)
	r.now = func() time.Time { return future }
	require.NoError(t, r.Heartbeat(ctx, a.ID))

	// An older clock reading must not rewind the heartbeat.
	r.now = func() time.Time { return future.Add(-30 * time.Second) }
	require.NoError(t, r.Heartbeat(ctx, a.ID))

	got, err := r.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, future, got.LastHeartbeat)
}

func TestHeartbeatUnknownAgent(t *testing.T) {
	r := testRegistry(t)
	assert.ErrorIs(t, r.Heartbeat(context.Background(), "ghost"), ErrNotFound)
}

func TestMarkStaleBoundary(t *testing.T) {
	r := testRegistry(t)
	ctx := context.Background()

	registered := time.Now()
	r.now = func() time.Time { return registered }
	a, err := r.Register(ctx, "Agent", []string{"coding"}, "", false)
	require.NoError(t, err)

	// Exactly at the threshold: still fresh.
	r.now = func() time.Time { return registered.Add(90 * time.Second) }
	r.markStale()
	got, err := r.Get(a.ID)
	require.NoError(t, err)
	assert.NotEqual(t, StateStale, got.State)

	// One tick past: stale.
	r.now = func() time.Time { return registered.Add(91 * time.Second) }
	r.markStale()
	got, err = r.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, StateStale, got.State)
}

func TestHeartbeatRecoversFromStale(t *testing.T) {
	r := testRegistry(t)
	ctx := context.Background()

	a, err := r.Register(ctx, "Agent", []string{"coding"}, "", false)
	require.NoError(t, err)

	r.now = func() time.Time { return time.Now().Add(5 * time.Minute) }
	r.markStale()
	require.NoError(t, r.Heartbeat(ctx, a.ID))

	got, err := r.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, got.State)
}

func TestUnregisterRemovesAgentAndInbox(t *testing.T) {
	r := testRegistry(t)
	ctx := context.Background()

	a, err := r.Register(ctx, "Agent", []string{"coding"}, "", false)
	require.NoError(t, err)

	require.NoError(t, r.Unregister(ctx, a.ID))
	_, err = r.Get(a.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.Inbox(a.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, r.Unregister(ctx, a.ID), ErrNotFound)
}

func TestRestoreReplaysRegistrations(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stderr"})
	require.NoError(t, err)
	memLog := eventlog.NewMemoryLog(log)
	cfg := config.AgentsConfig{HeartbeatInterval: 15, StaleThreshold: 90, IdleThreshold: 30, InboxCap: 16}
	ctx := context.Background()

	first := NewRegistry(cfg, memLog, log)
	a, err := first.Register(ctx, "Survivor", []string{"coding"}, "fe", true)
	require.NoError(t, err)
	gone, err := first.Register(ctx, "Departed", []string{"coding"}, "", false)
	require.NoError(t, err)
	require.NoError(t, first.Unregister(ctx, gone.ID))

	second := NewRegistry(cfg, memLog, log)
	require.NoError(t, second.Restore(ctx))

	restored, err := second.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, "Survivor", restored.Name)
	assert.Equal(t, "fe", restored.CodebaseID)
	assert.True(t, restored.CrossCodebaseCapable)
	assert.Len(t, second.List(), 1)
}

func TestReRegistrationSurvivesReplay(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stderr"})
	require.NoError(t, err)
	memLog := eventlog.NewMemoryLog(log)
	cfg := config.AgentsConfig{HeartbeatInterval: 15, StaleThreshold: 90, IdleThreshold: 30, InboxCap: 16}
	ctx := context.Background()

	first := NewRegistry(cfg, memLog, log)
	a, err := first.Register(ctx, "Coder", []string{"coding"}, "", false)
	require.NoError(t, err)
	_, err = first.Register(ctx, "Coder", []string{"testing"}, "be", true)
	require.NoError(t, err)

	second := NewRegistry(cfg, memLog, log)
	require.NoError(t, second.Restore(ctx))

	restored, err := second.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"testing"}, restored.Capabilities)
	assert.Equal(t, "be", restored.CodebaseID)
	assert.True(t, restored.CrossCodebaseCapable)
	assert.Len(t, second.List(), 1)
}

func TestHasCapabilitiesSubset(t *testing.T) {
	a := &Agent{Capabilities: []string{"coding", "testing"}}
	assert.True(t, a.HasCapabilities(nil))
	assert.True(t, a.HasCapabilities([]string{"coding"}))
	assert.True(t, a.HasCapabilities([]string{"coding", "testing"}))
	assert.False(t, a.HasCapabilities([]string{"deploy"}))
}
