package loom

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/agent"
	"github.com/loomworks/loom/pkg/config"
	"github.com/loomworks/loom/runtime"
)

func TestBuild(t *testing.T) {
	ctx := context.Background()
	cfg := &config.Config{
		Runtime: config.RuntimeConfig{
			Mailbox: config.MailboxDef{Size: 16},
		},
		Agents: []config.AgentDef{
			{ID: "counter", InitialState: MapState{"count": 0}},
			{ID: "logger"},
		},
	}

	svc, scheduler, err := Build(ctx, cfg)
	require.NoError(t, err)
	assert.Nil(t, scheduler, "no schedules declared")
	defer svc.Shutdown(ctx)

	assert.ElementsMatch(t, []agent.ID{"counter", "logger"}, svc.List())

	st, err := svc.GetState(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, MapState{"count": 0}, st.State)
}

func TestBuild_DefaultWorkflowMerges(t *testing.T) {
	ctx := context.Background()
	cfg := &config.Config{
		Agents: []config.AgentDef{{ID: "doc", InitialState: MapState{"title": "draft"}}},
	}

	svc, _, err := Build(ctx, cfg)
	require.NoError(t, err)
	defer svc.Shutdown(ctx)

	sub, err := svc.Subscribe(ctx, "doc")
	require.NoError(t, err)
	defer sub.Cancel()

	act := agent.NewActivity(agent.TypeStateChange, "doc", MapState{"status": "published"})
	require.NoError(t, svc.Send(ctx, "doc", act))

	select {
	case change := <-sub.C:
		state, ok := change.Payload.(MapState)
		require.True(t, ok)
		assert.Equal(t, "draft", state["title"])
		assert.Equal(t, "published", state["status"])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for state change")
	}
}

func TestBuild_Schedules(t *testing.T) {
	ctx := context.Background()
	cfg := &config.Config{
		Agents: []config.AgentDef{{ID: "ticker"}},
		Schedules: []config.ScheduleDef{
			{Name: "tick", Spec: "@every 50ms", AgentID: "ticker", ActivityType: "STATE_CHANGE", Payload: MapState{"tick": true}},
		},
	}

	svc, scheduler, err := Build(ctx, cfg)
	require.NoError(t, err)
	require.NotNil(t, scheduler)
	defer svc.Shutdown(ctx)

	scheduler.Start()
	defer scheduler.Stop()

	require.Eventually(t, func() bool {
		st, err := svc.GetState(ctx, "ticker")
		return err == nil && st.Processing.Processed >= 1
	}, 2*time.Second, 10*time.Millisecond, "scheduled activity never processed")

	st, err := svc.GetState(ctx, "ticker")
	require.NoError(t, err)
	assert.Equal(t, true, st.State["tick"])
}

func TestBuild_ScheduleError(t *testing.T) {
	ctx := context.Background()
	cfg := &config.Config{
		Agents: []config.AgentDef{{ID: "a"}},
		Schedules: []config.ScheduleDef{
			{Name: "bad", Spec: "not a cron spec", AgentID: "a"},
		},
	}

	_, _, err := Build(ctx, cfg)
	assert.Error(t, err)
}

func TestBuild_PerAgentMailbox(t *testing.T) {
	ctx := context.Background()
	small := &config.MailboxDef{Size: 1, BackpressureTimeoutMS: 30}
	cfg := &config.Config{
		Agents: []config.AgentDef{{ID: "narrow", Mailbox: small}},
	}

	svc, _, err := Build(ctx, cfg)
	require.NoError(t, err)
	defer svc.Shutdown(ctx)

	stats, err := svc.Stats("narrow")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats.Size, 0)
}

func TestNew(t *testing.T) {
	svc := New(runtime.WithDefaultMailbox(runtime.MailboxConfig{Size: 8}))
	require.NotNil(t, svc)
	assert.Empty(t, svc.List())
	require.NoError(t, svc.Shutdown(context.Background()))
}
