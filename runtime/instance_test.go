package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/agent"
)

// startInstance runs an instance loop in the background and returns a stop
// function that tears everything down.
func startInstance[S any](t *testing.T, id agent.ID, initial S, wf agent.Workflow[S]) (*Instance[S], func()) {
	t.Helper()

	mailbox := NewMailbox(id, MailboxConfig{Size: 64})
	inst := NewInstance(id, initial, wf, mailbox)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		inst.Run(ctx)
	}()

	stop := func() {
		inst.Terminate()
		cancel()
		mailbox.Shutdown()
		<-done
	}
	t.Cleanup(stop)
	return inst, stop
}

// waitForState polls GetState until cond holds or the deadline passes.
func waitForState[S any](t *testing.T, inst *Instance[S], cond func(agent.State[S]) bool) agent.State[S] {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st := inst.GetState()
		if cond(st) {
			return st
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not reached; last state: %+v", inst.GetState())
	return agent.State[S]{}
}

func countCommands(ctx context.Context, act *agent.Activity, n int) (int, error) {
	if act.Type == agent.TypeCommand {
		return n + 1, nil
	}
	return n, nil
}

func TestInstance_ProcessesActivitiesSequentially(t *testing.T) {
	inst, _ := startInstance(t, "counter", 0, countCommands)

	for i := 0; i < 3; i++ {
		require.NoError(t, inst.Send(agent.NewActivity(agent.TypeCommand, "counter", nil)))
	}

	st := waitForState(t, inst, func(s agent.State[int]) bool {
		return s.Processing.Processed == 3
	})
	assert.Equal(t, 3, st.State)
	assert.Equal(t, uint64(0), st.Processing.Failures)
	assert.Greater(t, st.Processing.AvgProcessingTime, 0.0)
}

func TestInstance_InitialState(t *testing.T) {
	inst, _ := startInstance(t, "fresh", 42, countCommands)

	st := inst.GetState()
	assert.Equal(t, agent.ID("fresh"), st.ID)
	assert.Equal(t, 42, st.State)
	assert.Equal(t, agent.StatusIdle, st.Status)
	assert.Nil(t, st.Err)
}

func TestInstance_SingleWriterSerialization(t *testing.T) {
	inst, _ := startInstance(t, "serial", 0, countCommands)

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < n/8; j++ {
				act := agent.NewActivity(agent.TypeCommand, "serial", nil).
					WithMetadata(agent.MetaTimeout, 5000)
				if err := inst.Send(act); err != nil {
					t.Errorf("send failed: %v", err)
					return
				}
			}
		}()
	}

	// Concurrent readers must only ever observe consistent snapshots:
	// counter equal to processed count, never a torn value.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			st := inst.GetState()
			if uint64(st.State) != st.Processing.Processed {
				t.Errorf("torn snapshot: state %d, processed %d", st.State, st.Processing.Processed)
			}
			if st.Processing.Processed == n {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	wg.Wait()
	select {
	case <-readerDone:
	case <-time.After(10 * time.Second):
		t.Fatal("reader never observed all activities processed")
	}

	assert.Equal(t, n, inst.GetState().State)
}

func TestInstance_WorkflowFailureIsContained(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	wf := func(ctx context.Context, act *agent.Activity, n int) (int, error) {
		calls++
		if calls == 1 {
			return 0, boom
		}
		return n + 1, nil
	}

	inst, _ := startInstance(t, "flaky", 0, wf)

	require.NoError(t, inst.Send(agent.NewActivity(agent.TypeCommand, "flaky", nil)))

	st := waitForState(t, inst, func(s agent.State[int]) bool {
		return s.Processing.Failures == 1
	})
	assert.Equal(t, agent.StatusError, st.Status)
	assert.ErrorIs(t, st.Err, boom)
	assert.ErrorIs(t, st.Processing.LastError, boom)
	assert.Equal(t, 0, st.State, "failed step must not change state")

	// The loop survives: the next activity is processed normally and the
	// error status clears.
	require.NoError(t, inst.Send(agent.NewActivity(agent.TypeCommand, "flaky", nil)))

	st = waitForState(t, inst, func(s agent.State[int]) bool {
		return s.Processing.Processed == 1
	})
	assert.Equal(t, 1, st.State)
	assert.Equal(t, agent.StatusIdle, st.Status)
	assert.Nil(t, st.Err)
	assert.Equal(t, uint64(1), st.Processing.Failures)
	// LastError stays visible in stats after recovery.
	assert.ErrorIs(t, st.Processing.LastError, boom)
}

func TestInstance_AlwaysFailingWorkflowStaysResponsive(t *testing.T) {
	wf := func(ctx context.Context, act *agent.Activity, n int) (int, error) {
		return 0, errors.New("permanent")
	}
	inst, _ := startInstance(t, "broken", 0, wf)

	require.NoError(t, inst.Send(agent.NewActivity(agent.TypeCommand, "broken", nil)))
	waitForState(t, inst, func(s agent.State[int]) bool { return s.Processing.Failures == 1 })

	require.NoError(t, inst.Send(agent.NewActivity(agent.TypeCommand, "broken", nil)))
	st := waitForState(t, inst, func(s agent.State[int]) bool { return s.Processing.Failures == 2 })
	assert.Equal(t, agent.StatusError, st.Status)
}

func TestInstance_SubscribeObservesStateChanges(t *testing.T) {
	inst, _ := startInstance(t, "pub", 0, countCommands)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := inst.Subscribe(ctx)

	const n = 5
	for i := 0; i < n; i++ {
		require.NoError(t, inst.Send(agent.NewActivity(agent.TypeCommand, "pub", nil)))
	}

	for i := 1; i <= n; i++ {
		select {
		case act := <-sub.C:
			require.Equal(t, agent.TypeStateChange, act.Type)
			state, ok := act.Payload.(int)
			require.True(t, ok, "payload should carry the new state")
			assert.Equal(t, i, state, "notification %d carries wrong state", i)
		case <-time.After(5 * time.Second):
			t.Fatalf("missed state change %d", i)
		}
	}
}

func TestInstance_UnsubscribeStopsNotifications(t *testing.T) {
	inst, _ := startInstance(t, "unsub", 0, countCommands)

	sub := inst.Subscribe(context.Background())

	require.NoError(t, inst.Send(agent.NewActivity(agent.TypeCommand, "unsub", nil)))
	select {
	case <-sub.C:
	case <-time.After(5 * time.Second):
		t.Fatal("missed the first state change")
	}

	sub.Cancel()

	// The feed must close; no notifications arrive after cancellation.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-sub.C:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("subscription channel did not close after Cancel")
		}
	}
}

func TestInstance_SubscribeContextCancellation(t *testing.T) {
	inst, _ := startInstance(t, "ctxsub", 0, countCommands)

	ctx, cancel := context.WithCancel(context.Background())
	sub := inst.Subscribe(ctx)
	cancel()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-sub.C:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("subscription channel did not close after context cancellation")
		}
	}
}

func TestInstance_FailedStepDoesNotNotifySubscribers(t *testing.T) {
	wf := func(ctx context.Context, act *agent.Activity, n int) (int, error) {
		return 0, errors.New("no")
	}
	inst, _ := startInstance(t, "silent", 0, wf)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := inst.Subscribe(ctx)

	require.NoError(t, inst.Send(agent.NewActivity(agent.TypeCommand, "silent", nil)))
	waitForState(t, inst, func(s agent.State[int]) bool { return s.Processing.Failures == 1 })

	select {
	case act := <-sub.C:
		t.Fatalf("unexpected notification for a failed step: %v", act)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestInstance_Terminate(t *testing.T) {
	inst, stop := startInstance(t, "term", 0, countCommands)

	stop()

	st := inst.GetState()
	assert.Equal(t, agent.StatusTerminated, st.Status)

	err := inst.Send(agent.NewActivity(agent.TypeCommand, "term", nil))
	assert.ErrorIs(t, err, ErrInstanceTerminated)

	// Terminate is idempotent and absorbing.
	inst.Terminate()
	assert.Equal(t, agent.StatusTerminated, inst.GetState().Status)
}

func TestInstance_TerminateClosesSubscriptions(t *testing.T) {
	inst, stop := startInstance(t, "termsub", 0, countCommands)

	sub := inst.Subscribe(context.Background())
	stop()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-sub.C:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("subscription channel did not close on termination")
		}
	}
}

func TestInstance_SequenceStamping(t *testing.T) {
	var got []uint64
	var mu sync.Mutex
	wf := func(ctx context.Context, act *agent.Activity, n int) (int, error) {
		mu.Lock()
		got = append(got, act.Sequence)
		mu.Unlock()
		return n + 1, nil
	}
	inst, _ := startInstance(t, "seq", 0, wf)

	for i := 0; i < 5; i++ {
		require.NoError(t, inst.Send(agent.NewActivity(agent.TypeCommand, "seq", nil)))
	}
	waitForState(t, inst, func(s agent.State[int]) bool { return s.Processing.Processed == 5 })

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 5)
	for i, seq := range got {
		assert.Equal(t, uint64(i+1), seq, "delivery order must follow sequence within one priority")
	}
}

func TestInstance_AvgProcessingTimeIsRunningMean(t *testing.T) {
	wf := func(ctx context.Context, act *agent.Activity, n int) (int, error) {
		time.Sleep(5 * time.Millisecond)
		return n + 1, nil
	}
	inst, _ := startInstance(t, "avg", 0, wf)

	for i := 0; i < 3; i++ {
		require.NoError(t, inst.Send(agent.NewActivity(agent.TypeCommand, "avg", nil)))
	}
	st := waitForState(t, inst, func(s agent.State[int]) bool { return s.Processing.Processed == 3 })

	assert.GreaterOrEqual(t, st.Processing.AvgProcessingTime, 0.005)
	assert.Less(t, st.Processing.AvgProcessingTime, 1.0)
}
