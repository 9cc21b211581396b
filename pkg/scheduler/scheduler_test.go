package scheduler

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lucid-vigil/fleet/pkg/events"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockJob is a mock implementation of the Job interface.
type MockJob struct {
	mock.Mock
	name string
}

func newMockJob(name string) *MockJob {
	return &MockJob{name: name}
}

func (m *MockJob) Name() string {
	return m.name
}

func (m *MockJob) Run(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// recorder is an events.Publisher keeping every event.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) ofType(t events.EventType) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func stop(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func statusOf(s *Scheduler, name string) JobStatus {
	for _, st := range s.Status() {
		if st.Name == name {
			return st
		}
	}
	return JobStatus{}
}

func TestScheduler_Register(t *testing.T) {
	s := NewScheduler(nil, zerolog.Nop())

	require.NoError(t, s.Register(newMockJob("a"), Schedule{Interval: time.Minute}))
	require.NoError(t, s.Register(newMockJob("b"), Schedule{Cron: "*/5 * * * *"}))
	require.NoError(t, s.Register(newMockJob("c"), Schedule{}))

	assert.ErrorIs(t, s.Register(newMockJob("a"), Schedule{}), ErrJobExists)
	assert.Error(t, s.Register(newMockJob("d"), Schedule{Cron: "not a cron"}))
	assert.Error(t, s.Register(newMockJob("e"), Schedule{Interval: time.Minute, Cron: "* * * * *"}))

	statuses := s.Status()
	require.Len(t, statuses, 3)
	assert.Equal(t, "every 1m0s", statuses[0].Schedule)
	assert.Equal(t, "cron */5 * * * *", statuses[1].Schedule)
	assert.Equal(t, "manual", statuses[2].Schedule)
}

func TestScheduler_IntervalRunsImmediatelyAndRepeats(t *testing.T) {
	s := NewScheduler(nil, zerolog.Nop())

	job := newMockJob("repeat")
	var wg sync.WaitGroup
	wg.Add(3)
	var calls int32
	job.On("Run", mock.Anything).Run(func(mock.Arguments) {
		if atomic.AddInt32(&calls, 1) <= 3 {
			wg.Done()
		}
	}).Return(nil)

	require.NoError(t, s.Register(job, Schedule{Interval: 50 * time.Millisecond}))
	require.NoError(t, s.Start(context.Background()))
	defer stop(t, s)

	waitOrFail(t, &wg, 2*time.Second)
	st := statusOf(s, "repeat")
	assert.GreaterOrEqual(t, st.Runs, int64(2))
	assert.False(t, st.NextRun.IsZero())
	job.AssertExpectations(t)
}

func TestScheduler_ManualJobWaitsForTrigger(t *testing.T) {
	s := NewScheduler(nil, zerolog.Nop())

	job := newMockJob("manual")
	done := make(chan struct{})
	job.On("Run", mock.Anything).Run(func(mock.Arguments) { close(done) }).Return(nil).Once()

	require.NoError(t, s.Register(job, Schedule{}))
	assert.ErrorIs(t, s.TriggerNow("manual"), ErrNotRunning)

	require.NoError(t, s.Start(context.Background()))
	defer stop(t, s)

	time.Sleep(50 * time.Millisecond)
	job.AssertNotCalled(t, "Run", mock.Anything)

	require.NoError(t, s.TriggerNow("manual"))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("triggered job did not run")
	}
	assert.ErrorIs(t, s.TriggerNow("missing"), ErrJobNotFound)
}

func TestScheduler_NoOverlap(t *testing.T) {
	s := NewScheduler(nil, zerolog.Nop())

	release := make(chan struct{})
	started := make(chan struct{}, 10)
	job := newMockJob("slow")
	job.On("Run", mock.Anything).Run(func(mock.Arguments) {
		started <- struct{}{}
		<-release
	}).Return(nil)

	require.NoError(t, s.Register(job, Schedule{}))
	require.NoError(t, s.Start(context.Background()))
	defer stop(t, s)

	require.NoError(t, s.TriggerNow("slow"))
	<-started
	assert.ErrorIs(t, s.TriggerNow("slow"), ErrJobRunning)
	assert.ErrorIs(t, s.TriggerNow("slow"), ErrJobRunning)

	st := statusOf(s, "slow")
	assert.True(t, st.Running)
	assert.Equal(t, int64(2), st.Skipped)

	close(release)
	assert.Eventually(t, func() bool { return !statusOf(s, "slow").Running }, time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), statusOf(s, "slow").Runs)
	assert.Len(t, started, 0)
}

func TestScheduler_ErrorsAndPanics(t *testing.T) {
	bus := &recorder{}
	s := NewScheduler(bus, zerolog.Nop())

	failing := newMockJob("failing")
	failing.On("Run", mock.Anything).Return(stderrors.New("source unreachable"))
	panicking := newMockJob("panicking")
	panicking.On("Run", mock.Anything).Run(func(mock.Arguments) { panic("boom") }).Return(nil)

	require.NoError(t, s.Register(failing, Schedule{}))
	require.NoError(t, s.Register(panicking, Schedule{}))
	require.NoError(t, s.Start(context.Background()))
	defer stop(t, s)

	require.NoError(t, s.TriggerNow("failing"))
	require.NoError(t, s.TriggerNow("panicking"))

	assert.Eventually(t, func() bool {
		return statusOf(s, "failing").Runs == 1 && statusOf(s, "panicking").Runs == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, "source unreachable", statusOf(s, "failing").LastError)
	assert.Equal(t, int64(1), statusOf(s, "failing").Failures)
	assert.Equal(t, "panic: boom", statusOf(s, "panicking").LastError)

	errs := bus.ofType(events.EventSystemError)
	require.Len(t, errs, 2)
	severities := map[string]string{}
	for _, e := range errs {
		severities[e.Target] = e.Severity
	}
	assert.Equal(t, "medium", severities["failing"])
	assert.Equal(t, "critical", severities["panicking"])

	// the scheduler survives a panicking job
	require.NoError(t, s.TriggerNow("failing"))
	assert.Eventually(t, func() bool { return statusOf(s, "failing").Runs == 2 }, time.Second, 10*time.Millisecond)
}

func TestScheduler_StopCancelsRunningJobs(t *testing.T) {
	s := NewScheduler(nil, zerolog.Nop())

	started := make(chan struct{})
	job := newMockJob("blocking")
	job.On("Run", mock.Anything).Run(func(args mock.Arguments) {
		close(started)
		<-args.Get(0).(context.Context).Done()
	}).Return(context.Canceled)

	require.NoError(t, s.Register(job, Schedule{Interval: time.Hour}))
	require.NoError(t, s.Start(context.Background()))
	<-started

	stop(t, s)
	assert.False(t, s.IsRunning())
	assert.ErrorIs(t, s.Stop(context.Background()), ErrNotRunning)
}

func TestScheduler_StopTimeout(t *testing.T) {
	s := NewScheduler(nil, zerolog.Nop())

	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})
	job := newMockJob("stubborn")
	job.On("Run", mock.Anything).Run(func(mock.Arguments) {
		close(started)
		<-release
	}).Return(nil)

	require.NoError(t, s.Register(job, Schedule{Interval: time.Hour}))
	require.NoError(t, s.Start(context.Background()))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Stop(ctx), context.DeadlineExceeded)
}

func TestScheduler_RegisterAndRemoveWhileRunning(t *testing.T) {
	s := NewScheduler(nil, zerolog.Nop())
	require.NoError(t, s.Start(context.Background()))
	defer stop(t, s)

	ran := make(chan struct{}, 1)
	job := newMockJob("late")
	job.On("Run", mock.Anything).Run(func(mock.Arguments) {
		select {
		case ran <- struct{}{}:
		default:
		}
	}).Return(nil)

	require.NoError(t, s.Register(job, Schedule{Interval: time.Hour}))
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("job registered on a running scheduler did not start")
	}

	require.NoError(t, s.Remove("late"))
	assert.Empty(t, s.Status())
	assert.ErrorIs(t, s.Remove("late"), ErrJobNotFound)
}

func TestScheduler_RemoveLetsRunFinish(t *testing.T) {
	s := NewScheduler(nil, zerolog.Nop())
	require.NoError(t, s.Start(context.Background()))
	defer stop(t, s)

	started := make(chan struct{})
	release := make(chan struct{})
	finished := make(chan error, 1)
	job := newMockJob("draining")
	job.On("Run", mock.Anything).Run(func(args mock.Arguments) {
		close(started)
		<-release
		finished <- args.Get(0).(context.Context).Err()
	}).Return(nil).Once()

	require.NoError(t, s.Register(job, Schedule{Interval: time.Hour}))
	<-started
	require.NoError(t, s.Remove("draining"))
	close(release)

	select {
	case err := <-finished:
		assert.NoError(t, err, "removing a job must not cancel its run")
	case <-time.After(2 * time.Second):
		t.Fatal("removed job did not finish its run")
	}
}

func TestScheduler_LifecycleEvents(t *testing.T) {
	bus := &recorder{}
	s := NewScheduler(bus, zerolog.Nop())

	require.NoError(t, s.Register(newMockJob("quiet"), Schedule{}))
	require.NoError(t, s.Start(context.Background()))
	stop(t, s)

	var actions []string
	for _, e := range bus.ofType(events.EventSystemStatus) {
		assert.Equal(t, "scheduler", e.Source)
		actions = append(actions, e.Data["action"].(string))
	}
	assert.Equal(t, []string{"registered", "started", "stopped"}, actions)
}

func TestScheduler_CronJobWaitsForNextTick(t *testing.T) {
	s := NewScheduler(nil, zerolog.Nop())
	base := time.Date(2026, 1, 1, 10, 0, 30, 0, time.UTC)
	s.now = func() time.Time { return base }

	job := newMockJob("nightly")
	require.NoError(t, s.Register(job, Schedule{Cron: "0 3 * * *"}))
	require.NoError(t, s.Start(context.Background()))
	defer stop(t, s)

	assert.Eventually(t, func() bool {
		return statusOf(s, "nightly").NextRun.Equal(time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC))
	}, time.Second, 10*time.Millisecond)
	job.AssertNotCalled(t, "Run", mock.Anything)
}

func waitOrFail(t *testing.T, wg *sync.WaitGroup, timeout time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for job runs")
	}
}
