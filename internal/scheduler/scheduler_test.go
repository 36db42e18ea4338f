package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/pharovest/pharovest-chain/internal/model"
	"github.com/pharovest/pharovest-chain/internal/service"
)

type mockRunner struct {
	mock.Mock
}

func (m *mockRunner) Run(ctx context.Context, opts service.RunOptions) (*model.RunReport, error) {
	args := m.Called(ctx, opts)
	if r, ok := args.Get(0).(*model.RunReport); ok {
		return r, args.Error(1)
	}
	return nil, args.Error(1)
}

func newTestScheduler(t *testing.T, runner Runner, timeout time.Duration) *Scheduler {
	s, err := New(runner, &Config{Schedule: "0 */10 * * * *", Timeout: timeout})
	require.NoError(t, err)
	t.Cleanup(s.Stop)
	return s
}

func TestNew_InvalidSchedule(t *testing.T) {
	_, err := New(&mockRunner{}, &Config{Schedule: "every ten minutes"})
	assert.Error(t, err)
}

func TestScheduler_NextRun(t *testing.T) {
	s := newTestScheduler(t, &mockRunner{}, 0)
	s.Start()
	s.Start()

	next := s.NextRun()
	assert.False(t, next.IsZero())
	assert.Zero(t, next.Minute()%10)
	assert.Zero(t, next.Second())
}

func TestScheduler_TickResumes(t *testing.T) {
	runner := &mockRunner{}
	runner.On("Run", mock.Anything, service.RunOptions{Trigger: model.RunTriggerScheduled, Resume: true}).
		Return(&model.RunReport{RunID: "r1", Status: model.RunStatusCompleted}, nil).Once()

	s := newTestScheduler(t, runner, 0)
	s.tick()

	runner.AssertExpectations(t)
}

func TestScheduler_TickToleratesRunInProgress(t *testing.T) {
	runner := &mockRunner{}
	runner.On("Run", mock.Anything, mock.Anything).Return(nil, service.ErrRunInProgress).Twice()

	s := newTestScheduler(t, runner, 0)
	s.tick()
	s.tick()

	runner.AssertNumberOfCalls(t, "Run", 2)
}

func TestScheduler_TriggerNowRejectsOverlap(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	runner := &mockRunner{}
	runner.On("Run", mock.Anything, service.RunOptions{Trigger: model.RunTriggerManual}).
		Run(func(mock.Arguments) {
			close(started)
			<-release
		}).
		Return(&model.RunReport{RunID: "r1"}, nil).Once()

	s := newTestScheduler(t, runner, 0)

	done := make(chan error, 1)
	go func() {
		_, err := s.TriggerNow(context.Background(), service.RunOptions{Trigger: model.RunTriggerManual})
		done <- err
	}()
	<-started

	_, err := s.TriggerNow(context.Background(), service.RunOptions{Trigger: model.RunTriggerManual})
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	// 手动批次执行期间定时批次被跳过
	s.tick()

	close(release)
	require.NoError(t, <-done)
	runner.AssertNumberOfCalls(t, "Run", 1)
}

func TestScheduler_Timeout(t *testing.T) {
	runner := &mockRunner{}
	runner.On("Run", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.DeadlineExceeded).Once()

	s := newTestScheduler(t, runner, 20*time.Millisecond)
	_, err := s.TriggerNow(context.Background(), service.RunOptions{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestScheduler_StopCancelsActiveRun(t *testing.T) {
	started := make(chan struct{})
	runner := &mockRunner{}
	runner.On("Run", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			close(started)
			<-args.Get(0).(context.Context).Done()
		}).
		Return(&model.RunReport{RunID: "r1", Status: model.RunStatusCancelled}, nil).Once()

	s, err := New(runner, &Config{Schedule: "0 */10 * * * *"})
	require.NoError(t, err)
	s.Start()

	done := make(chan *model.RunReport, 1)
	go func() {
		report, _ := s.TriggerNow(context.Background(), service.RunOptions{})
		done <- report
	}()
	<-started

	s.Stop()
	select {
	case report := <-done:
		assert.Equal(t, model.RunStatusCancelled, report.Status)
	case <-time.After(time.Second):
		t.Fatal("run was not cancelled by Stop")
	}
}

func TestScheduler_TriggerAsync(t *testing.T) {
	release := make(chan struct{})
	finished := make(chan struct{})

	runner := &mockRunner{}
	runner.On("Run", mock.Anything, mock.MatchedBy(func(opts service.RunOptions) bool {
		return opts.RunID != "" && opts.Trigger == model.RunTriggerManual
	})).
		Run(func(args mock.Arguments) {
			<-release
			close(finished)
		}).
		Return(&model.RunReport{RunID: "ignored"}, nil).Once()

	s := newTestScheduler(t, runner, 0)

	runID, err := s.TriggerAsync(service.RunOptions{Trigger: model.RunTriggerManual})
	require.NoError(t, err)
	assert.NotEmpty(t, runID)

	_, err = s.TriggerAsync(service.RunOptions{Trigger: model.RunTriggerManual})
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(release)
	<-finished

	// 后台批次退出后可以再次触发
	assert.Eventually(t, func() bool {
		select {
		case s.running <- struct{}{}:
			<-s.running
			return true
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)

	runner.AssertExpectations(t)
}
