package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errTestError = errors.New("test error")
	errRemote    = errors.New("remote refused")
)

func newTestBreaker(t *testing.T, cfg Config) (*CircuitBreaker, *time.Time) {
	t.Helper()
	cb := New(cfg)
	now := time.Unix(1000, 0)
	cb.now = func() time.Time { return now }
	cb.stateChangeTime = now
	return cb, &now
}

func testConfig() Config {
	return Config{
		FailureThreshold:    2,
		SuccessThreshold:    2,
		Timeout:             time.Second,
		MaxRequestsHalfOpen: 1,
	}
}

func run(ctx context.Context, cb *CircuitBreaker, fn func() error) error {
	_, err := Do(ctx, cb, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

func fail() error    { return errTestError }
func succeed() error { return nil }

func TestCircuitBreaker_ClosedState(t *testing.T) {
	cb := New(DefaultConfig())
	ctx := context.Background()

	require.NoError(t, run(ctx, cb, succeed))
	err := run(ctx, cb, fail)
	assert.ErrorIs(t, err, errTestError)
	assert.Equal(t, StateClosed, cb.GetState())
	assert.Equal(t, 1, cb.GetStats().FailureCount)
}

func TestCircuitBreaker_OpensAndRejects(t *testing.T) {
	cb, _ := newTestBreaker(t, testConfig())
	ctx := context.Background()

	_ = run(ctx, cb, fail)
	_ = run(ctx, cb, fail)
	require.Equal(t, StateOpen, cb.GetState())

	called := false
	err := run(ctx, cb, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_HalfOpenCloses(t *testing.T) {
	cb, now := newTestBreaker(t, testConfig())
	ctx := context.Background()
	_ = run(ctx, cb, fail)
	_ = run(ctx, cb, fail)

	*now = now.Add(2 * time.Second)
	require.NoError(t, run(ctx, cb, succeed))
	assert.Equal(t, StateHalfOpen, cb.GetState())
	require.NoError(t, run(ctx, cb, succeed))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, now := newTestBreaker(t, testConfig())
	ctx := context.Background()
	_ = run(ctx, cb, fail)
	_ = run(ctx, cb, fail)

	*now = now.Add(2 * time.Second)
	_ = run(ctx, cb, fail)
	assert.Equal(t, StateOpen, cb.GetState())
	assert.ErrorIs(t, run(ctx, cb, succeed), ErrOpen)
}

func TestCircuitBreaker_HalfOpenLimitsTrialRequests(t *testing.T) {
	cb, now := newTestBreaker(t, testConfig())
	ctx := context.Background()
	_ = run(ctx, cb, fail)
	_ = run(ctx, cb, fail)
	*now = now.Add(2 * time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = run(ctx, cb, func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	assert.ErrorIs(t, run(ctx, cb, succeed), ErrOpen, "only one trial request while half-open")
	close(release)
	wg.Wait()
}

func TestCircuitBreaker_IsFailureFilter(t *testing.T) {
	cfg := testConfig()
	cfg.IsFailure = func(err error) bool { return !errors.Is(err, errRemote) }
	cb, _ := newTestBreaker(t, cfg)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		err := run(ctx, cb, func() error { return errRemote })
		assert.ErrorIs(t, err, errRemote)
	}
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestDo_ReturnsResult(t *testing.T) {
	cb := New(DefaultConfig())
	v, err := Do(context.Background(), cb, func() (string, error) { return "pong", nil })
	require.NoError(t, err)
	assert.Equal(t, "pong", v)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Do(ctx, cb, func() (string, error) { return "", nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	cb, _ := newTestBreaker(t, testConfig())
	changes := make(chan State, 4)
	cb.OnStateChange(func(_, to State) { changes <- to })

	_ = run(context.Background(), cb, fail)
	_ = run(context.Background(), cb, fail)

	select {
	case to := <-changes:
		assert.Equal(t, StateOpen, to)
	case <-time.After(time.Second):
		t.Fatal("state change callback not called")
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker(t, testConfig())
	_ = run(context.Background(), cb, fail)
	_ = run(context.Background(), cb, fail)
	require.Equal(t, StateOpen, cb.GetState())

	cb.Reset()
	stats := cb.GetStats()
	assert.Equal(t, StateClosed, stats.State)
	assert.Zero(t, stats.FailureCount)
}

func TestCircuitBreaker_ConcurrentAccess(t *testing.T) {
	cb := New(DefaultConfig())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = run(context.Background(), cb, func() error {
				if i%10 == 0 {
					return errTestError
				}
				return nil
			})
			_ = cb.GetStats()
		}(i)
	}
	wg.Wait()
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(99).String())
}
