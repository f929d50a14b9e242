package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTestError = errors.New("test error")

func testConfig() Config {
	return Config{
		FailureThreshold:    2,
		SuccessThreshold:    2,
		Timeout:             30 * time.Millisecond,
		MaxRequestsHalfOpen: 3,
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := New(testConfig())

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, cb.Execute(func() error { return errTestError }), errTestError)
	}
	assert.Equal(t, StateOpen, cb.GetState())

	called := false
	err := cb.Execute(func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_HalfOpenCloses(t *testing.T) {
	cb := New(testConfig())
	for i := 0; i < 2; i++ {
		_ = cb.Execute(func() error { return errTestError })
	}
	time.Sleep(40 * time.Millisecond)

	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateHalfOpen, cb.GetState())
	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := New(testConfig())
	for i := 0; i < 2; i++ {
		_ = cb.Execute(func() error { return errTestError })
	}
	time.Sleep(40 * time.Millisecond)

	_ = cb.Execute(func() error { return errTestError })
	assert.Equal(t, StateOpen, cb.GetState())
}

func TestCircuitBreaker_IsFailureFilter(t *testing.T) {
	errMiss := errors.New("miss")
	cfg := testConfig()
	cfg.IsFailure = func(err error) bool { return !errors.Is(err, errMiss) }
	cb := New(cfg)

	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, cb.Execute(func() error { return errMiss }), errMiss)
	}
	assert.Equal(t, StateClosed, cb.GetState())
	assert.Equal(t, 0, cb.GetStats().FailureCount)
}

func TestRun_ReturnsValue(t *testing.T) {
	cb := New(testConfig())
	v, err := Run(cb, func() (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	for i := 0; i < 2; i++ {
		_, _ = Run(cb, func() (int, error) { return 0, errTestError })
	}
	_, err = Run(cb, func() (int, error) { return 1, nil })
	assert.ErrorIs(t, err, ErrOpen)
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	cb := New(testConfig())

	changes := make(chan State, 4)
	cb.OnStateChange(func(from, to State) { changes <- to })

	for i := 0; i < 2; i++ {
		_ = cb.Execute(func() error { return errTestError })
	}

	select {
	case to := <-changes:
		assert.Equal(t, StateOpen, to)
	case <-time.After(time.Second):
		t.Fatal("state change callback not invoked")
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := New(testConfig())
	for i := 0; i < 2; i++ {
		_ = cb.Execute(func() error { return errTestError })
	}
	cb.Reset()
	assert.Equal(t, StateClosed, cb.GetState())
	assert.NoError(t, cb.Execute(func() error { return nil }))
}

func TestCircuitBreaker_ConcurrentAccess(t *testing.T) {
	cfg := testConfig()
	cfg.FailureThreshold = 1000
	cb := New(cfg)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = cb.Execute(func() error {
				if i%2 == 0 {
					return errTestError
				}
				return nil
			})
		}(i)
	}
	wg.Wait()
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
