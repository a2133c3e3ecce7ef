package circuit

import (
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/require"

	"github.com/deltaforge/deltaforge/pkg/failure"
)

func testRegistry(openTimeout time.Duration) *Registry {
	return NewRegistry(Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		OpenTimeout:      openTimeout,
	}, log.NewNopLogger())
}

func schemaErr() error {
	return failure.New(failure.KindSchema, "c-1", "enum symbol not allowed")
}

func TestBreakerOpensOnConsecutiveTrippingFailures(t *testing.T) {
	r := testRegistry(time.Minute)

	for i := 0; i < 3; i++ {
		err := r.Do("user-events", func() error { return schemaErr() })
		require.Error(t, err)
		require.NotErrorIs(t, err, ErrOpen)
	}

	require.Equal(t, gobreaker.StateOpen, r.State("user-events"))
	err := r.Do("user-events", func() error { return nil })
	require.ErrorIs(t, err, ErrOpen)
}

func TestBreakerIgnoresNonTrippingFailures(t *testing.T) {
	r := testRegistry(time.Minute)

	// PARSE failures are the record's problem, not the topic's.
	for i := 0; i < 10; i++ {
		err := r.Do("user-events", func() error {
			return failure.New(failure.KindParse, "c-1", "bad payload")
		})
		require.Error(t, err)
	}
	require.Equal(t, gobreaker.StateClosed, r.State("user-events"))
}

func TestBreakerResetsOnSuccess(t *testing.T) {
	r := testRegistry(time.Minute)

	for i := 0; i < 2; i++ {
		_ = r.Do("user-events", func() error { return schemaErr() })
	}
	require.NoError(t, r.Do("user-events", func() error { return nil }))
	for i := 0; i < 2; i++ {
		_ = r.Do("user-events", func() error { return schemaErr() })
	}
	require.Equal(t, gobreaker.StateClosed, r.State("user-events"))
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	r := testRegistry(50 * time.Millisecond)

	for i := 0; i < 3; i++ {
		_ = r.Do("user-events", func() error { return schemaErr() })
	}
	require.True(t, r.Open("user-events"))

	time.Sleep(80 * time.Millisecond)

	// Two consecutive probe successes close the breaker again.
	require.NoError(t, r.Do("user-events", func() error { return nil }))
	require.Equal(t, gobreaker.StateHalfOpen, r.State("user-events"))
	require.NoError(t, r.Do("user-events", func() error { return nil }))
	require.Equal(t, gobreaker.StateClosed, r.State("user-events"))
}

func TestBreakerReopensOnHalfOpenFailure(t *testing.T) {
	r := testRegistry(50 * time.Millisecond)

	for i := 0; i < 3; i++ {
		_ = r.Do("user-events", func() error { return schemaErr() })
	}
	time.Sleep(80 * time.Millisecond)

	_ = r.Do("user-events", func() error { return schemaErr() })
	require.Equal(t, gobreaker.StateOpen, r.State("user-events"))
}

func TestBreakersAreIndependentPerTopic(t *testing.T) {
	r := testRegistry(time.Minute)

	for i := 0; i < 3; i++ {
		_ = r.Do("broken", func() error { return schemaErr() })
	}
	require.True(t, r.Open("broken"))
	require.False(t, r.Open("healthy"))
	require.NoError(t, r.Do("healthy", func() error { return nil }))
}
