package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errProvider = errors.New("provider: 503")

// flaky fails the first n calls.
type flaky struct {
	n     int
	calls int
}

func (f *flaky) call() error {
	f.calls++
	if f.calls <= f.n {
		return errProvider
	}
	return nil
}

func TestDo(t *testing.T) {
	tests := []struct {
		name        string
		failures    int
		maxAttempts int
		wantErr     bool
		wantCalls   int
	}{
		{"first attempt", 0, 3, false, 1},
		{"recovers on last attempt", 2, 3, false, 3},
		{"gives up", 5, 3, true, 3},
		{"zero attempts means one", 0, 0, false, 1},
		{"zero attempts does not retry", 1, 0, true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &flaky{n: tt.failures}
			err := Do(context.Background(), tt.maxAttempts, time.Millisecond, f.call)
			if tt.wantErr {
				assert.ErrorIs(t, err, errProvider)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantCalls, f.calls)
		})
	}
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	declined := errors.New("card_declined")
	calls := 0
	err := Do(context.Background(), 5, time.Millisecond, func() error {
		calls++
		return Permanent(declined)
	})
	assert.ErrorIs(t, err, declined)
	assert.Equal(t, 1, calls)
}

func TestDo_StopsWhenContextDone(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	calls := 0
	start := time.Now()
	err := Do(ctx, 10, 100*time.Millisecond, func() error {
		calls++
		return errProvider
	})
	require.Error(t, err)
	assert.LessOrEqual(t, calls, 2)
	assert.Less(t, time.Since(start), time.Second, "backoff sleep must honour the deadline")
}

func TestDo_WaitsBetweenAttempts(t *testing.T) {
	var stamps []time.Time
	err := Do(context.Background(), 3, 20*time.Millisecond, func() error {
		stamps = append(stamps, time.Now())
		if len(stamps) < 3 {
			return errProvider
		}
		return nil
	})
	require.NoError(t, err)
	require.Len(t, stamps, 3)
	for i := 1; i < len(stamps); i++ {
		assert.GreaterOrEqual(t, stamps[i].Sub(stamps[i-1]), 10*time.Millisecond)
	}
}
