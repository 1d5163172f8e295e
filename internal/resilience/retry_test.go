package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func fast() Backoff {
	return Backoff{Attempts: 3, Initial: time.Millisecond, Max: 2 * time.Millisecond, Factor: 2, Name: "test"}
}

func TestDo(t *testing.T) {
	transient := &StatusError{Code: 503}
	permanent := &StatusError{Code: 400}
	tests := []struct {
		name     string
		failures []error
		calls    int
		wantErr  error
	}{
		{"first try", nil, 1, nil},
		{"recovers", []error{transient, transient}, 3, nil},
		{"exhausted", []error{transient, transient, transient, transient}, 3, transient},
		{"permanent", []error{permanent}, 1, permanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := Do(context.Background(), fast(), func(context.Context) error {
				calls++
				if calls <= len(tt.failures) {
					return tt.failures[calls-1]
				}
				return nil
			})
			assert.Equal(t, tt.calls, calls)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.Same(t, tt.wantErr, err)
			}
		})
	}
}

func TestDo_StopsWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := fast()
	b.Initial, b.Max = time.Hour, time.Hour
	calls := 0
	err := Do(ctx, b, func(context.Context) error {
		calls++
		cancel()
		return &StatusError{Code: 503}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_CustomRetryable(t *testing.T) {
	b := fast()
	b.Retryable = func(error) bool { return true }
	calls := 0
	_ = Do(context.Background(), b, func(context.Context) error {
		calls++
		return errors.New("anything")
	})
	assert.Equal(t, 3, calls)
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Initial: 100 * time.Millisecond, Max: time.Second, Factor: 2}.normalise()
	assert.Equal(t, 100*time.Millisecond, b.delay(1))
	assert.Equal(t, 200*time.Millisecond, b.delay(2))
	assert.Equal(t, 400*time.Millisecond, b.delay(3))
	assert.Equal(t, time.Second, b.delay(6))

	b.Jitter = 0.5
	for range 50 {
		d := b.delay(1)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}

func TestNormalise(t *testing.T) {
	b := Backoff{Jitter: 3}.normalise()
	assert.Equal(t, 3, b.Attempts)
	assert.Equal(t, 500*time.Millisecond, b.Initial)
	assert.Equal(t, b.Initial, b.Max)
	assert.Equal(t, 2.0, b.Factor)
	assert.Equal(t, 1.0, b.Jitter)
}
