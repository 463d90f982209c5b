package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/markdave123-py/mediawhisperer/internal/core"
)

func fastPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	got, err := Retry(context.Background(), fastPolicy(), "embed", func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", status.Error(codes.Unavailable, "try later")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
}

func TestRetryExhaustedIsProviderUnavailable(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), fastPolicy(), "embed", func(ctx context.Context) (int, error) {
		calls++
		return 0, &googleapi.Error{Code: http.StatusTooManyRequests}
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, core.ErrProviderUnavailable)
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	bad := core.Errorf(core.KindInvalidInput, "complete", "prompt too long")
	_, err := Retry(context.Background(), fastPolicy(), "complete", func(ctx context.Context) (int, error) {
		calls++
		return 0, bad
	})
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}

func TestRetryPerAttemptTimeoutIsTransient(t *testing.T) {
	p := fastPolicy().WithTimeout(5 * time.Millisecond)
	calls := 0
	got, err := Retry(context.Background(), p, "complete", func(ctx context.Context) (string, error) {
		calls++
		if calls == 1 {
			<-ctx.Done()
			return "", ctx.Err()
		}
		return "late but fine", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "late but fine", got)
	assert.Equal(t, 2, calls)
}

func TestRetryReturnsCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := Retry(ctx, fastPolicy(), "embed", func(ctx context.Context) (int, error) {
		calls++
		cancel()
		return 0, status.Error(codes.Unavailable, "down")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestIsTransient(t *testing.T) {
	var tests = []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", context.DeadlineExceeded, true},
		{"wrapped deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), true},
		{"cancelled", context.Canceled, false},
		{"429", &googleapi.Error{Code: 429}, true},
		{"503", &googleapi.Error{Code: 503}, true},
		{"400", &googleapi.Error{Code: 400}, false},
		{"grpc unavailable", status.Error(codes.Unavailable, "x"), true},
		{"grpc resource exhausted", status.Error(codes.ResourceExhausted, "x"), true},
		{"grpc invalid argument", status.Error(codes.InvalidArgument, "x"), false},
		{"provider unavailable kind", core.E(core.KindProviderUnavailable, "embed", nil), true},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}
