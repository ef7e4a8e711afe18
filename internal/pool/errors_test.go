package pool

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPoolError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *PoolError
		want string
	}{
		{
			name: "with message and cause",
			err:  newPoolError("check_out", ErrorCategoryTimeout, "no connection available within 1s", ErrBlockingTimeout),
			want: "pool check_out failed: no connection available within 1s: timed out waiting for a connection",
		},
		{
			name: "cause only",
			err:  closedError("check_out"),
			want: "pool check_out failed: pool is closed",
		},
		{
			name: "message only",
			err:  newPoolError("new", ErrorCategoryConfiguration, "connection factory is required", nil),
			want: "pool new failed: connection factory is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestPoolError_Categories(t *testing.T) {
	factoryErr := errors.New("dial tcp: connection refused")

	tests := []struct {
		name         string
		err          error
		wantCategory ErrorCategory
		wantRetry    bool
		wantIs       error
	}{
		{
			name:         "creation",
			err:          creationError("check_out", factoryErr),
			wantCategory: ErrorCategoryCreation,
			wantRetry:    true,
			wantIs:       ErrCreationFailed,
		},
		{
			name:         "timeout",
			err:          newPoolError("check_out", ErrorCategoryTimeout, "", ErrBlockingTimeout),
			wantCategory: ErrorCategoryTimeout,
			wantRetry:    true,
			wantIs:       ErrBlockingTimeout,
		},
		{
			name:         "closed",
			err:          closedError("check_out"),
			wantCategory: ErrorCategoryClosed,
			wantIs:       ErrPoolClosed,
		},
		{
			name:         "not initialized",
			err:          notInitializedError("check_out"),
			wantCategory: ErrorCategoryState,
			wantIs:       ErrNotInitialized,
		},
		{
			name:         "invalid connection",
			err:          invalidConnectionError("connection is nil"),
			wantCategory: ErrorCategoryInvalidConnection,
			wantIs:       ErrInvalidConnection,
		},
		{
			name:         "wrapped",
			err:          fmt.Errorf("borrow: %w", creationError("check_out", factoryErr)),
			wantCategory: ErrorCategoryCreation,
			wantRetry:    true,
			wantIs:       factoryErr,
		},
		{
			name:         "foreign error",
			err:          context.Canceled,
			wantCategory: ErrorCategoryUnknown,
			wantIs:       context.Canceled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantCategory, GetErrorCategory(tt.err))
			assert.Equal(t, tt.wantRetry, IsRetryableError(tt.err))
			assert.ErrorIs(t, tt.err, tt.wantIs)
		})
	}
}

func TestPoolError_CreationIsNotOtherSentinels(t *testing.T) {
	err := creationError("initialize", errors.New("boom"))

	assert.NotErrorIs(t, err, ErrPoolClosed)
	assert.NotErrorIs(t, closedError("check_out"), ErrCreationFailed)
}

type verdictError struct{ retry bool }

func (e verdictError) Error() string     { return "factory failed" }
func (e verdictError) IsRetryable() bool { return e.retry }

func TestPoolError_CreationDefersToCause(t *testing.T) {
	assert.False(t, creationError("check_out", fmt.Errorf("bind: %w", verdictError{retry: false})).IsRetryable())
	assert.True(t, creationError("check_out", verdictError{retry: true}).IsRetryable())
	assert.True(t, creationError("check_out", errors.New("dial failed")).IsRetryable())
}
