package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func TestClassifyStoreError_Nil(t *testing.T) {
	assert.Nil(t, ClassifyStoreError(nil))
}

func TestClassifyStoreError_NotFound(t *testing.T) {
	se := ClassifyStoreError(redis.Nil)
	assert.Equal(t, ErrorTypeNotFound, se.Type)
	assert.False(t, IsUnavailable(redis.Nil))
}

func TestClassifyStoreError_WrappedNotFound(t *testing.T) {
	err := fmt.Errorf("failed to get block: %w", redis.Nil)
	se := ClassifyStoreError(err)
	assert.Equal(t, ErrorTypeNotFound, se.Type)
}

func TestClassifyStoreError_Timeout(t *testing.T) {
	se := ClassifyStoreError(context.DeadlineExceeded)
	assert.Equal(t, ErrorTypeTimeout, se.Type)
	assert.True(t, IsUnavailable(context.DeadlineExceeded))
}

func TestClassifyStoreError_ConnectionRefused(t *testing.T) {
	err := errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")
	se := ClassifyStoreError(err)
	assert.Equal(t, ErrorTypeConnection, se.Type)
	assert.True(t, IsUnavailable(err))
}

func TestClassifyStoreError_PoolTimeout(t *testing.T) {
	err := errors.New("redis: connection pool timeout")
	assert.True(t, IsUnavailable(err))
}

func TestClassifyStoreError_Script(t *testing.T) {
	err := errors.New("NOSCRIPT No matching script")
	se := ClassifyStoreError(err)
	assert.Equal(t, ErrorTypeScript, se.Type)
	assert.False(t, IsUnavailable(err))
}

func TestClassifyStoreError_Unknown(t *testing.T) {
	se := ClassifyStoreError(errors.New("something odd"))
	assert.Equal(t, ErrorTypeUnknown, se.Type)
	assert.Equal(t, "unknown store error: something odd", se.Error())
}

func TestStoreError_Unwrap(t *testing.T) {
	base := errors.New("base")
	se := &StoreError{Type: ErrorTypeUnknown, OriginalErr: base, Message: "wrapped"}
	assert.True(t, errors.Is(se, base))
}
