package log

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// contextKey is a private key type for storing RequestContext.
type contextKey string

const requestContextKey contextKey = "accessgate_request_context"

// RequestContext carries request tracing information across functions
// and components for the lifetime of one admission evaluation.
type RequestContext struct {
	RequestID  string    // short base36 ID, e.g. mgrn0zfqda
	ClientIP   string    // resolved client IP
	Identifier string    // admission identifier (principal ID or ip:<addr>)
	StartTime  time.Time // request start time
}

var (
	randSource = rand.NewSource(time.Now().UnixNano())
	randMutex  sync.Mutex
	// base36 character set (lowercase letters + digits)
	base36Chars = "0123456789abcdefghijklmnopqrstuvwxyz"
)

// GenerateRequestID generates a 10-character random request ID.
// base36 keeps it short and cheap compared to a UUID.
func GenerateRequestID() string {
	randMutex.Lock()
	defer randMutex.Unlock()

	b := make([]byte, 10)
	for i := range b {
		b[i] = base36Chars[randSource.Int63()%36]
	}
	return string(b)
}

// WithRequestContext injects a RequestContext into the Context.
// Called by the logging middleware at the start of each request.
func WithRequestContext(ctx context.Context, requestID, clientIP, identifier string) context.Context {
	reqCtx := &RequestContext{
		RequestID:  requestID,
		ClientIP:   clientIP,
		Identifier: identifier,
		StartTime:  time.Now(),
	}
	return context.WithValue(ctx, requestContextKey, reqCtx)
}

// GetRequestContext extracts the RequestContext from a Context.
// Returns a default context with RequestID "unknown" when absent, so
// callers never need a nil check.
func GetRequestContext(ctx context.Context) *RequestContext {
	if ctx == nil {
		return &RequestContext{RequestID: "unknown"}
	}

	if reqCtx, ok := ctx.Value(requestContextKey).(*RequestContext); ok {
		return reqCtx
	}

	return &RequestContext{RequestID: "unknown"}
}

// GetRequestID extracts the request ID from a Context.
func GetRequestID(ctx context.Context) string {
	return GetRequestContext(ctx).RequestID
}

// GetElapsedTime returns how long the request has been running, in
// milliseconds.
func GetElapsedTime(ctx context.Context) int64 {
	reqCtx := GetRequestContext(ctx)
	if reqCtx.StartTime.IsZero() {
		return 0
	}
	return time.Since(reqCtx.StartTime).Milliseconds()
}
