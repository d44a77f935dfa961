package logging

import "context"

const (
	fieldRequestID = "request_id"
	fieldUser      = "user"

	anonymousUser = "anonymous"
	noRequestID   = "-"
)

type ctxKey int

const requestInfoKey ctxKey = 0

type requestInfo struct {
	requestID string
	user      string
}

// WithRequest stores the request id and user label on ctx.
func WithRequest(ctx context.Context, requestID, user string) context.Context {
	return context.WithValue(ctx, requestInfoKey, requestInfo{requestID: requestID, user: user})
}

// RequestID returns the request id stored on ctx, or "-".
func RequestID(ctx context.Context) string {
	if info, ok := ctx.Value(requestInfoKey).(requestInfo); ok && info.requestID != "" {
		return info.requestID
	}
	return noRequestID
}

// User returns the user label stored on ctx, or "anonymous".
func User(ctx context.Context) string {
	if info, ok := ctx.Value(requestInfoKey).(requestInfo); ok && info.user != "" {
		return info.user
	}
	return anonymousUser
}

// WithContext returns a logger that stamps every entry with the request id
// and user carried by ctx.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	return l.with(map[string]interface{}{
		fieldRequestID: RequestID(ctx),
		fieldUser:      User(ctx),
	}, l.name)
}
