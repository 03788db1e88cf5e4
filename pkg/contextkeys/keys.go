// Package contextkeys provides centralized context key definitions
//
// IMPORTANT: All context keys used across the application must be defined here.
// This prevents typos, documents dependencies, and makes key usage discoverable.
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// CredentialKey contains *auth.Credential
	// Set by: registry mount plumbing before policy evaluation
	// Type: *auth.Credential
	CredentialKey Key = "credential"

	// ActorKey contains *auth.Actor
	// Set by: registry mount plumbing after a policy rule matched and the
	// principal lookup succeeded
	// Type: *auth.Actor
	ActorKey Key = "actor"

	// ScopeKey contains *scope.Scope
	// Set by: registry mount plumbing after scope resolution
	// Type: *scope.Scope
	ScopeKey Key = "scope"

	// RequestIDKey contains request ID string (UUID)
	// Set by: httputil.RequestIDMiddleware
	// Used by: Logger, audit trail
	// Type: string
	RequestIDKey Key = "request_id"

	// LoggerKey contains *observability.Logger
	// Set by: observability middleware
	// Type: *observability.Logger
	LoggerKey Key = "logger"
)

// WithCredential adds the resolved credential to the context
func WithCredential(ctx context.Context, cred interface{}) context.Context {
	return context.WithValue(ctx, CredentialKey, cred)
}

// WithActor adds the authenticated actor to the context
func WithActor(ctx context.Context, actor interface{}) context.Context {
	return context.WithValue(ctx, ActorKey, actor)
}

// WithScope adds the resolved scope to the context
func WithScope(ctx context.Context, sc interface{}) context.Context {
	return context.WithValue(ctx, ScopeKey, sc)
}

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithLogger adds logger to the context
func WithLogger(ctx context.Context, logger interface{}) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}
