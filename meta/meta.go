// Package meta carries request-scoped metadata (request id, caller) through a
// context.Context and derives loggers tagged with it.
package meta

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Metadata keys as they appear on the wire (gRPC metadata, queue jobs).
const (
	RequestIDKey = "x-request-id"
	CallerKey    = "x-caller-id"
)

// metadataKey is the private context key.
type metadataKey struct{}

// Metadata is the immutable set of values attached to one request.
type Metadata struct {
	RequestID string
	Caller    string
}

// FromContext returns the metadata carried by ctx, or the zero value.
func FromContext(ctx context.Context) Metadata {
	if ctx == nil {
		return Metadata{}
	}
	md, _ := ctx.Value(metadataKey{}).(Metadata)
	return md
}

// NewContext returns a copy of ctx carrying md.
func NewContext(ctx context.Context, md Metadata) context.Context {
	if ctx == nil {
		log.Error().Msg("attempted to attach metadata to a nil context, using background context")
		ctx = context.Background()
	}
	return context.WithValue(ctx, metadataKey{}, md)
}

// WithRequestID returns a copy of ctx with the request id set.
func WithRequestID(ctx context.Context, id string) context.Context {
	md := FromContext(ctx)
	md.RequestID = id
	return NewContext(ctx, md)
}

// WithCaller returns a copy of ctx with the caller identity set.
func WithCaller(ctx context.Context, caller string) context.Context {
	md := FromContext(ctx)
	md.Caller = caller
	return NewContext(ctx, md)
}

// RequestID returns the request id carried by ctx, or "".
func RequestID(ctx context.Context) string {
	return FromContext(ctx).RequestID
}

// Caller returns the caller identity carried by ctx, or "".
func Caller(ctx context.Context) string {
	return FromContext(ctx).Caller
}

// Ensure returns ctx unchanged when it already has a request id, otherwise a
// copy carrying a freshly generated one.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := RequestID(ctx); id != "" {
		return ctx, id
	}
	id := uuid.NewString()
	return WithRequestID(ctx, id), id
}

// Logger returns the global logger enriched with the request metadata in ctx.
func Logger(ctx context.Context) *zerolog.Logger {
	md := FromContext(ctx)
	if md.RequestID == "" && md.Caller == "" {
		l := log.Logger
		return &l
	}
	lc := log.With()
	if md.RequestID != "" {
		lc = lc.Str("request_id", md.RequestID)
	}
	if md.Caller != "" {
		lc = lc.Str("caller", md.Caller)
	}
	l := lc.Logger()
	return &l
}
