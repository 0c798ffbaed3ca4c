package protocol

import (
	"context"
	"maps"
)

type metaKey struct{}

// Meta holds transport-level facts about the request being handled, such as
// the JSON-RPC id or the remote address. Servers attach it to the context
// they pass to the handling service.
type Meta map[string]string

// WithMeta returns a context carrying meta.
func WithMeta(ctx context.Context, meta Meta) context.Context {
	return context.WithValue(ctx, metaKey{}, meta)
}

// MetaFromContext returns the metadata attached to ctx, or nil.
func MetaFromContext(ctx context.Context) Meta {
	meta, _ := ctx.Value(metaKey{}).(Meta)
	return meta
}

// MetaValue returns one metadata value, or "" when absent.
func MetaValue(ctx context.Context, key string) string {
	return MetaFromContext(ctx)[key]
}

// SetMeta returns a context whose metadata has key set to value. The
// metadata already in ctx is copied, never mutated.
func SetMeta(ctx context.Context, key, value string) context.Context {
	meta := make(Meta, len(MetaFromContext(ctx))+1)
	maps.Copy(meta, MetaFromContext(ctx))
	meta[key] = value
	return WithMeta(ctx, meta)
}
