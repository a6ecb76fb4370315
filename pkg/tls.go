package hlogkv

import "context"

// Go has no literal thread-local storage, and a Session must not migrate
// across goroutines anyway (it owns a single epoch.Token) — so the idiomatic
// substitute for "ambient session" access is carrying the *Session through a
// context.Context, the same way the teacher threads request-scoped values
// through its handler chain.
type sessionCtxKey[K comparable, V any, I any, O any, C any] struct{}

// WithSession returns a child context carrying sess, retrievable later with
// SessionFromContext using the same type parameters.
func WithSession[K comparable, V any, I any, O any, C any](ctx context.Context, sess *Session[K, V, I, O, C]) context.Context {
	return context.WithValue(ctx, sessionCtxKey[K, V, I, O, C]{}, sess)
}

// SessionFromContext retrieves a session stored by WithSession. ok is false
// if ctx carries no session for this (K,V,I,O,C) instantiation.
func SessionFromContext[K comparable, V any, I any, O any, C any](ctx context.Context) (*Session[K, V, I, O, C], bool) {
	sess, ok := ctx.Value(sessionCtxKey[K, V, I, O, C]{}).(*Session[K, V, I, O, C])
	return sess, ok
}
