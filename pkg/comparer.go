package hlogkv

import (
	"fmt"

	"github.com/dchest/siphash"

	"github.com/hlogkv/hlogkv/internal/unsafehelpers"
)

// KeyComparer supplies hashing and equality for a key type. Supplying one
// via WithKeyComparer is required unless K self-implements the selfHashing
// interface below, per spec §9's key-comparer open question.
type KeyComparer[K comparable] interface {
	Hash(k K) uint64
	Equal(a, b K) bool
}

// selfHashing lets a key type opt into fast hashing without a separate
// KeyComparer: New uses HashKey directly when K implements it.
type selfHashing interface {
	HashKey() uint64
}

type funcComparer[K comparable] struct {
	hash func(K) uint64
}

func (c funcComparer[K]) Hash(k K) uint64   { return c.hash(k) }
func (c funcComparer[K]) Equal(a, b K) bool { return a == b }

// defaultComparer builds the comparer New falls back to when the caller
// supplies none. If K implements HashKey, that method is used directly;
// otherwise a slow reflection-based fallback hashes fmt.Sprintf("%v", k)
// with SipHash, and warn is invoked once so the caller knows they are
// paying for reflection on every operation.
func defaultComparer[K comparable](warn func(string)) KeyComparer[K] {
	var zero K
	if _, ok := any(zero).(selfHashing); ok {
		return funcComparer[K]{hash: func(k K) uint64 { return any(k).(selfHashing).HashKey() }}
	}
	if warn != nil {
		warn("no KeyComparer configured and key type has no HashKey() method; falling back to a slow reflection-based hash")
	}
	return funcComparer[K]{hash: func(k K) uint64 {
		b := unsafehelpers.StringToBytes(fmt.Sprintf("%v", k))
		return siphash.Hash(0x9E3779B97F4A7C15, 0xC2B2AE3D27D4EB4F, b)
	}}
}
