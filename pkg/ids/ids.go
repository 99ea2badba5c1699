// Package ids implements the engine's typed identifier and clock
// abstractions (component A). Identifiers are opaque, time-ordered
// strings; equality is structural and ordering is lexicographic, so
// pagination cursors can compare ids directly.
package ids

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/capsulekit/engine/pkg/apperr"
)

// CapsuleId identifies a Capsule aggregate.
type CapsuleId string

// MemoryId identifies a Memory within a capsule.
type MemoryId string

// AssetId identifies a single asset entry within a memory.
type AssetId string

// SessionId identifies a transient upload session.
type SessionId string

// BlobId identifies a durable, deduplicated chunked blob.
type BlobId string

func (id CapsuleId) String() string { return string(id) }
func (id MemoryId) String() string  { return string(id) }
func (id AssetId) String() string   { return string(id) }
func (id SessionId) String() string { return string(id) }
func (id BlobId) String() string    { return string(id) }

// generate produces a fresh UUIDv7 string: time-ordered, 128 bits of
// which 74 are drawn from a cryptographic random source. A failure here
// means the process's entropy source is unavailable, which callers must
// treat as transient rather than a programming error.
func generate() (string, error) {
	u, err := uuid.NewV7()
	if err != nil {
		return "", apperr.Wrap(apperr.TransientUnavailable, "generate id", err)
	}
	return u.String(), nil
}

// NewCapsuleId generates a fresh, time-ordered CapsuleId.
func NewCapsuleId() (CapsuleId, error) {
	s, err := generate()
	if err != nil {
		return "", err
	}
	return CapsuleId(s), nil
}

// NewMemoryId generates a fresh, time-ordered MemoryId.
func NewMemoryId() (MemoryId, error) {
	s, err := generate()
	if err != nil {
		return "", err
	}
	return MemoryId(s), nil
}

// NewAssetId generates a fresh, time-ordered AssetId.
func NewAssetId() (AssetId, error) {
	s, err := generate()
	if err != nil {
		return "", err
	}
	return AssetId(s), nil
}

// NewSessionId generates a fresh, time-ordered SessionId.
func NewSessionId() (SessionId, error) {
	s, err := generate()
	if err != nil {
		return "", err
	}
	return SessionId(s), nil
}

// NewBlobId generates a fresh, time-ordered BlobId. Note that the
// *content-addressed* blob identity used for dedup is the sha-256 hash
// prefix (see promoteToBlob in pkg/upload), not this id; BlobId is the handle exposed
// to callers once a blob record exists.
func NewBlobId() (BlobId, error) {
	s, err := generate()
	if err != nil {
		return "", err
	}
	return BlobId(s), nil
}

// Clock provides monotonic nanosecond timestamps. The production clock
// wraps time.Now(); tests substitute a FakeClock for determinism, per
// the Env Traits contract (component C).
type Clock interface {
	NowNanos() int64
}

// SystemClock is the production Clock, backed by the host's monotonic
// wall clock. A package-level atomic ensures timestamps handed to callers
// never go backwards even if the OS clock is adjusted underneath it,
// matching the "monotonic nanosecond clock" contract in §4.A.
type SystemClock struct{}

var lastNanos atomic.Int64

// NowNanos returns nanoseconds since the Unix epoch, guaranteed
// non-decreasing across successive calls within this process.
func (SystemClock) NowNanos() int64 {
	now := time.Now().UnixNano()
	for {
		prev := lastNanos.Load()
		if now <= prev {
			now = prev + 1
		}
		if lastNanos.CompareAndSwap(prev, now) {
			return now
		}
	}
}

// FakeClock is a deterministic Clock for tests: it starts at a fixed
// instant and advances only when told to.
type FakeClock struct {
	nanos atomic.Int64
}

// NewFakeClock returns a FakeClock starting at the given instant.
func NewFakeClock(startNanos int64) *FakeClock {
	fc := &FakeClock{}
	fc.nanos.Store(startNanos)
	return fc
}

func (fc *FakeClock) NowNanos() int64 { return fc.nanos.Load() }

// Advance moves the fake clock forward by d and returns the new value.
func (fc *FakeClock) Advance(d time.Duration) int64 {
	return fc.nanos.Add(int64(d))
}

// Set pins the fake clock to an exact value.
func (fc *FakeClock) Set(nanos int64) { fc.nanos.Store(nanos) }

// ValidateNonEmpty is a small guard used by constructors throughout the
// engine to reject zero-value ids early with a typed error instead of
// letting them silently propagate into a storage key.
func ValidateNonEmpty(label, value string) error {
	if value == "" {
		return apperr.InvalidArgumentf("%s must not be empty", label)
	}
	return nil
}

var _ fmt.Stringer = CapsuleId("")
