// Package envctx implements the engine's Env Traits (component C): the
// three seams the rest of the engine uses instead of reaching directly
// for the host clock, the host RNG, or an ambient "current user" global.
// Swapping the Env lets the store, the upload pipeline, and the ACL
// kernel run deterministically under test.
package envctx

import (
	"crypto/rand"

	"github.com/capsulekit/engine/pkg/apperr"
	"github.com/capsulekit/engine/pkg/ids"
	"github.com/capsulekit/engine/pkg/model"
)

// Env bundles the three traits an operation needs: who is calling, what
// time it is, and a source of random bytes. Only RandomBytes is
// documented as an async suspension point in §5; Caller and Now are
// cheap, synchronous reads.
type Env interface {
	Caller() model.PersonRef
	Now() int64
	RandomBytes(n int) ([]byte, error)
}

// System is the production Env: caller is fixed per request (set by the
// collaborator that authenticated it), Now delegates to an ids.Clock,
// and RandomBytes reads crypto/rand.
type System struct {
	caller model.PersonRef
	clock  ids.Clock
}

// NewSystem builds a production Env scoped to one request's caller.
func NewSystem(caller model.PersonRef, clock ids.Clock) *System {
	if clock == nil {
		clock = ids.SystemClock{}
	}
	return &System{caller: caller, clock: clock}
}

func (s *System) Caller() model.PersonRef { return s.caller }

func (s *System) Now() int64 { return s.clock.NowNanos() }

func (s *System) RandomBytes(n int) ([]byte, error) {
	if n <= 0 {
		return nil, apperr.InvalidArgumentf("random_bytes: n must be positive, got %d", n)
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, apperr.Wrap(apperr.TransientUnavailable, "random source unavailable", err)
	}
	return buf, nil
}

// Fake is a deterministic Env for tests: a fixed caller, a FakeClock the
// test controls directly, and a byte source that either cycles a fixed
// seed or, if Err is set, fails every call (to exercise the
// TransientUnavailable path from §4.A/§4.C).
type Fake struct {
	caller model.PersonRef
	Clock  *ids.FakeClock
	Seed   byte
	Err    error
}

// NewFake builds a Fake Env starting at startNanos.
func NewFake(caller model.PersonRef, startNanos int64) *Fake {
	return &Fake{caller: caller, Clock: ids.NewFakeClock(startNanos), Seed: 0x5a}
}

func (f *Fake) Caller() model.PersonRef { return f.caller }

func (f *Fake) Now() int64 { return f.Clock.NowNanos() }

func (f *Fake) RandomBytes(n int) ([]byte, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	if n <= 0 {
		return nil, apperr.InvalidArgumentf("random_bytes: n must be positive, got %d", n)
	}
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = f.Seed + byte(i)
	}
	return buf, nil
}

// WithCaller returns a copy of f acting as a different caller, useful for
// multi-principal test scenarios without mutating a shared Env.
func (f *Fake) WithCaller(caller model.PersonRef) *Fake {
	clone := *f
	clone.caller = caller
	return &clone
}

var _ Env = (*System)(nil)
var _ Env = (*Fake)(nil)
