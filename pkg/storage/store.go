// Package storage implements the Durable Maps (component B): the two
// ordered key→value spaces the rest of the engine builds on — a capsule
// table and a blob-chunk table — plus the small amount of side-index
// state (blob metadata, refcounts, tombstones, sessions, and the
// token-signing key ring) that the upload pipeline, blob store, and
// token core need to survive a process restart.
package storage

import (
	"github.com/capsulekit/engine/pkg/ids"
	"github.com/capsulekit/engine/pkg/model"
)

// CapsuleMutator is applied to the current value of a capsule record
// inside a single atomic read-modify-write. Returning an error aborts
// the write and the store's prior state is left untouched.
type CapsuleMutator func(*model.Capsule) error

// Store is the durable-map interface every other component depends on.
// BoltStore is the production implementation; MemStore is an in-memory
// test double with the same transactional semantics for fast unit tests.
type Store interface {
	// Capsules (CAPSULES map, §4.B).
	CreateCapsule(c *model.Capsule) error
	GetCapsule(id ids.CapsuleId) (*model.Capsule, error)
	// UpdateCapsule loads the current record, applies mutate, and writes
	// the result back in one transaction. If expectedVersion is
	// non-negative and does not match the stored Version, it returns
	// apperr.Conflict without calling mutate.
	UpdateCapsule(id ids.CapsuleId, expectedVersion int64, mutate CapsuleMutator) (*model.Capsule, error)
	DeleteCapsule(id ids.CapsuleId) error
	// ListCapsulesForSubject returns capsules whose Subject matches,
	// ordered by id, starting strictly after cursor (empty cursor starts
	// at the beginning), bounded to limit results.
	ListCapsulesForSubject(subject model.PersonRef, cursor string, limit int) ([]*model.Capsule, string, error)

	// Blob chunks (BLOB_CHUNKS map, §4.B/§6).
	PutChunk(hashPrefix string, page int, data []byte) error
	GetChunk(hashPrefix string, page int) ([]byte, error)
	// DeleteChunkRange deletes every chunk under hashPrefix and returns
	// how many rows were removed.
	DeleteChunkRange(hashPrefix string) (int, error)

	// Blob metadata and dedup side-index.
	CreateBlob(b *model.Blob) error
	GetBlob(id ids.BlobId) (*model.Blob, error)
	GetBlobBySHA256(sha256Hex string) (*model.Blob, error)
	DeleteBlob(id ids.BlobId) error

	// Refcounts, maintained per the §9 "side-index if hot" note instead
	// of a full memory scan on every blob_delete.
	IncrBlobRefCount(id ids.BlobId) (int, error)
	DecrBlobRefCount(id ids.BlobId) (int, error)
	GetBlobRefCount(id ids.BlobId) (int, error)

	// Tombstones (§8 invariant on BlobInternal removal).
	PutTombstone(t *model.Tombstone) error
	GetTombstone(id ids.BlobId) (*model.Tombstone, error)

	// Upload sessions (transient, §4.G).
	CreateSession(s *model.UploadSession) error
	GetSession(id ids.SessionId) (*model.UploadSession, error)
	UpdateSession(s *model.UploadSession) error
	DeleteSession(id ids.SessionId) error
	// ListSessionsPastDeadline returns non-terminal sessions with
	// DeadlineAt <= nowNanos, for the expiry janitor.
	ListSessionsPastDeadline(nowNanos int64) ([]*model.UploadSession, error)

	// Key material (§4.I key rotation), opaque to this package.
	SaveKeyRing(data []byte) error
	GetKeyRing() ([]byte, error)

	Close() error
}
