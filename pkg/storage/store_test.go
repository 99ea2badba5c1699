package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/capsulekit/engine/pkg/apperr"
	"github.com/capsulekit/engine/pkg/ids"
	"github.com/capsulekit/engine/pkg/model"
)

// newStores returns one BoltStore (backed by a temp-dir database file)
// and one MemStore, so every conformance case below runs against both
// implementations.
func newStores(t *testing.T) map[string]Store {
	t.Helper()
	bolt, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = bolt.Close() })
	return map[string]Store{
		"bolt": bolt,
		"mem":  NewMemStore(),
	}
}

func newCapsule(id ids.CapsuleId, subject model.PersonRef) *model.Capsule {
	return &model.Capsule{
		ID:          id,
		Subject:     subject,
		Owners:      map[string]model.OwnerEntry{},
		Controllers: map[string]model.ControllerEntry{},
		Connections: map[string]model.ConnectionEntry{},
		Memories:    map[ids.MemoryId]*model.Memory{},
	}
}

func TestCapsuleCreateGetDelete(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			subject := model.PersonRef{Kind: model.PersonSubject, Value: "person:alice"}
			c := newCapsule("cap_1", subject)

			require.NoError(t, store.CreateCapsule(c))

			got, err := store.GetCapsule("cap_1")
			require.NoError(t, err)
			require.Equal(t, subject, got.Subject)

			require.NoError(t, store.DeleteCapsule("cap_1"))
			_, err = store.GetCapsule("cap_1")
			require.True(t, apperr.Is(err, apperr.NotFound))
		})
	}
}

func TestCapsuleCreateDuplicateConflicts(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			subject := model.PersonRef{Kind: model.PersonSubject, Value: "person:alice"}
			c := newCapsule("cap_dup", subject)
			require.NoError(t, store.CreateCapsule(c))

			err := store.CreateCapsule(newCapsule("cap_dup", subject))
			require.Error(t, err)
			require.True(t, apperr.Is(err, apperr.Conflict))
		})
	}
}

func TestUpdateCapsuleOptimisticConcurrency(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			subject := model.PersonRef{Kind: model.PersonSubject, Value: "person:bob"}
			c := newCapsule("cap_2", subject)
			require.NoError(t, store.CreateCapsule(c))

			updated, err := store.UpdateCapsule("cap_2", 0, func(c *model.Capsule) error {
				c.Public = true
				return nil
			})
			require.NoError(t, err)
			require.True(t, updated.Public)
			require.Equal(t, int64(1), updated.Version)

			// Stale expected version must conflict without applying mutate.
			called := false
			_, err = store.UpdateCapsule("cap_2", 0, func(c *model.Capsule) error {
				called = true
				return nil
			})
			require.Error(t, err)
			require.True(t, apperr.Is(err, apperr.Conflict))
			require.False(t, called, "mutate must not run when the version check fails")

			// Unconditional update (-1) always applies.
			updated, err = store.UpdateCapsule("cap_2", -1, func(c *model.Capsule) error {
				c.SchemaVersion = 3
				return nil
			})
			require.NoError(t, err)
			require.EqualValues(t, 3, updated.SchemaVersion)
		})
	}
}

func TestListCapsulesForSubjectPaginates(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			alice := model.PersonRef{Kind: model.PersonSubject, Value: "person:alice"}
			bob := model.PersonRef{Kind: model.PersonSubject, Value: "person:bob"}

			require.NoError(t, store.CreateCapsule(newCapsule("cap_a1", alice)))
			require.NoError(t, store.CreateCapsule(newCapsule("cap_a2", alice)))
			require.NoError(t, store.CreateCapsule(newCapsule("cap_a3", alice)))
			require.NoError(t, store.CreateCapsule(newCapsule("cap_b1", bob)))

			page1, cursor1, err := store.ListCapsulesForSubject(alice, "", 2)
			require.NoError(t, err)
			require.Len(t, page1, 2)
			require.Equal(t, "cap_a2", cursor1)

			page2, cursor2, err := store.ListCapsulesForSubject(alice, cursor1, 2)
			require.NoError(t, err)
			require.Len(t, page2, 1)
			require.Equal(t, "cap_a3", page2[0].ID.String())
			require.Empty(t, cursor2)
		})
	}
}

func TestChunkPutGetAndDeleteRange(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.PutChunk("abc123", 0, []byte("page zero")))
			require.NoError(t, store.PutChunk("abc123", 1, []byte("page one")))
			require.NoError(t, store.PutChunk("def456", 0, []byte("other blob")))

			got, err := store.GetChunk("abc123", 1)
			require.NoError(t, err)
			require.Equal(t, []byte("page one"), got)

			_, err = store.GetChunk("abc123", 2)
			require.True(t, apperr.Is(err, apperr.NotFound))

			n, err := store.DeleteChunkRange("abc123")
			require.NoError(t, err)
			require.Equal(t, 2, n)

			_, err = store.GetChunk("abc123", 0)
			require.True(t, apperr.Is(err, apperr.NotFound))

			got, err = store.GetChunk("def456", 0)
			require.NoError(t, err)
			require.Equal(t, []byte("other blob"), got)
		})
	}
}

func TestBlobCreateDedupAndDelete(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			blob := &model.Blob{ID: "blob_1", HashPrefix: "abcd", SHA256: "deadbeef", TotalSize: 100}
			require.NoError(t, store.CreateBlob(blob))

			byID, err := store.GetBlob("blob_1")
			require.NoError(t, err)
			require.Equal(t, "deadbeef", byID.SHA256)

			bySHA, err := store.GetBlobBySHA256("deadbeef")
			require.NoError(t, err)
			require.Equal(t, ids.BlobId("blob_1"), bySHA.ID)

			require.NoError(t, store.DeleteBlob("blob_1"))
			_, err = store.GetBlobBySHA256("deadbeef")
			require.True(t, apperr.Is(err, apperr.NotFound))
		})
	}
}

func TestBlobRefCounts(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			count, err := store.IncrBlobRefCount("blob_x")
			require.NoError(t, err)
			require.Equal(t, 1, count)

			count, err = store.IncrBlobRefCount("blob_x")
			require.NoError(t, err)
			require.Equal(t, 2, count)

			count, err = store.DecrBlobRefCount("blob_x")
			require.NoError(t, err)
			require.Equal(t, 1, count)

			// Never goes negative.
			_, _ = store.DecrBlobRefCount("blob_x")
			count, err = store.DecrBlobRefCount("blob_x")
			require.NoError(t, err)
			require.Equal(t, 0, count)
		})
	}
}

func TestTombstoneRoundtrip(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.PutTombstone(&model.Tombstone{BlobID: "blob_dead", Reason: "refcount_zero", At: 42}))
			got, err := store.GetTombstone("blob_dead")
			require.NoError(t, err)
			require.Equal(t, int64(42), got.At)
		})
	}
}

func TestSessionLifecycleAndDeadlineScan(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			s1 := &model.UploadSession{ID: "sess_1", Status: model.SessionReceiving, DeadlineAt: 100}
			s2 := &model.UploadSession{ID: "sess_2", Status: model.SessionReceiving, DeadlineAt: 200}
			s3 := &model.UploadSession{ID: "sess_3", Status: model.SessionFinished, DeadlineAt: 50}
			require.NoError(t, store.CreateSession(s1))
			require.NoError(t, store.CreateSession(s2))
			require.NoError(t, store.CreateSession(s3))

			expired, err := store.ListSessionsPastDeadline(150)
			require.NoError(t, err)
			require.Len(t, expired, 1)
			require.Equal(t, ids.SessionId("sess_1"), expired[0].ID)

			s1.Status = model.SessionAborted
			require.NoError(t, store.UpdateSession(s1))

			expired, err = store.ListSessionsPastDeadline(150)
			require.NoError(t, err)
			require.Empty(t, expired)

			require.NoError(t, store.DeleteSession("sess_2"))
			_, err = store.GetSession("sess_2")
			require.True(t, apperr.Is(err, apperr.NotFound))
		})
	}
}

func TestKeyRingRoundtrip(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.GetKeyRing()
			require.True(t, apperr.Is(err, apperr.NotFound))

			require.NoError(t, store.SaveKeyRing([]byte("wrapped-key-material")))
			got, err := store.GetKeyRing()
			require.NoError(t, err)
			require.Equal(t, []byte("wrapped-key-material"), got)
		})
	}
}

func TestBoltStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s1, err := NewBoltStore(dir)
	require.NoError(t, err)

	subject := model.PersonRef{Kind: model.PersonSubject, Value: "person:carol"}
	require.NoError(t, s1.CreateCapsule(newCapsule("cap_persist", subject)))
	require.NoError(t, s1.SaveKeyRing([]byte("ring")))
	require.NoError(t, s1.Close())

	s2, err := NewBoltStore(dir)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.GetCapsule("cap_persist")
	require.NoError(t, err)
	require.Equal(t, subject, got.Subject)

	ring, err := s2.GetKeyRing()
	require.NoError(t, err)
	require.Equal(t, []byte("ring"), ring)
}

func TestBoltStoreOpensNestedDBFile(t *testing.T) {
	dir := t.TempDir()
	s, err := NewBoltStore(dir)
	require.NoError(t, err)
	defer s.Close()

	require.FileExists(t, filepath.Join(dir, "capsules.db"))
}
