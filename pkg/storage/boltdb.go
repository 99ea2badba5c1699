package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"

	bolt "go.etcd.io/bbolt"

	"github.com/capsulekit/engine/pkg/apperr"
	"github.com/capsulekit/engine/pkg/ids"
	"github.com/capsulekit/engine/pkg/metrics"
	"github.com/capsulekit/engine/pkg/model"
)

var (
	bucketCapsules      = []byte("capsules")
	bucketBlobChunks    = []byte("blob_chunks")
	bucketBlobs         = []byte("blobs")
	bucketBlobsBySHA256 = []byte("blobs_by_sha256")
	bucketBlobRefCounts = []byte("blob_refcounts")
	bucketTombstones    = []byte("tombstones")
	bucketSessions      = []byte("sessions")
	bucketMeta          = []byte("meta")
)

const (
	// maxCapsuleEncodedSize bounds a single capsule record per §4.B. A
	// capsule with many memories and deep tag lists is expected to stay
	// well under this; exceeding it surfaces EncodingTooLarge rather than
	// silently truncating.
	maxCapsuleEncodedSize = 4 * 1024 * 1024

	metaKeyRing = "key_ring"
)

// BoltStore is the production Store, backed by a single bbolt database
// file. Every entity type gets its own top-level bucket, matching the
// bucket-per-entity layout this codebase uses elsewhere; values are
// JSON-marshaled records keyed by their natural id.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) a bbolt database under dataDir
// and ensures every bucket this package needs exists.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "capsules.db")
	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.TransientUnavailable, "open bolt database", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{
			bucketCapsules, bucketBlobChunks, bucketBlobs, bucketBlobsBySHA256,
			bucketBlobRefCounts, bucketTombstones, bucketSessions, bucketMeta,
		} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		metrics.RegisterComponent("store", false, err.Error())
		return nil, apperr.Wrap(apperr.Internal, "initialize buckets", err)
	}

	metrics.RegisterComponent("store", true, dbPath)
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	if err := s.db.Close(); err != nil {
		metrics.UpdateComponent("store", false, "closed")
		return apperr.Wrap(apperr.Internal, "close bolt database", err)
	}
	metrics.UpdateComponent("store", false, "closed")
	return nil
}

// --- Capsules ---

func (s *BoltStore) CreateCapsule(c *model.Capsule) error {
	if c.ID == "" {
		return apperr.InvalidArgumentf("capsule id must not be empty")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCapsules)
		if existing := b.Get([]byte(c.ID)); existing != nil {
			return apperr.Conflictf("capsule %s already exists", c.ID)
		}
		return putJSON(b, string(c.ID), c)
	})
}

func (s *BoltStore) GetCapsule(id ids.CapsuleId) (*model.Capsule, error) {
	var c model.Capsule
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketCapsules), string(id), &c, "capsule")
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *BoltStore) UpdateCapsule(id ids.CapsuleId, expectedVersion int64, mutate CapsuleMutator) (*model.Capsule, error) {
	var updated model.Capsule
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCapsules)
		var current model.Capsule
		if err := getJSON(b, string(id), &current, "capsule"); err != nil {
			return err
		}
		if expectedVersion >= 0 && current.Version != expectedVersion {
			return apperr.Conflictf("capsule %s version %d does not match expected %d", id, current.Version, expectedVersion)
		}
		if err := mutate(&current); err != nil {
			return err
		}
		current.Version++
		if err := putJSON(b, string(id), &current); err != nil {
			return err
		}
		updated = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (s *BoltStore) DeleteCapsule(id ids.CapsuleId) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCapsules).Delete([]byte(id))
	})
}

func (s *BoltStore) ListCapsulesForSubject(subject model.PersonRef, cursor string, limit int) ([]*model.Capsule, string, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		out  []*model.Capsule
		next string
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketCapsules).Cursor()
		var k, v []byte
		if cursor == "" {
			k, v = c.First()
		} else {
			k, v = c.Seek([]byte(cursor))
			if k != nil && bytes.Equal(k, []byte(cursor)) {
				k, v = c.Next()
			}
		}
		for ; k != nil; k, v = c.Next() {
			var cap model.Capsule
			if err := json.Unmarshal(v, &cap); err != nil {
				return apperr.Wrap(apperr.Internal, "decode capsule", err)
			}
			if !cap.Subject.Equal(subject) {
				continue
			}
			out = append(out, &cap)
			if len(out) == limit {
				next = string(k)
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return out, next, nil
}

// --- Blob chunks ---

func chunkKey(hashPrefix string, page int) []byte {
	key := make([]byte, len(hashPrefix)+4)
	copy(key, hashPrefix)
	binary.BigEndian.PutUint32(key[len(hashPrefix):], uint32(page))
	return key
}

func (s *BoltStore) PutChunk(hashPrefix string, page int, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlobChunks).Put(chunkKey(hashPrefix, page), data)
	})
}

func (s *BoltStore) GetChunk(hashPrefix string, page int) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketBlobChunks).Get(chunkKey(hashPrefix, page))
		if v == nil {
			return apperr.NotFoundf("chunk %s/%d not found", hashPrefix, page)
		}
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) DeleteChunkRange(hashPrefix string) (int, error) {
	prefix := []byte(hashPrefix)
	var count int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBlobChunks)
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return fmt.Errorf("delete chunk row: %w", err)
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, "delete chunk range", err)
	}
	return count, nil
}

// --- Blobs ---

func (s *BoltStore) CreateBlob(blob *model.Blob) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := putJSON(tx.Bucket(bucketBlobs), string(blob.ID), blob); err != nil {
			return err
		}
		return tx.Bucket(bucketBlobsBySHA256).Put([]byte(blob.SHA256), []byte(blob.ID))
	})
}

func (s *BoltStore) GetBlob(id ids.BlobId) (*model.Blob, error) {
	var b model.Blob
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketBlobs), string(id), &b, "blob")
	})
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *BoltStore) GetBlobBySHA256(sha256Hex string) (*model.Blob, error) {
	var blobID string
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketBlobsBySHA256).Get([]byte(sha256Hex))
		if v == nil {
			return apperr.NotFoundf("no blob with sha256 %s", sha256Hex)
		}
		blobID = string(v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetBlob(ids.BlobId(blobID))
}

func (s *BoltStore) DeleteBlob(id ids.BlobId) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBlobs)
		v := b.Get([]byte(id))
		if v == nil {
			return nil
		}
		var blob model.Blob
		if err := json.Unmarshal(v, &blob); err != nil {
			return fmt.Errorf("decode blob: %w", err)
		}
		if err := b.Delete([]byte(id)); err != nil {
			return err
		}
		return tx.Bucket(bucketBlobsBySHA256).Delete([]byte(blob.SHA256))
	})
}

// --- Refcounts ---

func (s *BoltStore) IncrBlobRefCount(id ids.BlobId) (int, error) {
	return s.addRefCount(id, 1)
}

func (s *BoltStore) DecrBlobRefCount(id ids.BlobId) (int, error) {
	return s.addRefCount(id, -1)
}

func (s *BoltStore) addRefCount(id ids.BlobId, delta int) (int, error) {
	var result int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBlobRefCounts)
		count := 0
		if v := b.Get([]byte(id)); v != nil {
			count = int(binary.BigEndian.Uint32(v))
		}
		count += delta
		if count < 0 {
			count = 0
		}
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, uint32(count))
		result = count
		return b.Put([]byte(id), buf)
	})
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, "update blob refcount", err)
	}
	return result, nil
}

func (s *BoltStore) GetBlobRefCount(id ids.BlobId) (int, error) {
	var count int
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketBlobRefCounts).Get([]byte(id))
		if v != nil {
			count = int(binary.BigEndian.Uint32(v))
		}
		return nil
	})
	return count, err
}

// --- Tombstones ---

func (s *BoltStore) PutTombstone(t *model.Tombstone) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketTombstones), string(t.BlobID), t)
	})
}

func (s *BoltStore) GetTombstone(id ids.BlobId) (*model.Tombstone, error) {
	var t model.Tombstone
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketTombstones), string(id), &t, "tombstone")
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// --- Upload sessions ---

func (s *BoltStore) CreateSession(session *model.UploadSession) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketSessions), string(session.ID), session)
	})
}

func (s *BoltStore) GetSession(id ids.SessionId) (*model.UploadSession, error) {
	var session model.UploadSession
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketSessions), string(id), &session, "upload session")
	})
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *BoltStore) UpdateSession(session *model.UploadSession) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		if b.Get([]byte(session.ID)) == nil {
			return apperr.NotFoundf("upload session %s not found", session.ID)
		}
		return putJSON(b, string(session.ID), session)
	})
}

func (s *BoltStore) DeleteSession(id ids.SessionId) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).Delete([]byte(id))
	})
}

func (s *BoltStore) ListSessionsPastDeadline(nowNanos int64) ([]*model.UploadSession, error) {
	var out []*model.UploadSession
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(k, v []byte) error {
			var session model.UploadSession
			if err := json.Unmarshal(v, &session); err != nil {
				return fmt.Errorf("decode session %s: %w", k, err)
			}
			if session.Status.Terminal() {
				return nil
			}
			if session.DeadlineAt <= nowNanos {
				out = append(out, &session)
			}
			return nil
		})
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "list expired sessions", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- Key ring ---

func (s *BoltStore) SaveKeyRing(data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put([]byte(metaKeyRing), data)
	})
}

func (s *BoltStore) GetKeyRing() ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get([]byte(metaKeyRing))
		if v == nil {
			return apperr.NotFoundf("key ring not initialized")
		}
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// --- helpers ---

func putJSON(b *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "encode record", err)
	}
	if len(data) > maxCapsuleEncodedSize {
		return apperr.EncodingTooLargef("record %s exceeds %d bytes", key, maxCapsuleEncodedSize)
	}
	return b.Put([]byte(key), data)
}

func getJSON(b *bolt.Bucket, key string, v any, label string) error {
	data := b.Get([]byte(key))
	if data == nil {
		return apperr.NotFoundf("%s %s not found", label, key)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return apperr.Wrap(apperr.Internal, fmt.Sprintf("decode %s", label), err)
	}
	return nil
}

var _ Store = (*BoltStore)(nil)
