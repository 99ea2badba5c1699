package storage

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/capsulekit/engine/pkg/apperr"
	"github.com/capsulekit/engine/pkg/ids"
	"github.com/capsulekit/engine/pkg/model"
)

// MemStore is an in-memory Store test double. It round-trips every
// record through JSON, the same as BoltStore, so a test that only
// passes against MemStore because of shared-pointer aliasing would also
// fail against the real store.
type MemStore struct {
	mu sync.Mutex

	capsules    map[ids.CapsuleId][]byte
	chunks      map[string][]byte
	blobs       map[ids.BlobId][]byte
	blobsBySHA  map[string]ids.BlobId
	refCounts   map[ids.BlobId]int
	tombstones  map[ids.BlobId][]byte
	sessions    map[ids.SessionId][]byte
	keyRing     []byte
	hasKeyRing  bool
}

func NewMemStore() *MemStore {
	return &MemStore{
		capsules:   make(map[ids.CapsuleId][]byte),
		chunks:     make(map[string][]byte),
		blobs:      make(map[ids.BlobId][]byte),
		blobsBySHA: make(map[string]ids.BlobId),
		refCounts:  make(map[ids.BlobId]int),
		tombstones: make(map[ids.BlobId][]byte),
		sessions:   make(map[ids.SessionId][]byte),
	}
}

func (s *MemStore) Close() error { return nil }

// --- Capsules ---

func (s *MemStore) CreateCapsule(c *model.Capsule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.capsules[c.ID]; ok {
		return apperr.Conflictf("capsule %s already exists", c.ID)
	}
	data, err := json.Marshal(c)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "encode capsule", err)
	}
	s.capsules[c.ID] = data
	return nil
}

func (s *MemStore) GetCapsule(id ids.CapsuleId) (*model.Capsule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.capsules[id]
	if !ok {
		return nil, apperr.NotFoundf("capsule %s not found", id)
	}
	var c model.Capsule
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "decode capsule", err)
	}
	return &c, nil
}

func (s *MemStore) UpdateCapsule(id ids.CapsuleId, expectedVersion int64, mutate CapsuleMutator) (*model.Capsule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.capsules[id]
	if !ok {
		return nil, apperr.NotFoundf("capsule %s not found", id)
	}
	var c model.Capsule
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "decode capsule", err)
	}
	if expectedVersion >= 0 && c.Version != expectedVersion {
		return nil, apperr.Conflictf("capsule %s version %d does not match expected %d", id, c.Version, expectedVersion)
	}
	if err := mutate(&c); err != nil {
		return nil, err
	}
	c.Version++
	encoded, err := json.Marshal(&c)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "encode capsule", err)
	}
	s.capsules[id] = encoded
	return &c, nil
}

func (s *MemStore) DeleteCapsule(id ids.CapsuleId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.capsules, id)
	return nil
}

func (s *MemStore) ListCapsulesForSubject(subject model.PersonRef, cursor string, limit int) ([]*model.Capsule, string, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.capsules))
	for id := range s.capsules {
		keys = append(keys, string(id))
	}
	sort.Strings(keys)

	var (
		out  []*model.Capsule
		next string
		past = cursor == ""
	)
	for _, k := range keys {
		if !past {
			if k == cursor {
				past = true
			}
			continue
		}
		var c model.Capsule
		if err := json.Unmarshal(s.capsules[ids.CapsuleId(k)], &c); err != nil {
			return nil, "", apperr.Wrap(apperr.Internal, "decode capsule", err)
		}
		if !c.Subject.Equal(subject) {
			continue
		}
		cp := c
		out = append(out, &cp)
		if len(out) == limit {
			next = k
			break
		}
	}
	return out, next, nil
}

// --- Blob chunks ---

func chunkMapKey(hashPrefix string, page int) string {
	buf := make([]byte, 0, len(hashPrefix)+8)
	buf = append(buf, []byte(hashPrefix)...)
	buf = append(buf, byte(page>>24), byte(page>>16), byte(page>>8), byte(page))
	return string(buf)
}

func (s *MemStore) PutChunk(hashPrefix string, page int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks[chunkMapKey(hashPrefix, page)] = append([]byte(nil), data...)
	return nil
}

func (s *MemStore) GetChunk(hashPrefix string, page int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.chunks[chunkMapKey(hashPrefix, page)]
	if !ok {
		return nil, apperr.NotFoundf("chunk %s/%d not found", hashPrefix, page)
	}
	return append([]byte(nil), data...), nil
}

func (s *MemStore) DeleteChunkRange(hashPrefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	prefix := hashPrefix
	for k := range s.chunks {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(s.chunks, k)
			count++
		}
	}
	return count, nil
}

// --- Blobs ---

func (s *MemStore) CreateBlob(b *model.Blob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.Marshal(b)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "encode blob", err)
	}
	s.blobs[b.ID] = data
	s.blobsBySHA[b.SHA256] = b.ID
	return nil
}

func (s *MemStore) GetBlob(id ids.BlobId) (*model.Blob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[id]
	if !ok {
		return nil, apperr.NotFoundf("blob %s not found", id)
	}
	var b model.Blob
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "decode blob", err)
	}
	return &b, nil
}

func (s *MemStore) GetBlobBySHA256(sha256Hex string) (*model.Blob, error) {
	s.mu.Lock()
	id, ok := s.blobsBySHA[sha256Hex]
	s.mu.Unlock()
	if !ok {
		return nil, apperr.NotFoundf("no blob with sha256 %s", sha256Hex)
	}
	return s.GetBlob(id)
}

func (s *MemStore) DeleteBlob(id ids.BlobId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[id]
	if !ok {
		return nil
	}
	var b model.Blob
	if err := json.Unmarshal(data, &b); err != nil {
		return apperr.Wrap(apperr.Internal, "decode blob", err)
	}
	delete(s.blobs, id)
	delete(s.blobsBySHA, b.SHA256)
	return nil
}

// --- Refcounts ---

func (s *MemStore) IncrBlobRefCount(id ids.BlobId) (int, error) { return s.addRefCount(id, 1) }
func (s *MemStore) DecrBlobRefCount(id ids.BlobId) (int, error) { return s.addRefCount(id, -1) }

func (s *MemStore) addRefCount(id ids.BlobId, delta int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := s.refCounts[id] + delta
	if count < 0 {
		count = 0
	}
	s.refCounts[id] = count
	return count, nil
}

func (s *MemStore) GetBlobRefCount(id ids.BlobId) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refCounts[id], nil
}

// --- Tombstones ---

func (s *MemStore) PutTombstone(t *model.Tombstone) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.Marshal(t)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "encode tombstone", err)
	}
	s.tombstones[t.BlobID] = data
	return nil
}

func (s *MemStore) GetTombstone(id ids.BlobId) (*model.Tombstone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.tombstones[id]
	if !ok {
		return nil, apperr.NotFoundf("tombstone %s not found", id)
	}
	var t model.Tombstone
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "decode tombstone", err)
	}
	return &t, nil
}

// --- Upload sessions ---

func (s *MemStore) CreateSession(session *model.UploadSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.Marshal(session)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "encode session", err)
	}
	s.sessions[session.ID] = data
	return nil
}

func (s *MemStore) GetSession(id ids.SessionId) (*model.UploadSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.sessions[id]
	if !ok {
		return nil, apperr.NotFoundf("upload session %s not found", id)
	}
	var session model.UploadSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "decode session", err)
	}
	return &session, nil
}

func (s *MemStore) UpdateSession(session *model.UploadSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.ID]; !ok {
		return apperr.NotFoundf("upload session %s not found", session.ID)
	}
	data, err := json.Marshal(session)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "encode session", err)
	}
	s.sessions[session.ID] = data
	return nil
}

func (s *MemStore) DeleteSession(id ids.SessionId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

func (s *MemStore) ListSessionsPastDeadline(nowNanos int64) ([]*model.UploadSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.UploadSession
	for _, data := range s.sessions {
		var session model.UploadSession
		if err := json.Unmarshal(data, &session); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "decode session", err)
		}
		if session.Status.Terminal() {
			continue
		}
		if session.DeadlineAt <= nowNanos {
			cp := session
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- Key ring ---

func (s *MemStore) SaveKeyRing(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keyRing = append([]byte(nil), data...)
	s.hasKeyRing = true
	return nil
}

func (s *MemStore) GetKeyRing() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasKeyRing {
		return nil, apperr.NotFoundf("key ring not initialized")
	}
	return append([]byte(nil), s.keyRing...), nil
}

var _ Store = (*MemStore)(nil)
