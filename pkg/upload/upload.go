// Package upload implements the chunked, resumable Upload Pipeline
// (§4.G): begin_upload/put_chunk/finish_upload and the session-expiry
// janitor. Chunk bytes are staged under a session-scoped temporary hash
// prefix in storage.Store's BLOB_CHUNKS map; finish_upload either
// materializes them inline on the owning memory or promotes them into a
// permanent, content-addressed, deduplicated Blob.
package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sort"
	"time"

	"github.com/capsulekit/engine/pkg/acl"
	"github.com/capsulekit/engine/pkg/apperr"
	"github.com/capsulekit/engine/pkg/capsule"
	"github.com/capsulekit/engine/pkg/config"
	"github.com/capsulekit/engine/pkg/envctx"
	"github.com/capsulekit/engine/pkg/ids"
	"github.com/capsulekit/engine/pkg/log"
	"github.com/capsulekit/engine/pkg/metrics"
	"github.com/capsulekit/engine/pkg/model"
	"github.com/capsulekit/engine/pkg/storage"
)

// Service implements begin_upload/put_chunk/finish_upload.
type Service struct {
	store   storage.Store
	cfg     *config.Live
	capsule *capsule.Service
}

func New(store storage.Store, cfg *config.Live, capsuleSvc *capsule.Service) *Service {
	return &Service{store: store, cfg: cfg, capsule: capsuleSvc}
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// BeginUpload creates a new upload session, gated on MANAGE over
// capsuleID. chunkCount must equal ceil(declaredTotalSize/chunkSize);
// chunkSize must be within the configured [min,max] window; total size
// must not exceed the configured max blob size.
func (s *Service) BeginUpload(env envctx.Env, capsuleID ids.CapsuleId, declaredTotalSize, chunkSize int64, chunkCount int, expectedSHA256 string) (ids.SessionId, error) {
	c, err := s.store.GetCapsule(capsuleID)
	if err != nil {
		return "", err
	}
	result := acl.EvaluateCapsule(c, acl.Context{Subject: env.Caller(), NowNanos: env.Now(), PublicBaseline: s.cfg.Get().PublicBaselineMask})
	if err := acl.Require(result, model.MaskManage); err != nil {
		return "", err
	}

	cfg := s.cfg.Get()
	if chunkSize < cfg.ChunkSizeMin || chunkSize > cfg.ChunkSizeMax {
		return "", apperr.InvalidArgumentf("chunk_size %d out of range [%d,%d]", chunkSize, cfg.ChunkSizeMin, cfg.ChunkSizeMax)
	}
	if declaredTotalSize <= 0 {
		return "", apperr.InvalidArgumentf("declared_total_size must be positive")
	}
	if declaredTotalSize > cfg.MaxBlobSize {
		return "", apperr.QuotaExceededf("declared_total_size %d exceeds max_blob_size %d", declaredTotalSize, cfg.MaxBlobSize)
	}
	wantChunkCount := int(math.Ceil(float64(declaredTotalSize) / float64(chunkSize)))
	if chunkCount != wantChunkCount {
		return "", apperr.InvalidArgumentf("chunk_count %d does not match ceil(total_size/chunk_size)=%d", chunkCount, wantChunkCount)
	}

	id, err := ids.NewSessionId()
	if err != nil {
		return "", err
	}
	now := env.Now()
	session := &model.UploadSession{
		ID:                id,
		CapsuleID:         capsuleID,
		Caller:            env.Caller(),
		DeclaredTotalSize: declaredTotalSize,
		ExpectedSHA256:    expectedSHA256,
		ChunkSize:         chunkSize,
		ChunkCount:        chunkCount,
		ChunksReceived:    make([]bool, chunkCount),
		ChunkSHA256:       make([]string, chunkCount),
		Status:            model.SessionPending,
		TmpHashPrefix:     "tmp-" + string(id),
		CreatedAt:         now,
		DeadlineAt:        now + cfg.SessionTTLSeconds*int64(time.Second),
	}
	if err := s.store.CreateSession(session); err != nil {
		return "", err
	}
	metrics.UploadSessionsTotal.WithLabelValues(string(model.SessionPending)).Inc()
	return id, nil
}

func (s *Service) expectedChunkLen(session *model.UploadSession, index int) int64 {
	if index == session.ChunkCount-1 {
		return session.DeclaredTotalSize - int64(session.ChunkCount-1)*session.ChunkSize
	}
	return session.ChunkSize
}

// PutChunk accepts one chunk's bytes into a session. It is idempotent for
// a repeated (index, bytes) pair and rejects a repeated index carrying
// different content.
func (s *Service) PutChunk(env envctx.Env, sessionID ids.SessionId, index int, data []byte) error {
	session, err := s.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	if session.Status != model.SessionPending && session.Status != model.SessionReceiving {
		return apperr.InvalidStatef("session %s is %s, not accepting chunks", sessionID, session.Status)
	}
	if session.DeadlineAt <= env.Now() {
		return apperr.InvalidStatef("session %s is past its deadline", sessionID)
	}
	if index < 0 || index >= session.ChunkCount {
		return apperr.InvalidArgumentf("chunk index %d out of range [0,%d)", index, session.ChunkCount)
	}

	want := s.expectedChunkLen(session, index)
	if int64(len(data)) > want {
		return apperr.EncodingTooLargef("chunk %d is %d bytes, expected %d", index, len(data), want)
	}
	if int64(len(data)) != want {
		return apperr.InvalidArgumentf("chunk %d is %d bytes, expected exactly %d", index, len(data), want)
	}

	hash := sha256Hex(data)
	if session.ChunksReceived[index] {
		if session.ChunkSHA256[index] != hash {
			return apperr.Wrap(apperr.ChunkMismatch, "chunk content differs from a previously accepted put at the same index", nil)
		}
		return nil
	}

	if err := s.store.PutChunk(session.TmpHashPrefix, index, data); err != nil {
		return err
	}
	session.ChunksReceived[index] = true
	session.ChunkSHA256[index] = hash
	session.BytesReceived += int64(len(data))
	if session.Status == model.SessionPending {
		metrics.UploadSessionsTotal.WithLabelValues(string(model.SessionPending)).Dec()
		metrics.UploadSessionsTotal.WithLabelValues(string(model.SessionReceiving)).Inc()
	}
	session.Status = model.SessionReceiving
	metrics.ChunksReceivedTotal.Inc()
	return s.store.UpdateSession(session)
}

// FinishUpload verifies a session is complete, reconciles the declared
// hash/size against what was actually received, and decides between an
// Inline or BlobInternal storage class. It does not attach the resulting
// asset to a memory; see FinishUploadAndAttach for that.
func (s *Service) FinishUpload(env envctx.Env, sessionID ids.SessionId, declaredSHA256 string, declaredTotalSize int64) (model.Asset, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.UploadFinishDuration)

	session, err := s.store.GetSession(sessionID)
	if err != nil {
		return model.Asset{}, err
	}
	if session.Status.Terminal() {
		return model.Asset{}, apperr.InvalidStatef("session %s already %s", sessionID, session.Status)
	}
	if !session.BitmapFull() {
		return model.Asset{}, apperr.Wrap(apperr.Incomplete, "not all chunks have been received", nil)
	}

	computed, err := s.computeSHA256InOrder(session)
	if err != nil {
		return model.Asset{}, err
	}
	if declaredTotalSize != session.BytesReceived {
		s.abort(session)
		return model.Asset{}, apperr.Wrap(apperr.SizeMismatch, "declared_total_size does not match bytes received", nil)
	}
	if declaredSHA256 != computed {
		s.abort(session)
		return model.Asset{}, apperr.Wrap(apperr.HashMismatch, "declared_sha256 does not match computed sha256", nil)
	}

	cfg := s.cfg.Get()
	capsuleRecord, err := s.store.GetCapsule(session.CapsuleID)
	if err != nil {
		return model.Asset{}, err
	}

	assetID, err := ids.NewAssetId()
	if err != nil {
		return model.Asset{}, err
	}

	var asset model.Asset
	if session.BytesReceived <= cfg.InlineMax && capsuleRecord.InlineBytesUsed+session.BytesReceived <= cfg.InlineBudgetPerCapsule {
		payload, err := s.concatenateChunks(session)
		if err != nil {
			return model.Asset{}, err
		}
		asset = model.Asset{
			ID:        assetID,
			Class:     model.StorageInline,
			Size:      session.BytesReceived,
			SHA256:    computed,
			InlineBytes: payload,
			CreatedAt: env.Now(),
		}
		if _, err := s.store.DeleteChunkRange(session.TmpHashPrefix); err != nil {
			return model.Asset{}, err
		}
	} else {
		blobID, err := s.promoteToBlob(session, computed, cfg.BlobHashPrefixLen)
		if err != nil {
			return model.Asset{}, err
		}
		asset = model.Asset{
			ID:        assetID,
			Class:     model.StorageBlobInternal,
			Size:      session.BytesReceived,
			SHA256:    computed,
			BlobID:    blobID,
			CreatedAt: env.Now(),
		}
	}

	metrics.UploadSessionsTotal.WithLabelValues(string(session.Status)).Dec()
	session.Status = model.SessionFinished
	if err := s.store.UpdateSession(session); err != nil {
		return model.Asset{}, err
	}
	if err := s.store.DeleteSession(session.ID); err != nil {
		return model.Asset{}, err
	}
	metrics.UploadBytesTotal.Add(float64(session.BytesReceived))
	log.WithSessionID(sessionID.String()).Info().Str("class", string(asset.Class)).Int64("size", asset.Size).Msg("upload finished")
	return asset, nil
}

// FinishUploadAndAttach runs FinishUpload and, in the same logical
// commit, attaches the resulting asset to memoryID under role.
func (s *Service) FinishUploadAndAttach(env envctx.Env, sessionID ids.SessionId, declaredSHA256 string, declaredTotalSize int64, memoryID ids.MemoryId, role model.AssetRole) (model.Asset, error) {
	session, err := s.store.GetSession(sessionID)
	if err != nil {
		return model.Asset{}, err
	}
	capsuleID := session.CapsuleID

	asset, err := s.FinishUpload(env, sessionID, declaredSHA256, declaredTotalSize)
	if err != nil {
		return model.Asset{}, err
	}
	asset.Role = role
	if err := s.capsule.AttachAsset(env, capsuleID, memoryID, asset, ""); err != nil {
		return model.Asset{}, err
	}
	return asset, nil
}

func (s *Service) abort(session *model.UploadSession) {
	metrics.UploadSessionsTotal.WithLabelValues(string(session.Status)).Dec()
	metrics.UploadSessionsTotal.WithLabelValues(string(model.SessionAborted)).Inc()
	session.Status = model.SessionAborted
	_ = s.store.UpdateSession(session)
	_, _ = s.store.DeleteChunkRange(session.TmpHashPrefix)
}

// computeSHA256InOrder streams every chunk in sorted index order and
// folds it into one hash, per §4.G's determinism guarantee: puts may
// race, but the commit hash never depends on arrival order.
func (s *Service) computeSHA256InOrder(session *model.UploadSession) (string, error) {
	h := sha256.New()
	for i := 0; i < session.ChunkCount; i++ {
		chunk, err := s.store.GetChunk(session.TmpHashPrefix, i)
		if err != nil {
			return "", err
		}
		h.Write(chunk)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (s *Service) concatenateChunks(session *model.UploadSession) ([]byte, error) {
	out := make([]byte, 0, session.BytesReceived)
	for i := 0; i < session.ChunkCount; i++ {
		chunk, err := s.store.GetChunk(session.TmpHashPrefix, i)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}
	return out, nil
}

// promoteToBlob moves a session's staged chunks into a permanent,
// content-addressed Blob record, deduplicating against an existing blob
// with the same sha-256 if one exists.
func (s *Service) promoteToBlob(session *model.UploadSession, computedSHA256 string, prefixLen int) (ids.BlobId, error) {
	if existing, err := s.store.GetBlobBySHA256(computedSHA256); err == nil {
		if _, err := s.store.DeleteChunkRange(session.TmpHashPrefix); err != nil {
			return "", err
		}
		if _, err := s.store.IncrBlobRefCount(existing.ID); err != nil {
			return "", err
		}
		metrics.BlobDedupHitsTotal.Inc()
		return existing.ID, nil
	} else if !apperr.Is(err, apperr.NotFound) {
		return "", err
	}

	hashPrefix := computedSHA256
	if len(hashPrefix) > prefixLen {
		hashPrefix = hashPrefix[:prefixLen]
	}

	for i := 0; i < session.ChunkCount; i++ {
		chunk, err := s.store.GetChunk(session.TmpHashPrefix, i)
		if err != nil {
			return "", err
		}
		if err := s.store.PutChunk(hashPrefix, i, chunk); err != nil {
			return "", err
		}
	}
	if _, err := s.store.DeleteChunkRange(session.TmpHashPrefix); err != nil {
		return "", err
	}

	blobID, err := ids.NewBlobId()
	if err != nil {
		return "", err
	}
	blob := &model.Blob{
		ID:         blobID,
		HashPrefix: hashPrefix,
		SHA256:     computedSHA256,
		TotalSize:  session.BytesReceived,
		ChunkSize:  session.ChunkSize,
		ChunkCount: session.ChunkCount,
		CreatedAt:  session.CreatedAt,
	}
	if err := s.store.CreateBlob(blob); err != nil {
		return "", err
	}
	if _, err := s.store.IncrBlobRefCount(blobID); err != nil {
		return "", err
	}
	metrics.BlobsTotal.Inc()
	return blobID, nil
}

// Janitor periodically expires upload sessions past their deadline,
// releasing staged chunk data and the session row. It is the only
// background loop in the engine; everything else is request-driven.
type Janitor struct {
	store    storage.Store
	clock    ids.Clock
	interval time.Duration
}

func NewJanitor(store storage.Store, clock ids.Clock, interval time.Duration) *Janitor {
	if clock == nil {
		clock = ids.SystemClock{}
	}
	metrics.RegisterComponent("janitor", true, "idle")
	return &Janitor{store: store, clock: clock, interval: interval}
}

// Run blocks, sweeping expired sessions every interval until ctx is
// canceled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			metrics.UpdateComponent("janitor", false, "stopped")
			return
		case <-ticker.C:
			if n, err := j.ExpireSessions(); err != nil {
				metrics.UpdateComponent("janitor", false, err.Error())
				log.Logger.Error().Err(err).Msg("upload janitor sweep failed")
			} else {
				metrics.UpdateComponent("janitor", true, "idle")
				if n > 0 {
					log.Logger.Info().Int("expired", n).Msg("upload janitor expired sessions")
				}
			}
		}
	}
}

// ExpireSessions performs one sweep, returning how many sessions it
// expired.
func (j *Janitor) ExpireSessions() (int, error) {
	expired, err := j.store.ListSessionsPastDeadline(j.clock.NowNanos())
	if err != nil {
		return 0, err
	}
	sort.Slice(expired, func(i, k int) bool { return expired[i].ID < expired[k].ID })

	count := 0
	for _, session := range expired {
		if _, err := j.store.DeleteChunkRange(session.TmpHashPrefix); err != nil {
			return count, err
		}
		if err := j.store.DeleteSession(session.ID); err != nil {
			return count, err
		}
		metrics.UploadSessionsTotal.WithLabelValues(string(session.Status)).Dec()
		count++
	}
	if count > 0 {
		metrics.SessionsExpiredTotal.Add(float64(count))
	}
	return count, nil
}
