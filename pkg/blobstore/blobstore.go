// Package blobstore implements the Asset/Blob Store (§4.H): reading
// durable blob bytes (whole or by chunk), and refcount-gated deletion of
// BlobInternal blobs once nothing references them. It is the AssetCleaner
// pkg/capsule calls when a memory is deleted with delete_assets=true.
package blobstore

import (
	"github.com/capsulekit/engine/pkg/acl"
	"github.com/capsulekit/engine/pkg/apperr"
	"github.com/capsulekit/engine/pkg/config"
	"github.com/capsulekit/engine/pkg/envctx"
	"github.com/capsulekit/engine/pkg/ids"
	"github.com/capsulekit/engine/pkg/log"
	"github.com/capsulekit/engine/pkg/metrics"
	"github.com/capsulekit/engine/pkg/model"
	"github.com/capsulekit/engine/pkg/storage"
)

// Service implements blob_read, blob_read_chunk, and the internal
// blob_delete / inline-release paths.
type Service struct {
	store storage.Store
	cfg   *config.Live
}

func New(store storage.Store, cfg *config.Live) *Service {
	return &Service{store: store, cfg: cfg}
}

type assetCleaner interface {
	ReleaseMemoryAssets(env envctx.Env, m *model.Memory) (int, error)
}

var _ assetCleaner = (*Service)(nil)

// ReadBlob returns the full bytes of a blob, gated via the memory that
// references it (the caller must already hold VIEW on that memory; this
// package does not re-derive the memory from the blob id, since a blob
// may be referenced by more than one memory).
func (s *Service) ReadBlob(c *model.Capsule, m *model.Memory, env envctx.Env, blobID ids.BlobId, magicLinkToken string) ([]byte, error) {
	if err := s.requireView(c, m, env, magicLinkToken); err != nil {
		return nil, err
	}
	blob, err := s.store.GetBlob(blobID)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, blob.TotalSize)
	for i := 0; i < blob.ChunkCount; i++ {
		chunk, err := s.store.GetChunk(blob.HashPrefix, i)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}
	return out, nil
}

// ReadBlobChunk returns a single chunk of a blob, for range reads.
func (s *Service) ReadBlobChunk(c *model.Capsule, m *model.Memory, env envctx.Env, blobID ids.BlobId, index int, magicLinkToken string) ([]byte, error) {
	if err := s.requireView(c, m, env, magicLinkToken); err != nil {
		return nil, err
	}
	blob, err := s.store.GetBlob(blobID)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= blob.ChunkCount {
		return nil, apperr.InvalidArgumentf("chunk index %d out of range [0,%d)", index, blob.ChunkCount)
	}
	return s.store.GetChunk(blob.HashPrefix, index)
}

func (s *Service) requireView(c *model.Capsule, m *model.Memory, env envctx.Env, magicLinkToken string) error {
	result := acl.EvaluateMemory(c, m, acl.Context{
		Subject:        env.Caller(),
		NowNanos:       env.Now(),
		MagicLinkToken: magicLinkToken,
		PublicBaseline: s.cfg.Get().PublicBaselineMask,
	})
	return acl.Require(result, model.MaskView)
}

// ReleaseMemoryAssets implements pkg/capsule.AssetCleaner: it decrements
// the refcount of every BlobInternal asset on m and, for any blob whose
// refcount reaches zero, deletes its chunk data and metadata and records
// a tombstone. Inline asset bytes need no separate release — they live
// only inside the Memory record capsule.Service is about to remove, and
// InlineBytesUsed accounting is recomputed there.
func (s *Service) ReleaseMemoryAssets(env envctx.Env, m *model.Memory) (int, error) {
	released := 0
	for _, asset := range m.Assets {
		if asset.Class != model.StorageBlobInternal {
			continue
		}
		released++
		count, err := s.store.DecrBlobRefCount(asset.BlobID)
		if err != nil {
			return released, err
		}
		if count == 0 {
			if err := s.deleteBlob(asset.BlobID, "refcount_zero", env.Now()); err != nil {
				return released, err
			}
		}
	}
	return released, nil
}

// deleteBlob removes a blob's chunk data and metadata and writes a
// tombstone explaining why, satisfying the §8 invariant that a
// BlobInternal asset's blob either exists or has a structured tombstone.
func (s *Service) deleteBlob(blobID ids.BlobId, reason string, at int64) error {
	blob, err := s.store.GetBlob(blobID)
	if err != nil {
		if apperr.Is(err, apperr.NotFound) {
			return nil
		}
		return err
	}
	if _, err := s.store.DeleteChunkRange(blob.HashPrefix); err != nil {
		return err
	}
	if err := s.store.DeleteBlob(blobID); err != nil {
		return err
	}
	metrics.BlobsTotal.Dec()
	metrics.BlobsDeletedTotal.WithLabelValues(reason).Inc()
	return s.store.PutTombstone(&model.Tombstone{BlobID: blobID, Reason: reason, At: at})
}

// DeleteBlobExplicit is the admin/internal entry point for blob_delete:
// callers outside the memory-delete path that have independently
// confirmed a blob's refcount is zero and want cleanup to run now rather
// than waiting for the next reference to drop it.
func (s *Service) DeleteBlobExplicit(env envctx.Env, blobID ids.BlobId) error {
	count, err := s.store.GetBlobRefCount(blobID)
	if err != nil {
		return err
	}
	if count > 0 {
		return apperr.InvalidStatef("blob %s still has %d references", blobID, count)
	}
	log.WithBlobID(blobID.String()).Info().Msg("blob deleted on explicit request")
	return s.deleteBlob(blobID, "explicit_delete", env.Now())
}
