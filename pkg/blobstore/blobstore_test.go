package blobstore

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/capsulekit/engine/pkg/apperr"
	"github.com/capsulekit/engine/pkg/capsule"
	"github.com/capsulekit/engine/pkg/config"
	"github.com/capsulekit/engine/pkg/envctx"
	"github.com/capsulekit/engine/pkg/ids"
	"github.com/capsulekit/engine/pkg/model"
	"github.com/capsulekit/engine/pkg/storage"
	"github.com/capsulekit/engine/pkg/upload"
)

func sha256Of(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func setup(t *testing.T) (*Service, *capsule.Service, *upload.Service, storage.Store) {
	t.Helper()
	store := storage.NewMemStore()
	// Force the blob path for small test payloads instead of inlining them,
	// and allow the small chunk sizes those payloads are uploaded with.
	cfg := config.Defaults()
	cfg.InlineMax = 4
	cfg.ChunkSizeMin = 1
	live := config.NewLive(cfg)
	capsuleSvc := capsule.New(store, live)
	uploadSvc := upload.New(store, live, capsuleSvc)
	return New(store, live), capsuleSvc, uploadSvc, store
}

func uploadBlobAsset(t *testing.T, uploadSvc *upload.Service, env envctx.Env, capsuleID ids.CapsuleId, memoryID ids.MemoryId, payload []byte, chunkSize int64) model.Asset {
	t.Helper()
	count := (int64(len(payload)) + chunkSize - 1) / chunkSize
	sessionID, err := uploadSvc.BeginUpload(env, capsuleID, int64(len(payload)), chunkSize, int(count), "")
	require.NoError(t, err)
	for i := int64(0); i < count; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > int64(len(payload)) {
			end = int64(len(payload))
		}
		require.NoError(t, uploadSvc.PutChunk(env, sessionID, int(i), payload[start:end]))
	}
	asset, err := uploadSvc.FinishUploadAndAttach(env, sessionID, sha256Of(payload), int64(len(payload)), memoryID, model.RoleOriginal)
	require.NoError(t, err)
	return asset
}

func TestReadBlobRoundtrip(t *testing.T) {
	blobSvc, capsuleSvc, uploadSvc, _ := setup(t)
	alice := model.Subject("alice")
	env := envctx.NewFake(alice, 1000)

	capsuleID, err := capsuleSvc.CreateCapsule(env, alice, false)
	require.NoError(t, err)
	memID, err := capsuleSvc.CreateMemory(env, capsuleID, capsule.MemoryDescriptor{Kind: model.KindVideo}, "", "")
	require.NoError(t, err)

	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}
	asset := uploadBlobAsset(t, uploadSvc, env, capsuleID, memID, payload, 32)
	require.Equal(t, model.StorageBlobInternal, asset.Class)

	c, err := capsuleSvc.ReadCapsule(env, capsuleID, "")
	require.NoError(t, err)
	m, err := capsuleSvc.ReadMemory(env, capsuleID, memID, "")
	require.NoError(t, err)

	got, err := blobSvc.ReadBlob(c, m, env, asset.BlobID, "")
	require.NoError(t, err)
	require.Equal(t, payload, got)

	chunk, err := blobSvc.ReadBlobChunk(c, m, env, asset.BlobID, 1, "")
	require.NoError(t, err)
	require.Equal(t, payload[32:64], chunk)
}

func TestReadBlobRequiresView(t *testing.T) {
	blobSvc, capsuleSvc, uploadSvc, _ := setup(t)
	alice := model.Subject("alice")
	stranger := model.Subject("mallory")
	env := envctx.NewFake(alice, 1000)

	capsuleID, err := capsuleSvc.CreateCapsule(env, alice, false)
	require.NoError(t, err)
	memID, err := capsuleSvc.CreateMemory(env, capsuleID, capsule.MemoryDescriptor{Kind: model.KindVideo}, "", "")
	require.NoError(t, err)

	payload := make([]byte, 64)
	asset := uploadBlobAsset(t, uploadSvc, env, capsuleID, memID, payload, 32)

	c, err := capsuleSvc.ReadCapsule(env, capsuleID, "")
	require.NoError(t, err)
	m, err := capsuleSvc.ReadMemory(env, capsuleID, memID, "")
	require.NoError(t, err)

	strangerEnv := env.WithCaller(stranger)
	_, err = blobSvc.ReadBlob(c, m, strangerEnv, asset.BlobID, "")
	require.True(t, apperr.Is(err, apperr.Unauthorized) || apperr.Is(err, apperr.NotFound))
}

func TestReleaseMemoryAssetsDeletesBlobAtZeroRefcount(t *testing.T) {
	blobSvc, capsuleSvc, uploadSvc, store := setup(t)
	alice := model.Subject("alice")
	env := envctx.NewFake(alice, 1000)

	capsuleID, err := capsuleSvc.CreateCapsule(env, alice, false)
	require.NoError(t, err)
	memID, err := capsuleSvc.CreateMemory(env, capsuleID, capsule.MemoryDescriptor{Kind: model.KindVideo}, "", "")
	require.NoError(t, err)

	payload := make([]byte, 64)
	asset := uploadBlobAsset(t, uploadSvc, env, capsuleID, memID, payload, 32)

	m, err := capsuleSvc.ReadMemory(env, capsuleID, memID, "")
	require.NoError(t, err)

	released, err := blobSvc.ReleaseMemoryAssets(env, m)
	require.NoError(t, err)
	require.Equal(t, 1, released)

	_, err = store.GetBlob(asset.BlobID)
	require.True(t, apperr.Is(err, apperr.NotFound))

	tombstone, err := store.GetTombstone(asset.BlobID)
	require.NoError(t, err)
	require.Equal(t, "refcount_zero", tombstone.Reason)
}

func TestDeleteBlobExplicitRequiresZeroRefcount(t *testing.T) {
	blobSvc, capsuleSvc, uploadSvc, store := setup(t)
	alice := model.Subject("alice")
	env := envctx.NewFake(alice, 1000)

	capsuleID, err := capsuleSvc.CreateCapsule(env, alice, false)
	require.NoError(t, err)
	memID, err := capsuleSvc.CreateMemory(env, capsuleID, capsule.MemoryDescriptor{Kind: model.KindVideo}, "", "")
	require.NoError(t, err)

	payload := make([]byte, 64)
	asset := uploadBlobAsset(t, uploadSvc, env, capsuleID, memID, payload, 32)

	err = blobSvc.DeleteBlobExplicit(env, asset.BlobID)
	require.True(t, apperr.Is(err, apperr.InvalidState))

	_, err = store.DecrBlobRefCount(asset.BlobID)
	require.NoError(t, err)

	require.NoError(t, blobSvc.DeleteBlobExplicit(env, asset.BlobID))
}
