package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/capsulekit/engine/pkg/apperr"
	"github.com/capsulekit/engine/pkg/capsule"
	"github.com/capsulekit/engine/pkg/config"
	"github.com/capsulekit/engine/pkg/envctx"
	"github.com/capsulekit/engine/pkg/ids"
	"github.com/capsulekit/engine/pkg/model"
	"github.com/capsulekit/engine/pkg/security"
	"github.com/capsulekit/engine/pkg/storage"
)

func newTestManager(t *testing.T, env envctx.Env, store storage.Store, cfg *config.Live) *Manager {
	t.Helper()
	wrapper, err := security.NewKeyWrapperFromPassphrase("test-passphrase")
	require.NoError(t, err)
	m, err := NewManager(env, store, wrapper, cfg)
	require.NoError(t, err)
	return m
}

func TestMintAndVerifyRoundtrip(t *testing.T) {
	store := storage.NewMemStore()
	cfg := config.NewLive(config.Defaults())
	capsuleSvc := capsule.New(store, cfg)
	alice := model.Subject("alice")
	env := envctx.NewFake(alice, 1000)

	mgr := newTestManager(t, env, store, cfg)

	capsuleID, err := capsuleSvc.CreateCapsule(env, alice, false)
	require.NoError(t, err)
	memID, err := capsuleSvc.CreateMemory(env, capsuleID, capsule.MemoryDescriptor{Kind: model.KindImage}, "", "")
	require.NoError(t, err)

	tok, err := mgr.Mint(env, capsuleSvc, capsuleID, memID, nil, nil, 30*time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, tok)

	c, err := capsuleSvc.ReadCapsule(env, capsuleID, "")
	require.NoError(t, err)
	m, err := capsuleSvc.ReadMemory(env, capsuleID, memID, "")
	require.NoError(t, err)

	// Make the memory public so the bearer (no identity) can pass ACL.
	public := true
	_, err = capsuleSvc.UpdateCapsule(env, capsuleID, capsule.CapsulePatch{Public: &public}, "")
	require.NoError(t, err)
	c, err = capsuleSvc.ReadCapsule(env, capsuleID, "")
	require.NoError(t, err)

	result, err := mgr.Verify(env, tok, c, m, "", "", "")
	require.NoError(t, err)
	require.Equal(t, memID, result.Scope.MemoryID)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	store := storage.NewMemStore()
	cfg := config.NewLive(config.Defaults())
	capsuleSvc := capsule.New(store, cfg)
	alice := model.Subject("alice")
	env := envctx.NewFake(alice, 1000)
	mgr := newTestManager(t, env, store, cfg)

	capsuleID, err := capsuleSvc.CreateCapsule(env, alice, false)
	require.NoError(t, err)
	memID, err := capsuleSvc.CreateMemory(env, capsuleID, capsule.MemoryDescriptor{Kind: model.KindImage}, "", "")
	require.NoError(t, err)
	public := true
	_, err = capsuleSvc.UpdateCapsule(env, capsuleID, capsule.CapsulePatch{Public: &public}, "")
	require.NoError(t, err)

	tok, err := mgr.Mint(env, capsuleSvc, capsuleID, memID, nil, nil, time.Second)
	require.NoError(t, err)

	env.Clock.Advance(2 * time.Second)

	c, _ := capsuleSvc.ReadCapsule(env, capsuleID, "")
	m, _ := capsuleSvc.ReadMemory(env, capsuleID, memID, "")
	_, err = mgr.Verify(env, tok, c, m, "", "", "")
	require.True(t, apperr.Is(err, apperr.Unauthorized))
}

func TestMintRejectsTTLAboveMax(t *testing.T) {
	store := storage.NewMemStore()
	cfg := config.NewLive(config.Defaults())
	capsuleSvc := capsule.New(store, cfg)
	alice := model.Subject("alice")
	env := envctx.NewFake(alice, 1000)
	mgr := newTestManager(t, env, store, cfg)

	capsuleID, err := capsuleSvc.CreateCapsule(env, alice, false)
	require.NoError(t, err)
	memID, err := capsuleSvc.CreateMemory(env, capsuleID, capsule.MemoryDescriptor{Kind: model.KindImage}, "", "")
	require.NoError(t, err)

	_, err = mgr.Mint(env, capsuleSvc, capsuleID, memID, nil, nil, time.Hour)
	require.True(t, apperr.Is(err, apperr.InvalidArgument))
}

func TestVerifyScopesToAssetList(t *testing.T) {
	store := storage.NewMemStore()
	cfg := config.NewLive(config.Defaults())
	capsuleSvc := capsule.New(store, cfg)
	alice := model.Subject("alice")
	env := envctx.NewFake(alice, 1000)
	mgr := newTestManager(t, env, store, cfg)

	capsuleID, err := capsuleSvc.CreateCapsule(env, alice, false)
	require.NoError(t, err)
	memID, err := capsuleSvc.CreateMemory(env, capsuleID, capsule.MemoryDescriptor{Kind: model.KindImage}, "", "")
	require.NoError(t, err)
	public := true
	_, err = capsuleSvc.UpdateCapsule(env, capsuleID, capsule.CapsulePatch{Public: &public}, "")
	require.NoError(t, err)

	require.NoError(t, capsuleSvc.AttachAsset(env, capsuleID, memID, model.Asset{ID: "asset_1", Role: model.RoleOriginal, Class: model.StorageInline, InlineBytes: []byte("x")}, ""))
	require.NoError(t, capsuleSvc.AttachAsset(env, capsuleID, memID, model.Asset{ID: "asset_2", Role: model.RoleDisplay, Class: model.StorageInline, InlineBytes: []byte("y")}, ""))

	unrestricted, err := mgr.Mint(env, capsuleSvc, capsuleID, memID, []ids.AssetId(nil), nil, 30*time.Second)
	require.NoError(t, err)
	restricted, err := mgr.Mint(env, capsuleSvc, capsuleID, memID, []ids.AssetId{"asset_1"}, nil, 30*time.Second)
	require.NoError(t, err)

	c, _ := capsuleSvc.ReadCapsule(env, capsuleID, "")
	m, _ := capsuleSvc.ReadMemory(env, capsuleID, memID, "")

	_, err = mgr.Verify(env, unrestricted, c, m, "asset_2", "", "")
	require.NoError(t, err, "an unrestricted asset list means every asset on the memory is in scope")

	_, err = mgr.Verify(env, restricted, c, m, "asset_2", "", "")
	require.True(t, apperr.Is(err, apperr.Unauthorized), "a token scoped to asset_1 must not admit asset_2")
}

func TestRotateKeepsOldKeyValidUntilExpiry(t *testing.T) {
	store := storage.NewMemStore()
	cfg := config.NewLive(config.Defaults())
	capsuleSvc := capsule.New(store, cfg)
	alice := model.Subject("alice")
	env := envctx.NewFake(alice, 1000)
	mgr := newTestManager(t, env, store, cfg)

	capsuleID, err := capsuleSvc.CreateCapsule(env, alice, false)
	require.NoError(t, err)
	memID, err := capsuleSvc.CreateMemory(env, capsuleID, capsule.MemoryDescriptor{Kind: model.KindImage}, "", "")
	require.NoError(t, err)
	public := true
	_, err = capsuleSvc.UpdateCapsule(env, capsuleID, capsule.CapsulePatch{Public: &public}, "")
	require.NoError(t, err)

	tok, err := mgr.Mint(env, capsuleSvc, capsuleID, memID, nil, nil, 30*time.Second)
	require.NoError(t, err)

	newKeyID, err := mgr.Rotate(env)
	require.NoError(t, err)
	require.NotEmpty(t, newKeyID)

	c, _ := capsuleSvc.ReadCapsule(env, capsuleID, "")
	m, _ := capsuleSvc.ReadMemory(env, capsuleID, memID, "")
	_, err = mgr.Verify(env, tok, c, m, "", "", "")
	require.NoError(t, err, "a token minted under the previous key must still verify")
}

func TestManagerPersistsKeyRingAcrossRestarts(t *testing.T) {
	store := storage.NewMemStore()
	cfg := config.NewLive(config.Defaults())
	capsuleSvc := capsule.New(store, cfg)
	alice := model.Subject("alice")
	env := envctx.NewFake(alice, 1000)

	mgr1 := newTestManager(t, env, store, cfg)
	capsuleID, err := capsuleSvc.CreateCapsule(env, alice, false)
	require.NoError(t, err)
	memID, err := capsuleSvc.CreateMemory(env, capsuleID, capsule.MemoryDescriptor{Kind: model.KindImage}, "", "")
	require.NoError(t, err)
	public := true
	_, err = capsuleSvc.UpdateCapsule(env, capsuleID, capsule.CapsulePatch{Public: &public}, "")
	require.NoError(t, err)

	tok, err := mgr1.Mint(env, capsuleSvc, capsuleID, memID, nil, nil, 30*time.Second)
	require.NoError(t, err)

	mgr2 := newTestManager(t, env, store, cfg)
	c, _ := capsuleSvc.ReadCapsule(env, capsuleID, "")
	m, _ := capsuleSvc.ReadMemory(env, capsuleID, memID, "")
	_, err = mgr2.Verify(env, tok, c, m, "", "", "")
	require.NoError(t, err)
}
