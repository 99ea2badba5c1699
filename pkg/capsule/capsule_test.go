package capsule

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/capsulekit/engine/pkg/apperr"
	"github.com/capsulekit/engine/pkg/config"
	"github.com/capsulekit/engine/pkg/envctx"
	"github.com/capsulekit/engine/pkg/ids"
	"github.com/capsulekit/engine/pkg/model"
	"github.com/capsulekit/engine/pkg/storage"
)

func newService() *Service {
	return New(storage.NewMemStore(), config.NewLive(config.Defaults()))
}

func TestCreateCapsuleSelfAlwaysAllowed(t *testing.T) {
	svc := newService()
	alice := model.Subject("alice")
	env := envctx.NewFake(alice, 1000)

	id, err := svc.CreateCapsule(env, alice, false)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	c, err := svc.ReadCapsule(env, id, "")
	require.NoError(t, err)
	require.True(t, c.IsOwner(alice))
}

func TestCreateCapsuleCrossSubjectRequiresFlag(t *testing.T) {
	svc := newService()
	alice := model.Subject("alice")
	bob := model.Subject("bob")
	env := envctx.NewFake(alice, 1000)

	_, err := svc.CreateCapsule(env, bob, false)
	require.True(t, apperr.Is(err, apperr.Unauthorized))

	_, err = svc.CreateCapsule(env, bob, true)
	require.NoError(t, err)
}

func TestReadCapsuleRequiresView(t *testing.T) {
	svc := newService()
	alice := model.Subject("alice")
	stranger := model.Subject("mallory")
	aliceEnv := envctx.NewFake(alice, 1000)

	id, err := svc.CreateCapsule(aliceEnv, alice, false)
	require.NoError(t, err)

	strangerEnv := aliceEnv.WithCaller(stranger)
	_, err = svc.ReadCapsule(strangerEnv, id, "")
	require.True(t, apperr.Is(err, apperr.Unauthorized))
}

func TestUpdateCapsulePublicFlag(t *testing.T) {
	svc := newService()
	alice := model.Subject("alice")
	env := envctx.NewFake(alice, 1000)

	id, err := svc.CreateCapsule(env, alice, false)
	require.NoError(t, err)

	public := true
	updated, err := svc.UpdateCapsule(env, id, CapsulePatch{Public: &public}, "")
	require.NoError(t, err)
	require.True(t, updated.Public)
	require.EqualValues(t, 1, updated.Version)
}

func TestDeleteCapsuleRequiresOwn(t *testing.T) {
	svc := newService()
	alice := model.Subject("alice")
	env := envctx.NewFake(alice, 1000)

	id, err := svc.CreateCapsule(env, alice, false)
	require.NoError(t, err)

	_, err = svc.DeleteMemory(env, id, "nonexistent", false, nil, "")
	require.NoError(t, err) // deleting an absent memory is a no-op, not an error

	_, err = svc.DeleteCapsule(env.WithCaller(model.Subject("mallory")), id, "")
	require.True(t, apperr.Is(err, apperr.Unauthorized))

	cascaded, err := svc.DeleteCapsule(env, id, "")
	require.NoError(t, err)
	require.Equal(t, 0, cascaded)

	_, err = svc.ReadCapsule(env, id, "")
	require.True(t, apperr.Is(err, apperr.NotFound))
}

func TestCreateMemoryIdempotencyKey(t *testing.T) {
	svc := newService()
	alice := model.Subject("alice")
	env := envctx.NewFake(alice, 1000)
	capsuleID, err := svc.CreateCapsule(env, alice, false)
	require.NoError(t, err)

	desc := MemoryDescriptor{Kind: model.KindNote, Tags: []string{" trip ", "trip", "summer"}}

	id1, err := svc.CreateMemory(env, capsuleID, desc, "idem-1", "")
	require.NoError(t, err)

	id2, err := svc.CreateMemory(env, capsuleID, desc, "idem-1", "")
	require.NoError(t, err)
	require.Equal(t, id1, id2, "same idempotency key must return the existing memory")

	m, err := svc.ReadMemory(env, capsuleID, id1, "")
	require.NoError(t, err)
	require.Equal(t, []string{"trip", "summer"}, m.Tags)
}

func TestUpdateMemoryRequiresManage(t *testing.T) {
	svc := newService()
	alice := model.Subject("alice")
	stranger := model.Subject("mallory")
	env := envctx.NewFake(alice, 1000)

	capsuleID, err := svc.CreateCapsule(env, alice, false)
	require.NoError(t, err)
	memID, err := svc.CreateMemory(env, capsuleID, MemoryDescriptor{Kind: model.KindNote}, "", "")
	require.NoError(t, err)

	title := "updated"
	strangerEnv := env.WithCaller(stranger)
	_, err = svc.UpdateMemory(strangerEnv, capsuleID, memID, MemoryPatch{Title: &title}, "")
	require.True(t, apperr.Is(err, apperr.Unauthorized))

	updated, err := svc.UpdateMemory(env, capsuleID, memID, MemoryPatch{Title: &title}, "")
	require.NoError(t, err)
	require.Equal(t, "updated", *updated.Title)
}

type fakeCleaner struct{ calls int }

func (f *fakeCleaner) ReleaseMemoryAssets(env envctx.Env, m *model.Memory) (int, error) {
	f.calls++
	return len(m.Assets), nil
}

func TestDeleteMemoryRunsCleanerWhenRequested(t *testing.T) {
	svc := newService()
	alice := model.Subject("alice")
	env := envctx.NewFake(alice, 1000)

	capsuleID, err := svc.CreateCapsule(env, alice, false)
	require.NoError(t, err)
	memID, err := svc.CreateMemory(env, capsuleID, MemoryDescriptor{Kind: model.KindImage}, "", "")
	require.NoError(t, err)

	cleaner := &fakeCleaner{}
	_, err = svc.DeleteMemory(env, capsuleID, memID, true, cleaner, "")
	require.NoError(t, err)
	require.Equal(t, 1, cleaner.calls)

	_, err = svc.ReadMemory(env, capsuleID, memID, "")
	require.True(t, apperr.Is(err, apperr.NotFound))
}

func TestListMemoriesOrderedAndPaginated(t *testing.T) {
	svc := newService()
	alice := model.Subject("alice")
	env := envctx.NewFake(alice, 1000)
	capsuleID, err := svc.CreateCapsule(env, alice, false)
	require.NoError(t, err)

	var created []ids.MemoryId
	for i := 0; i < 5; i++ {
		id, err := svc.CreateMemory(env, capsuleID, MemoryDescriptor{Kind: model.KindNote}, "", "")
		require.NoError(t, err)
		created = append(created, id)
	}

	page1, cursor, err := svc.ListMemories(env, capsuleID, "", 3, "")
	require.NoError(t, err)
	require.Len(t, page1, 3)
	require.NotEmpty(t, cursor)

	page2, cursor2, err := svc.ListMemories(env, capsuleID, cursor, 3, "")
	require.NoError(t, err)
	require.Len(t, page2, 2)
	require.Empty(t, cursor2)
}

func TestDeleteMemoriesBulkReportsSkippedMissing(t *testing.T) {
	svc := newService()
	alice := model.Subject("alice")
	env := envctx.NewFake(alice, 1000)
	capsuleID, err := svc.CreateCapsule(env, alice, false)
	require.NoError(t, err)

	id1, err := svc.CreateMemory(env, capsuleID, MemoryDescriptor{Kind: model.KindNote}, "", "")
	require.NoError(t, err)

	report, err := svc.DeleteMemoriesBulk(env, capsuleID, []ids.MemoryId{id1, "does-not-exist"}, false, nil, "")
	require.NoError(t, err)
	require.Equal(t, 2, report.Attempted)
	require.Equal(t, 1, report.Deleted)
	require.Equal(t, 1, report.SkippedMissing)
	require.Empty(t, report.Failed)
}

func TestDeleteAllMemories(t *testing.T) {
	svc := newService()
	alice := model.Subject("alice")
	env := envctx.NewFake(alice, 1000)
	capsuleID, err := svc.CreateCapsule(env, alice, false)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := svc.CreateMemory(env, capsuleID, MemoryDescriptor{Kind: model.KindNote}, "", "")
		require.NoError(t, err)
	}

	report, err := svc.DeleteAllMemories(env, capsuleID, false, nil, "")
	require.NoError(t, err)
	require.Equal(t, 3, report.Attempted)
	require.Equal(t, 3, report.Deleted)

	c, err := svc.ReadCapsule(env, capsuleID, "")
	require.NoError(t, err)
	require.Empty(t, c.Memories)
}
