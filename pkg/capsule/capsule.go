// Package capsule implements the Capsule Store API (§4.F): the
// ACL-gated, idempotency-aware operations the rest of the engine and its
// callers use to create, read, update, and delete capsules and the
// memories inside them. Every operation composes pkg/acl for gating,
// pkg/storage for durability, and pkg/envctx for caller/clock/random
// traits; none of them talk to bbolt or zerolog directly.
package capsule

import (
	"sort"

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

// recordOp observes one capsule-operation call: its outcome (by apperr
// Kind, or "success") in CapsuleOpsTotal and its wall time in
// CapsuleOpDuration.
func recordOp(timer *metrics.Timer, operation string, err error) {
	outcome := "success"
	if err != nil {
		outcome = string(apperr.KindOf(err))
	}
	metrics.CapsuleOpsTotal.WithLabelValues(operation, outcome).Inc()
	timer.ObserveDurationVec(metrics.CapsuleOpDuration, operation)
}

// Service is the Capsule Store API. It holds no per-request state; every
// method takes the requesting Env explicitly so the same Service can
// serve any number of concurrent callers.
type Service struct {
	store storage.Store
	cfg   *config.Live
}

func New(store storage.Store, cfg *config.Live) *Service {
	return &Service{store: store, cfg: cfg}
}

func (s *Service) aclContext(env envctx.Env, magicLinkToken string) acl.Context {
	return acl.Context{
		Subject:        env.Caller(),
		NowNanos:       env.Now(),
		MagicLinkToken: magicLinkToken,
		PublicBaseline: s.cfg.Get().PublicBaselineMask,
	}
}

// CreateCapsule creates a capsule for subject. A self-capsule (subject ==
// caller) always succeeds; creating on behalf of another subject requires
// MANAGE on an existing capsule for that subject, which the routing layer
// is expected to have already checked and passed in as allowCrossSubject
// (the kernel itself has no notion of "elsewhere").
func (s *Service) CreateCapsule(env envctx.Env, subject model.PersonRef, allowCrossSubject bool) (_ ids.CapsuleId, err error) {
	timer := metrics.NewTimer()
	defer func() { recordOp(timer, "create_capsule", err) }()

	caller := env.Caller()
	if !subject.Equal(caller) && !allowCrossSubject {
		return "", apperr.Unauthorizedf("creating a capsule for %s requires MANAGE elsewhere", subject.Value)
	}

	id, err := ids.NewCapsuleId()
	if err != nil {
		return "", err
	}
	now := env.Now()
	c := &model.Capsule{
		ID:          id,
		Subject:     subject,
		CreatedAt:   now,
		UpdatedAt:   now,
		Owners:      map[string]model.OwnerEntry{caller.Key(): {Subject: caller, Primary: true, AddedAt: now}},
		Controllers: map[string]model.ControllerEntry{},
		Connections: map[string]model.ConnectionEntry{},
		Memories:    map[ids.MemoryId]*model.Memory{},
	}
	if err := s.store.CreateCapsule(c); err != nil {
		return "", err
	}
	metrics.CapsulesTotal.Inc()
	log.WithCapsuleID(id.String()).Info().Str("subject", subject.Value).Msg("capsule created")
	return id, nil
}

// ReadCapsule returns a capsule, gated on VIEW.
func (s *Service) ReadCapsule(env envctx.Env, id ids.CapsuleId, magicLinkToken string) (_ *model.Capsule, err error) {
	timer := metrics.NewTimer()
	defer func() { recordOp(timer, "read_capsule", err) }()

	c, err := s.store.GetCapsule(id)
	if err != nil {
		return nil, err
	}
	result := acl.EvaluateCapsule(c, s.aclContext(env, magicLinkToken))
	if err = acl.Require(result, model.MaskView); err != nil {
		return nil, err
	}
	return c, nil
}

// ListCapsulesForSubject returns a page of capsules whose Subject matches,
// ordered by id. Pagination is cursor-based; limit is bounded to a sane
// maximum to keep a single call's work bounded per §5.
func (s *Service) ListCapsulesForSubject(subject model.PersonRef, cursor string, limit int) ([]*model.Capsule, string, error) {
	const maxPageSize = 200
	if limit <= 0 || limit > maxPageSize {
		limit = maxPageSize
	}
	return s.store.ListCapsulesForSubject(subject, cursor, limit)
}

// CapsulePatch is a partial update to a capsule's mutable fields. Nil
// pointers leave the corresponding field untouched.
type CapsulePatch struct {
	Public *bool
}

// UpdateCapsule applies patch to a capsule, gated on MANAGE, stamping
// UpdatedAt and bumping Version via the store's optimistic concurrency
// check.
func (s *Service) UpdateCapsule(env envctx.Env, id ids.CapsuleId, patch CapsulePatch, magicLinkToken string) (_ *model.Capsule, err error) {
	timer := metrics.NewTimer()
	defer func() { recordOp(timer, "update_capsule", err) }()

	current, err := s.store.GetCapsule(id)
	if err != nil {
		return nil, err
	}
	result := acl.EvaluateCapsule(current, s.aclContext(env, magicLinkToken))
	if err = acl.Require(result, model.MaskManage); err != nil {
		return nil, err
	}

	now := env.Now()
	return s.store.UpdateCapsule(id, current.Version, func(c *model.Capsule) error {
		if patch.Public != nil {
			c.Public = *patch.Public
		}
		c.UpdatedAt = now
		return nil
	})
}

// DeleteCapsule removes a capsule and every memory it contains, gated on
// OWN. Blob cleanup for referenced assets is best-effort and delegated to
// pkg/blobstore by the caller; this method only removes the aggregate
// record and reports how many memories were cascaded.
func (s *Service) DeleteCapsule(env envctx.Env, id ids.CapsuleId, magicLinkToken string) (_ int, err error) {
	timer := metrics.NewTimer()
	defer func() { recordOp(timer, "delete_capsule", err) }()

	c, err := s.store.GetCapsule(id)
	if err != nil {
		return 0, err
	}
	result := acl.EvaluateCapsule(c, s.aclContext(env, magicLinkToken))
	if err = acl.Require(result, model.MaskOwn); err != nil {
		return 0, err
	}
	cascaded := len(c.Memories)
	if err = s.store.DeleteCapsule(id); err != nil {
		return 0, err
	}
	metrics.CapsulesTotal.Dec()
	metrics.MemoriesTotal.Sub(float64(cascaded))
	log.WithCapsuleID(id.String()).Info().Int("memories_cascaded", cascaded).Msg("capsule deleted")
	return cascaded, nil
}

// MemoryDescriptor is the caller-supplied shape for memories_create; the
// server fills in id, timestamps, and normalizes tags per §4.E.
type MemoryDescriptor struct {
	Kind        model.MemoryKind
	Title       *string
	Description *string
	Tags        []string
	Dates       []int64
	People      []model.PersonRef
	Location    *model.Location
}

// normalizeTags trims whitespace and de-duplicates while preserving
// first-seen order, per §4.E ("uppercase-fold is NOT applied; trimming
// and de-duplication ARE; order is preserved after de-dup").
func normalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = trimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && isSpace(s[start]) {
		start++
	}
	for end > start && isSpace(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isSpace(b byte) bool { return b == ' ' || b == '\t' || b == '\n' || b == '\r' }

// CreateMemory creates a memory under capsuleID, gated on MANAGE. If
// idempotencyKey is non-empty and already present on an existing memory
// in the same capsule, that memory's id is returned instead of creating
// a duplicate.
func (s *Service) CreateMemory(env envctx.Env, capsuleID ids.CapsuleId, desc MemoryDescriptor, idempotencyKey string, magicLinkToken string) (_ ids.MemoryId, err error) {
	timer := metrics.NewTimer()
	defer func() { recordOp(timer, "create_memory", err) }()

	current, err := s.store.GetCapsule(capsuleID)
	if err != nil {
		return "", err
	}
	result := acl.EvaluateCapsule(current, s.aclContext(env, magicLinkToken))
	if err = acl.Require(result, model.MaskManage); err != nil {
		return "", err
	}

	if idempotencyKey != "" {
		for _, m := range current.Memories {
			if m.IdempotencyKey != nil && *m.IdempotencyKey == idempotencyKey {
				return m.ID, nil
			}
		}
	}

	id, err := ids.NewMemoryId()
	if err != nil {
		return "", err
	}
	now := env.Now()
	m := &model.Memory{
		ID:          id,
		CapsuleID:   capsuleID,
		Kind:        desc.Kind,
		CreatedAt:   now,
		UpdatedAt:   now,
		Title:       desc.Title,
		Description: desc.Description,
		Tags:        normalizeTags(desc.Tags),
		Dates:       desc.Dates,
		People:      desc.People,
		Location:    desc.Location,
	}
	if idempotencyKey != "" {
		key := idempotencyKey
		m.IdempotencyKey = &key
	}

	_, err = s.store.UpdateCapsule(capsuleID, current.Version, func(c *model.Capsule) error {
		if c.Memories == nil {
			c.Memories = map[ids.MemoryId]*model.Memory{}
		}
		c.Memories[id] = m
		return nil
	})
	if err != nil {
		return "", err
	}
	metrics.MemoriesTotal.Inc()
	return id, nil
}

// ReadMemory returns a memory, gated on VIEW against the combined
// capsule+memory access entries.
func (s *Service) ReadMemory(env envctx.Env, capsuleID ids.CapsuleId, memoryID ids.MemoryId, magicLinkToken string) (_ *model.Memory, err error) {
	timer := metrics.NewTimer()
	defer func() { recordOp(timer, "read_memory", err) }()

	c, err := s.store.GetCapsule(capsuleID)
	if err != nil {
		return nil, err
	}
	m, ok := c.Memories[memoryID]
	if !ok {
		return nil, apperr.NotFoundf("memory %s not found in capsule %s", memoryID, capsuleID)
	}
	result := acl.EvaluateMemory(c, m, s.aclContext(env, magicLinkToken))
	if err = acl.Require(result, model.MaskView); err != nil {
		return nil, err
	}
	return m, nil
}

// MemoryPatch is a partial update to a memory's mutable fields.
type MemoryPatch struct {
	Title       *string
	Description *string
	Tags        []string
	Dates       []int64
	People      []model.PersonRef
	Location    *model.Location
}

// UpdateMemory applies patch to a memory, gated on MANAGE.
func (s *Service) UpdateMemory(env envctx.Env, capsuleID ids.CapsuleId, memoryID ids.MemoryId, patch MemoryPatch, magicLinkToken string) (_ *model.Memory, err error) {
	timer := metrics.NewTimer()
	defer func() { recordOp(timer, "update_memory", err) }()

	current, err := s.store.GetCapsule(capsuleID)
	if err != nil {
		return nil, err
	}
	m, ok := current.Memories[memoryID]
	if !ok {
		return nil, apperr.NotFoundf("memory %s not found in capsule %s", memoryID, capsuleID)
	}
	result := acl.EvaluateMemory(current, m, s.aclContext(env, magicLinkToken))
	if err = acl.Require(result, model.MaskManage); err != nil {
		return nil, err
	}

	now := env.Now()
	var updated *model.Memory
	_, err = s.store.UpdateCapsule(capsuleID, current.Version, func(c *model.Capsule) error {
		target, ok := c.Memories[memoryID]
		if !ok {
			return apperr.NotFoundf("memory %s not found in capsule %s", memoryID, capsuleID)
		}
		if patch.Title != nil {
			target.Title = patch.Title
		}
		if patch.Description != nil {
			target.Description = patch.Description
		}
		if patch.Tags != nil {
			target.Tags = normalizeTags(patch.Tags)
		}
		if patch.Dates != nil {
			target.Dates = patch.Dates
		}
		if patch.People != nil {
			target.People = patch.People
		}
		if patch.Location != nil {
			target.Location = patch.Location
		}
		target.UpdatedAt = now
		updated = target
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// AttachAsset attaches asset to a memory and adjusts the capsule's
// InlineBytesUsed accounting, gated on MANAGE. pkg/upload calls this once
// finish_upload has decided an asset's storage class, inside the same
// commit the spec's finish_upload_and_attach variant describes.
//
// §3 Memory invariant (c)/(d): a memory holds at most one asset per role,
// exactly one of which may be Original; a non-Original asset is only
// accepted ahead of its Original if it is flagged ExternalOnly. A second
// asset attached under a role already present replaces the first, so
// retried attach calls stay idempotent rather than accumulating
// duplicates.
func (s *Service) AttachAsset(env envctx.Env, capsuleID ids.CapsuleId, memoryID ids.MemoryId, asset model.Asset, magicLinkToken string) (err error) {
	timer := metrics.NewTimer()
	defer func() { recordOp(timer, "attach_asset", err) }()

	current, err := s.store.GetCapsule(capsuleID)
	if err != nil {
		return err
	}
	m, ok := current.Memories[memoryID]
	if !ok {
		return apperr.NotFoundf("memory %s not found in capsule %s", memoryID, capsuleID)
	}
	result := acl.EvaluateMemory(current, m, s.aclContext(env, magicLinkToken))
	if err = acl.Require(result, model.MaskManage); err != nil {
		return err
	}
	if asset.Role != model.RoleOriginal && !asset.ExternalOnly && m.OriginalAsset() == nil {
		return apperr.InvalidArgumentf("memory %s has no Original asset; attach one or flag %s external-only", memoryID, asset.Role)
	}

	now := env.Now()
	var delta int64
	_, err = s.store.UpdateCapsule(capsuleID, current.Version, func(c *model.Capsule) error {
		target, ok := c.Memories[memoryID]
		if !ok {
			return apperr.NotFoundf("memory %s not found in capsule %s", memoryID, capsuleID)
		}
		before := c.InlineBytesUsed
		if existing := target.AssetByRole(asset.Role); existing != nil {
			*existing = asset
		} else {
			target.Assets = append(target.Assets, asset)
		}
		target.UpdatedAt = now
		c.InlineBytesUsed = c.RecomputeInlineBytesUsed()
		delta = c.InlineBytesUsed - before
		return nil
	})
	if err != nil {
		return err
	}
	metrics.InlineBytesUsed.Add(float64(delta))
	return nil
}

// AssetCleaner releases the storage backing a memory's assets
// (pkg/blobstore implements this); capsule never imports blobstore
// directly to keep the dependency direction one-way.
type AssetCleaner interface {
	ReleaseMemoryAssets(env envctx.Env, m *model.Memory) (deletedAssets int, err error)
}

// DeleteMemory removes a memory from its capsule, gated on MANAGE. If
// deleteAssets, cleaner.ReleaseMemoryAssets runs first so storage is
// freed even if the subsequent metadata removal were to fail partway.
func (s *Service) DeleteMemory(env envctx.Env, capsuleID ids.CapsuleId, memoryID ids.MemoryId, deleteAssets bool, cleaner AssetCleaner, magicLinkToken string) (_ int, err error) {
	timer := metrics.NewTimer()
	defer func() { recordOp(timer, "delete_memory", err) }()

	current, err := s.store.GetCapsule(capsuleID)
	if err != nil {
		return 0, err
	}
	m, ok := current.Memories[memoryID]
	if !ok {
		return 0, nil
	}
	result := acl.EvaluateMemory(current, m, s.aclContext(env, magicLinkToken))
	if err = acl.Require(result, model.MaskManage); err != nil {
		return 0, err
	}

	deletedAssets := 0
	if deleteAssets && cleaner != nil {
		deletedAssets, err = cleaner.ReleaseMemoryAssets(env, m)
		if err != nil {
			return 0, err
		}
	}

	var delta int64
	_, err = s.store.UpdateCapsule(capsuleID, current.Version, func(c *model.Capsule) error {
		before := c.InlineBytesUsed
		delete(c.Memories, memoryID)
		c.InlineBytesUsed = c.RecomputeInlineBytesUsed()
		delta = c.InlineBytesUsed - before
		return nil
	})
	if err != nil {
		return 0, err
	}
	metrics.MemoriesTotal.Dec()
	metrics.InlineBytesUsed.Add(float64(delta))
	return deletedAssets, nil
}

// ListMemories returns a page of a capsule's memories ordered by id,
// gated on VIEW at the capsule level.
func (s *Service) ListMemories(env envctx.Env, capsuleID ids.CapsuleId, cursor ids.MemoryId, limit int, magicLinkToken string) (_ []*model.Memory, _ ids.MemoryId, err error) {
	timer := metrics.NewTimer()
	defer func() { recordOp(timer, "list_memories", err) }()

	c, err := s.store.GetCapsule(capsuleID)
	if err != nil {
		return nil, "", err
	}
	result := acl.EvaluateCapsule(c, s.aclContext(env, magicLinkToken))
	if err = acl.Require(result, model.MaskView); err != nil {
		return nil, "", err
	}

	ordered := make([]*model.Memory, 0, len(c.Memories))
	for _, m := range c.Memories {
		ordered = append(ordered, m)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	if limit <= 0 {
		limit = 50
	}
	start := 0
	if cursor != "" {
		for i, m := range ordered {
			if m.ID > cursor {
				start = i
				break
			}
			start = i + 1
		}
	}
	end := start + limit
	if end > len(ordered) {
		end = len(ordered)
	}
	if start > len(ordered) {
		start = len(ordered)
	}
	page := ordered[start:end]
	var next ids.MemoryId
	if end < len(ordered) {
		next = page[len(page)-1].ID
	}
	return page, next, nil
}

// DeleteMemoriesBulk deletes the named memories per §4.J: iterate in id
// order, stop only on a fatal (non-item-specific) error, and accumulate
// per-item failures otherwise. The configured BulkBatchCap (§6, tunable
// via capsulectl set-bulk-cap) bounds how many memories a single call may
// process; exceeding it is a QuotaExceeded before any memory is touched.
func (s *Service) DeleteMemoriesBulk(env envctx.Env, capsuleID ids.CapsuleId, memoryIDs []ids.MemoryId, deleteAssets bool, cleaner AssetCleaner, magicLinkToken string) (model.BulkDeleteResult, error) {
	sorted := append([]ids.MemoryId(nil), memoryIDs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	if cap := s.cfg.Get().BulkBatchCap; cap > 0 && len(sorted) > cap {
		return model.BulkDeleteResult{}, apperr.QuotaExceededf("bulk delete of %d memories exceeds the configured batch cap of %d", len(sorted), cap)
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.BulkDeleteDuration)

	report := model.BulkDeleteResult{Attempted: len(sorted)}
	for _, id := range sorted {
		c, err := s.store.GetCapsule(capsuleID)
		if err != nil {
			return report, err
		}
		if _, ok := c.Memories[id]; !ok {
			report.SkippedMissing++
			metrics.BulkDeleteItemsTotal.WithLabelValues("skipped_missing").Inc()
			continue
		}
		if _, err := s.DeleteMemory(env, capsuleID, id, deleteAssets, cleaner, magicLinkToken); err != nil {
			report.Failed = append(report.Failed, model.BulkFailure{ID: id, Kind: string(apperr.KindOf(err))})
			metrics.BulkDeleteItemsTotal.WithLabelValues("failed").Inc()
			continue
		}
		report.Deleted++
		metrics.BulkDeleteItemsTotal.WithLabelValues("deleted").Inc()
	}
	return report, nil
}

// DeleteAllMemories deletes every memory currently in capsuleID.
func (s *Service) DeleteAllMemories(env envctx.Env, capsuleID ids.CapsuleId, deleteAssets bool, cleaner AssetCleaner, magicLinkToken string) (model.BulkDeleteResult, error) {
	c, err := s.store.GetCapsule(capsuleID)
	if err != nil {
		return model.BulkDeleteResult{}, err
	}
	memoryIDs := make([]ids.MemoryId, 0, len(c.Memories))
	for id := range c.Memories {
		memoryIDs = append(memoryIDs, id)
	}
	return s.DeleteMemoriesBulk(env, capsuleID, memoryIDs, deleteAssets, cleaner, magicLinkToken)
}
