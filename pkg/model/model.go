// Package model holds the engine's data model (component E and the
// aggregate shapes referenced throughout §3): PersonRef, the permission
// Mask, Capsule, Memory, Asset, Blob, UploadSession, and the supporting
// grant/report types. These are plain structs with JSON tags; nothing in
// this package performs I/O or ACL evaluation.
package model

import "github.com/capsulekit/engine/pkg/ids"

// PersonRefKind distinguishes an authenticated principal from an opaque
// subject handle (e.g. a pre-registration placeholder).
type PersonRefKind string

const (
	PersonPrincipal PersonRefKind = "principal"
	PersonSubject   PersonRefKind = "subject"
)

// PersonRef is a principal identity or an opaque subject handle. It is
// comparable, so it can be used directly as a Go map key.
type PersonRef struct {
	Kind  PersonRefKind `json:"kind"`
	Value string        `json:"value"`
}

// Principal builds a PersonRef for an authenticated caller identity.
func Principal(id string) PersonRef { return PersonRef{Kind: PersonPrincipal, Value: id} }

// Subject builds a PersonRef for an opaque subject handle.
func Subject(handle string) PersonRef { return PersonRef{Kind: PersonSubject, Value: handle} }

// Equal reports structural equality between two PersonRefs.
func (p PersonRef) Equal(o PersonRef) bool { return p.Kind == o.Kind && p.Value == o.Value }

// Key renders a stable map/bucket key for this PersonRef.
func (p PersonRef) Key() string { return string(p.Kind) + ":" + p.Value }

// Mask is the ACL kernel's permission bitmask (component D). Each named
// constant already folds in the bits of every permission it implies, so
// gating code can compare with a simple AND: VIEW ⊂ DOWNLOAD ⊂ SHARE ⊂
// MANAGE ⊂ OWN.
type Mask uint8

const (
	MaskNone     Mask = 0
	MaskView     Mask = 1 << 0
	MaskDownload Mask = (1 << 1) | MaskView
	MaskShare    Mask = (1 << 2) | MaskDownload
	MaskManage   Mask = (1 << 3) | MaskShare
	MaskOwn      Mask = (1 << 4) | MaskManage
)

// Has reports whether m contains every bit of required.
func (m Mask) Has(required Mask) bool { return m&required == required }

// String renders the highest permission implied by m, for logging.
func (m Mask) String() string {
	switch {
	case m.Has(MaskOwn):
		return "own"
	case m.Has(MaskManage):
		return "manage"
	case m.Has(MaskShare):
		return "share"
	case m.Has(MaskDownload):
		return "download"
	case m.Has(MaskView):
		return "view"
	default:
		return "none"
	}
}

// OwnerEntry records a primary or co-owner of a capsule.
type OwnerEntry struct {
	Subject PersonRef `json:"subject"`
	Primary bool      `json:"primary"`
	AddedAt int64     `json:"added_at"`
}

// ControllerEntry records a delegated controller, optionally time-bound.
type ControllerEntry struct {
	Subject    PersonRef `json:"subject"`
	GrantedAt  int64     `json:"granted_at"`
	ExpiresAt  *int64    `json:"expires_at,omitempty"`
}

// Expired reports whether this delegation has lapsed as of now.
func (c ControllerEntry) Expired(nowNanos int64) bool {
	return c.ExpiresAt != nil && nowNanos >= *c.ExpiresAt
}

// ConnectionStatus describes the state of a social-graph edge.
type ConnectionStatus string

const (
	ConnectionPending ConnectionStatus = "pending"
	ConnectionActive  ConnectionStatus = "active"
	ConnectionBlocked ConnectionStatus = "blocked"
)

// ConnectionEntry is a social graph edge between a capsule's subject and
// another PersonRef, carrying a status and an opaque role label.
type ConnectionEntry struct {
	Subject   PersonRef        `json:"subject"`
	Status    ConnectionStatus `json:"status"`
	Role      string           `json:"role,omitempty"`
	CreatedAt int64            `json:"created_at"`
}

// AccessValidity classifies how an AccessEntry becomes and stays active.
type AccessValidity string

const (
	ValidityPublic    AccessValidity = "public"
	ValidityAfterTime AccessValidity = "after_time"
	ValidityMagicLink AccessValidity = "magic_link"
	ValidityGroup     AccessValidity = "group"
)

// AccessScope is the resource level an AccessEntry applies to.
type AccessScope string

const (
	ScopeCapsule AccessScope = "capsule"
	ScopeMemory  AccessScope = "memory"
)

// AccessEntry is a resource-scoped grant. SubjectRule is matched against
// the caller's context by pkg/acl (e.g. "person:<id>", "group:<id>",
// "magic:<token>", "public"). There are no negative grants: revocation is
// deleting or letting an entry expire.
type AccessEntry struct {
	SubjectRule     string         `json:"subject_rule"`
	PermissionsMask Mask           `json:"permissions_mask"`
	Scope           AccessScope    `json:"scope"`
	Validity        AccessValidity `json:"validity"`
	CreatedAt       int64          `json:"created_at"`
	ExpiresAt       *int64         `json:"expires_at,omitempty"`
}

// Active reports whether this entry is currently in force.
func (a AccessEntry) Active(nowNanos int64) bool {
	if a.ExpiresAt != nil && nowNanos >= *a.ExpiresAt {
		return false
	}
	if a.Validity == ValidityAfterTime && nowNanos < a.CreatedAt {
		return false
	}
	return true
}

// MemoryKind is the closed set of memory content kinds.
type MemoryKind string

const (
	KindImage    MemoryKind = "image"
	KindVideo    MemoryKind = "video"
	KindAudio    MemoryKind = "audio"
	KindDocument MemoryKind = "document"
	KindNote     MemoryKind = "note"
)

// AssetRole is the role an asset plays within a memory (called "Variant"
// in the glossary; renamed here to avoid confusion with StorageClass).
type AssetRole string

const (
	RoleOriginal    AssetRole = "original"
	RoleDisplay     AssetRole = "display"
	RoleThumbnail   AssetRole = "thumbnail"
	RolePlaceholder AssetRole = "placeholder"
	RolePreview     AssetRole = "preview"
	RoleDerivative  AssetRole = "derivative"
	RoleMetadata    AssetRole = "metadata"
)

// StorageClass tags which of the three asset storage strategies holds an
// asset's bytes.
type StorageClass string

const (
	StorageInline       StorageClass = "inline"
	StorageBlobInternal StorageClass = "blob_internal"
	StorageBlobExternal StorageClass = "blob_external"
)

// Asset is the sum type over storage classes, flattened into one struct
// with class-specific fields left zero for the classes that don't use
// them. At most one Asset per (Role) pair may exist on a Memory.
type Asset struct {
	ID    ids.AssetId  `json:"id"`
	Role  AssetRole    `json:"role"`
	Class StorageClass `json:"class"`
	Mime  string       `json:"mime"`
	Size  int64        `json:"size"`
	SHA256 string      `json:"sha256"`

	// StorageInline only.
	InlineBytes []byte `json:"inline_bytes,omitempty"`

	// StorageBlobInternal only.
	BlobID ids.BlobId `json:"blob_id,omitempty"`

	// StorageBlobExternal only.
	Provider    string `json:"provider,omitempty"`
	LocationKey string `json:"location_key,omitempty"`
	URL         string `json:"url,omitempty"`

	// ExternalOnly marks a derivative/display/etc. asset that is allowed
	// to exist without a sibling Original, per §3 invariant (d).
	ExternalOnly bool  `json:"external_only,omitempty"`
	CreatedAt    int64 `json:"created_at"`
}

// Location is an optional geo-tag on a Memory.
type Location struct {
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
	Name string  `json:"name,omitempty"`
}

// Memory is a single logical content item owned by a Capsule.
type Memory struct {
	ID          ids.MemoryId   `json:"id"`
	CapsuleID   ids.CapsuleId  `json:"capsule_id"`
	Kind        MemoryKind     `json:"kind"`
	CreatedAt   int64          `json:"created_at"`
	UpdatedAt   int64          `json:"updated_at"`
	Title       *string        `json:"title,omitempty"`
	Description *string        `json:"description,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Dates       []int64        `json:"dates,omitempty"`
	People      []PersonRef    `json:"people,omitempty"`
	Location    *Location      `json:"location,omitempty"`
	Assets      []Asset        `json:"assets,omitempty"`
	AccessEntries []AccessEntry `json:"access_entries,omitempty"`
	Public        bool          `json:"public,omitempty"`
	IdempotencyKey *string      `json:"idempotency_key,omitempty"`
}

// OriginalAsset returns the memory's Original asset, if any.
func (m *Memory) OriginalAsset() *Asset {
	for i := range m.Assets {
		if m.Assets[i].Role == RoleOriginal {
			return &m.Assets[i]
		}
	}
	return nil
}

// AssetByRole returns the asset with the given role, if present.
func (m *Memory) AssetByRole(role AssetRole) *Asset {
	for i := range m.Assets {
		if m.Assets[i].Role == role {
			return &m.Assets[i]
		}
	}
	return nil
}

// InlineFootprint sums the size of every inline asset on this memory.
func (m *Memory) InlineFootprint() int64 {
	var total int64
	for _, a := range m.Assets {
		if a.Class == StorageInline {
			total += a.Size
		}
	}
	return total
}

// Capsule is the aggregate root: a user-owned collection of memories plus
// the ACL state that governs access to them.
type Capsule struct {
	ID        ids.CapsuleId `json:"id"`
	Subject   PersonRef     `json:"subject"`
	CreatedAt int64         `json:"created_at"`
	UpdatedAt int64         `json:"updated_at"`

	Owners      map[string]OwnerEntry      `json:"owners"`
	Controllers map[string]ControllerEntry `json:"controllers,omitempty"`
	Connections map[string]ConnectionEntry `json:"connections,omitempty"`

	AccessEntries []AccessEntry `json:"access_entries,omitempty"`

	Memories map[ids.MemoryId]*Memory `json:"memories"`

	InlineBytesUsed int64 `json:"inline_bytes_used"`
	Public          bool  `json:"public,omitempty"`

	// SchemaVersion supports the lazy up-migration discipline in §9:
	// unknown fields are tolerated on read, and readers may branch on
	// this to backfill fields introduced after a capsule was written.
	SchemaVersion int `json:"schema_version"`

	// Version is an optimistic-concurrency counter bumped on every
	// successful write. A caller that read an older Version loses the
	// race and gets apperr.Conflict back from pkg/storage.
	Version int64 `json:"version"`
}

// IsOwner reports whether subject appears in Owners.
func (c *Capsule) IsOwner(subject PersonRef) bool {
	_, ok := c.Owners[subject.Key()]
	return ok
}

// ActiveController returns the ControllerEntry for subject if one exists
// and has not expired as of nowNanos.
func (c *Capsule) ActiveController(subject PersonRef, nowNanos int64) (ControllerEntry, bool) {
	ce, ok := c.Controllers[subject.Key()]
	if !ok || ce.Expired(nowNanos) {
		return ControllerEntry{}, false
	}
	return ce, true
}

// RecomputeInlineBytesUsed sums inline footprints across all memories.
// Used by reconciliation and by tests asserting the §8 accounting
// invariant.
func (c *Capsule) RecomputeInlineBytesUsed() int64 {
	var total int64
	for _, m := range c.Memories {
		total += m.InlineFootprint()
	}
	return total
}

// Blob is the durable metadata record for a deduplicated, chunked blob.
// Chunk bytes themselves live in the BLOB_CHUNKS map (pkg/storage),
// addressed by (HashPrefix, page index).
type Blob struct {
	ID         ids.BlobId `json:"id"`
	HashPrefix string     `json:"hash_prefix"`
	SHA256     string     `json:"sha256"`
	TotalSize  int64      `json:"total_size"`
	ChunkSize  int64      `json:"chunk_size"`
	ChunkCount int        `json:"chunk_count"`
	Mime       string     `json:"mime,omitempty"`
	CreatedAt  int64      `json:"created_at"`
}

// SessionStatus is the upload session lifecycle state (§4.G).
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionReceiving SessionStatus = "receiving"
	SessionFinished  SessionStatus = "finished"
	SessionAborted   SessionStatus = "aborted"
	SessionExpired   SessionStatus = "expired"
)

// Terminal reports whether a session status is write-once-terminal.
func (s SessionStatus) Terminal() bool {
	return s == SessionFinished || s == SessionAborted || s == SessionExpired
}

// UploadSession tracks one in-flight chunked upload.
type UploadSession struct {
	ID                ids.SessionId `json:"id"`
	CapsuleID         ids.CapsuleId `json:"capsule_id"`
	Caller            PersonRef     `json:"caller"`
	DeclaredTotalSize int64         `json:"declared_total_size"`
	ExpectedSHA256    string        `json:"expected_sha256,omitempty"`
	ChunkSize         int64         `json:"chunk_size"`
	ChunkCount        int           `json:"chunk_count"`

	// ChunksReceived is a bitmap keyed by chunk index.
	ChunksReceived []bool `json:"chunks_received"`
	// ChunkSHA256 records the content hash of whatever bytes currently
	// occupy each index, so a duplicate put_chunk can be accepted or
	// rejected by comparing hashes instead of re-reading the chunk.
	ChunkSHA256 []string `json:"chunk_sha256"`

	BytesReceived int64 `json:"bytes_received"`
	Status        SessionStatus `json:"status"`

	// TmpHashPrefix is the provisional BLOB_CHUNKS key prefix used while
	// the session is open, before the final sha-256 (and therefore the
	// permanent hash prefix) is known.
	TmpHashPrefix string `json:"tmp_hash_prefix"`

	CreatedAt  int64 `json:"created_at"`
	DeadlineAt int64 `json:"deadline_at"`
}

// BitmapFull reports whether every chunk index has been received.
func (s *UploadSession) BitmapFull() bool {
	for _, b := range s.ChunksReceived {
		if !b {
			return false
		}
	}
	return true
}

// Tombstone explains the removal of a blob that no longer has chunk data,
// satisfying the §8 invariant that every BlobInternal asset's blob either
// exists or has a structured tombstone.
type Tombstone struct {
	BlobID ids.BlobId `json:"blob_id"`
	Reason string     `json:"reason"`
	At     int64      `json:"at"`
}

// BulkFailure pairs an id with the apperr.Kind that stopped its deletion.
type BulkFailure struct {
	ID   ids.MemoryId `json:"id"`
	Kind string       `json:"kind"`
}

// BulkDeleteResult is the structured report every bulk operation (§4.J)
// returns, whether called directly or via the memories_delete_bulk /
// memories_delete_all convenience wrappers in §4.F.
type BulkDeleteResult struct {
	Attempted      int           `json:"attempted"`
	Deleted        int           `json:"deleted"`
	SkippedMissing int           `json:"skipped_missing"`
	Failed         []BulkFailure `json:"failed"`
}
