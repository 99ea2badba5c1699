// Package token implements the Token-Gated Asset Serving Core (§4.I): a
// short-lived, HMAC-signed, stateless token that lets an outside channel
// fetch an asset without forwarding caller context on every byte. Key
// material is encrypted at rest via pkg/security.KeyWrapper and persisted
// through storage.Store.SaveKeyRing/GetKeyRing.
package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"github.com/capsulekit/engine/pkg/acl"
	"github.com/capsulekit/engine/pkg/apperr"
	"github.com/capsulekit/engine/pkg/capsule"
	"github.com/capsulekit/engine/pkg/config"
	"github.com/capsulekit/engine/pkg/envctx"
	"github.com/capsulekit/engine/pkg/ids"
	"github.com/capsulekit/engine/pkg/metrics"
	"github.com/capsulekit/engine/pkg/model"
	"github.com/capsulekit/engine/pkg/security"
	"github.com/capsulekit/engine/pkg/storage"
)

const tokenVersion = 1

// Scope bounds what a minted token authorizes access to.
type Scope struct {
	MemoryID ids.MemoryId  `json:"memory_id"`
	Variants []string      `json:"variants,omitempty"`
	AssetIDs []ids.AssetId `json:"asset_ids,omitempty"`
}

// Contains reports whether the requested (asset, variant) pair is inside
// scope. An empty Variants/AssetIDs list means "unrestricted" along that
// axis.
func (s Scope) Contains(assetID ids.AssetId, variant string) bool {
	if len(s.AssetIDs) > 0 {
		found := false
		for _, a := range s.AssetIDs {
			if a == assetID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(s.Variants) > 0 {
		found := false
		for _, v := range s.Variants {
			if v == variant {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// payload is the token's opaque contents, never exposed to clients
// except as the signed, encoded string.
type payload struct {
	Ver    int    `json:"ver"`
	KeyID  string `json:"key_id"`
	ExpNs  int64  `json:"exp_ns"`
	Scope  Scope  `json:"scope"`
	Nonce  string `json:"nonce"`
}

// key is one HMAC signing key, tagged with a version id for rotation.
type key struct {
	ID     string `json:"id"`
	Secret []byte `json:"secret"`
}

// ring is the persisted, wrapped shape of the current+previous keys.
type ring struct {
	Current  key  `json:"current"`
	Previous *key `json:"previous,omitempty"`
}

// Manager mints and verifies tokens and owns key rotation. Exactly one
// Manager should exist per process; its ring is the only process-wide
// mutable state besides config, per §9.
type Manager struct {
	store   storage.Store
	wrapper *security.KeyWrapper
	cfg     *config.Live

	mu   sync.RWMutex
	ring ring
}

// NewManager loads a persisted key ring, or mints and persists a fresh
// one if none exists yet (first boot).
func NewManager(env envctx.Env, store storage.Store, wrapper *security.KeyWrapper, cfg *config.Live) (*Manager, error) {
	m := &Manager{store: store, wrapper: wrapper, cfg: cfg}

	wrapped, err := store.GetKeyRing()
	if err != nil {
		if !apperr.Is(err, apperr.NotFound) {
			metrics.RegisterComponent("token_manager", false, err.Error())
			return nil, err
		}
		if err := m.rotate(env, nil); err != nil {
			metrics.RegisterComponent("token_manager", false, err.Error())
			return nil, err
		}
		metrics.RegisterComponent("token_manager", true, "fresh key ring")
		return m, nil
	}

	raw, err := wrapper.Unwrap(wrapped)
	if err != nil {
		metrics.RegisterComponent("token_manager", false, "unwrap failed")
		return nil, apperr.Wrap(apperr.Internal, "unwrap persisted key ring", err)
	}
	var r ring
	if err := json.Unmarshal(raw, &r); err != nil {
		metrics.RegisterComponent("token_manager", false, "decode failed")
		return nil, apperr.Wrap(apperr.Internal, "decode persisted key ring", err)
	}
	m.ring = r
	metrics.RegisterComponent("token_manager", true, "loaded")
	return m, nil
}

// Rotate generates a fresh signing key, demoting the current one to
// previous. Tokens minted under the old key remain verifiable until they
// expire, per §4.I's rotation contract.
func (m *Manager) Rotate(env envctx.Env) (string, error) {
	m.mu.RLock()
	current := m.ring.Current
	m.mu.RUnlock()
	if err := m.rotate(env, &current); err != nil {
		return "", err
	}
	metrics.KeyRotationsTotal.Inc()
	return m.newKeyID(), nil
}

func (m *Manager) newKeyID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ring.Current.ID
}

func (m *Manager) rotate(env envctx.Env, demote *key) error {
	secret, err := randomSecret(env)
	if err != nil {
		return err
	}
	idBytes, err := randomSecret(env)
	if err != nil {
		return err
	}
	newKey := key{ID: base64.RawURLEncoding.EncodeToString(idBytes[:8]), Secret: secret}

	m.mu.Lock()
	if demote != nil {
		prev := *demote
		m.ring.Previous = &prev
	}
	m.ring.Current = newKey
	snapshot := m.ring
	m.mu.Unlock()

	return m.persist(snapshot)
}

func randomSecret(env envctx.Env) ([]byte, error) {
	if env != nil {
		if b, err := env.RandomBytes(32); err == nil {
			return b, nil
		}
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, apperr.Wrap(apperr.TransientUnavailable, "generate signing key", err)
	}
	return buf, nil
}

func (m *Manager) persist(r ring) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "encode key ring", err)
	}
	wrapped, err := m.wrapper.Wrap(raw)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "wrap key ring", err)
	}
	return m.store.SaveKeyRing(wrapped)
}

func (m *Manager) keyByID(id string) (key, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ring.Current.ID == id {
		return m.ring.Current, true
	}
	if m.ring.Previous != nil && m.ring.Previous.ID == id {
		return *m.ring.Previous, true
	}
	return key{}, false
}

// Mint issues a token scoped to memoryID (and, if given, a specific set
// of assetIDs/variants), requiring the caller hold VIEW on the memory.
// ttl must not exceed the configured max.
func (m *Manager) Mint(env envctx.Env, capsuleSvc *capsule.Service, capsuleID ids.CapsuleId, memoryID ids.MemoryId, assetIDs []ids.AssetId, variants []string, ttl time.Duration) (string, error) {
	cfg := m.cfg.Get()
	if ttl <= 0 || ttl > time.Duration(cfg.TokenMaxTTLSeconds)*time.Second {
		return "", apperr.InvalidArgumentf("ttl must be in (0, %ds]", cfg.TokenMaxTTLSeconds)
	}

	mem, err := capsuleSvc.ReadMemory(env, capsuleID, memoryID, "")
	if err != nil {
		return "", err
	}
	for _, assetID := range assetIDs {
		found := false
		for _, a := range mem.Assets {
			if a.ID == assetID {
				found = true
				break
			}
		}
		if !found {
			return "", apperr.NotFoundf("asset %s not found on memory %s", assetID, memoryID)
		}
	}

	nonceBytes, err := env.RandomBytes(12)
	if err != nil {
		nonceBytes = deterministicNonce(env.Now(), env.Caller(), memoryID)
	}

	m.mu.RLock()
	keyID := m.ring.Current.ID
	secret := m.ring.Current.Secret
	m.mu.RUnlock()

	p := payload{
		Ver:   tokenVersion,
		KeyID: keyID,
		ExpNs: env.Now() + ttl.Nanoseconds(),
		Scope: Scope{MemoryID: memoryID, Variants: variants, AssetIDs: assetIDs},
		Nonce: base64.RawURLEncoding.EncodeToString(nonceBytes),
	}
	tok, err := encode(p, secret)
	if err != nil {
		return "", err
	}
	metrics.TokensMintedTotal.Inc()
	return tok, nil
}

func deterministicNonce(nowNanos int64, caller model.PersonRef, memoryID ids.MemoryId) []byte {
	h := sha256.New()
	h.Write([]byte(caller.Key()))
	h.Write([]byte(memoryID))
	buf := make([]byte, 8)
	for i := 0; i < 8; i++ {
		buf[i] = byte(nowNanos >> (8 * i))
	}
	h.Write(buf)
	return h.Sum(nil)[:12]
}

func encode(p payload, secret []byte) (string, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, "encode token payload", err)
	}
	encodedBody := base64.RawURLEncoding.EncodeToString(body)
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(encodedBody))
	tag := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return encodedBody + "." + tag, nil
}

func split(token string) (body, tag string, ok bool) {
	for i := 0; i < len(token); i++ {
		if token[i] == '.' {
			return token[:i], token[i+1:], true
		}
	}
	return "", "", false
}

// VerifyResult is returned on a successful verification.
type VerifyResult struct {
	Scope Scope
	KeyID string
}

// Verify checks a token's signature, expiry, and scope, then re-checks
// that the scoped memory's ACL still admits VIEW for the bearer's
// effective context (public access or a presented magic-link token,
// since a bearer token carries no authenticated identity of its own).
func (m *Manager) Verify(env envctx.Env, tokenString string, capsuleRecord *model.Capsule, memoryRecord *model.Memory, requestedAssetID ids.AssetId, requestedVariant string, bearerMagicLink string) (_ VerifyResult, err error) {
	defer func() {
		outcome := "verified"
		if err != nil {
			outcome = string(apperr.KindOf(err))
		}
		metrics.TokenVerifyTotal.WithLabelValues(outcome).Inc()
	}()

	encodedBody, tag, ok := split(tokenString)
	if !ok {
		return VerifyResult{}, apperr.Unauthorizedf("malformed token")
	}

	body, err := base64.RawURLEncoding.DecodeString(encodedBody)
	if err != nil {
		return VerifyResult{}, apperr.Unauthorizedf("malformed token body")
	}
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return VerifyResult{}, apperr.Unauthorizedf("malformed token payload")
	}

	signingKey, ok := m.keyByID(p.KeyID)
	if !ok {
		return VerifyResult{}, apperr.Unauthorizedf("unknown signing key %s", p.KeyID)
	}

	gotTag, err := base64.RawURLEncoding.DecodeString(tag)
	if err != nil {
		return VerifyResult{}, apperr.Unauthorizedf("malformed token signature")
	}
	mac := hmac.New(sha256.New, signingKey.Secret)
	mac.Write([]byte(encodedBody))
	if !hmac.Equal(mac.Sum(nil), gotTag) {
		return VerifyResult{}, apperr.Unauthorizedf("token signature does not match")
	}

	if p.ExpNs <= env.Now() {
		return VerifyResult{}, apperr.Unauthorizedf("token expired")
	}
	if p.Scope.MemoryID != memoryRecord.ID {
		return VerifyResult{}, apperr.Unauthorizedf("token scope does not cover memory %s", memoryRecord.ID)
	}
	if !p.Scope.Contains(requestedAssetID, requestedVariant) {
		return VerifyResult{}, apperr.Unauthorizedf("token scope does not cover the requested asset/variant")
	}

	result := acl.EvaluateMemory(capsuleRecord, memoryRecord, acl.Context{
		NowNanos:       env.Now(),
		MagicLinkToken: bearerMagicLink,
		PublicBaseline: m.cfg.Get().PublicBaselineMask,
	})
	if err = acl.Require(result, model.MaskView); err != nil {
		return VerifyResult{}, err
	}

	return VerifyResult{Scope: p.Scope, KeyID: p.KeyID}, nil
}
