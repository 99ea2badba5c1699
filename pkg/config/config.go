// Package config loads the engine's upload/ACL/admin knobs (§6's "Upload
// config surface" plus the admin-operation targets) from a YAML file, the
// same serialization choice the rest of this codebase uses for
// non-aggregate configuration.
package config

import (
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/capsulekit/engine/pkg/apperr"
	"github.com/capsulekit/engine/pkg/model"
)

// Config is the engine's tunable surface. A zero-value Config is unsafe
// to use directly; call Defaults() or Load() so every field is populated.
type Config struct {
	InlineMax              int64      `yaml:"inline_max"`
	ChunkSizeMin           int64      `yaml:"chunk_size_min"`
	ChunkSizeMax           int64      `yaml:"chunk_size_max"`
	MaxBlobSize            int64      `yaml:"max_blob_size"`
	InlineBudgetPerCapsule int64      `yaml:"inline_budget_per_capsule"`
	SessionTTLSeconds      int64      `yaml:"session_ttl_seconds"`
	BlobHashPrefixLen      int        `yaml:"blob_hash_prefix_len"`
	PublicBaselineMask     model.Mask `yaml:"public_baseline_mask"`
	BulkBatchCap           int        `yaml:"bulk_batch_cap"`
	TokenMaxTTLSeconds     int64      `yaml:"token_max_ttl_seconds"`
	RootCapsuleID          string     `yaml:"root_capsule_id"`
}

// Defaults returns a Config with every field set to a safe baseline,
// matching the boundary values exercised in §8's test scenarios.
func Defaults() Config {
	return Config{
		InlineMax:              256 * 1024,
		ChunkSizeMin:           64 * 1024,
		ChunkSizeMax:           8 * 1024 * 1024,
		MaxBlobSize:            5 * 1024 * 1024 * 1024,
		InlineBudgetPerCapsule: 64 * 1024 * 1024,
		SessionTTLSeconds:      3600,
		BlobHashPrefixLen:      16,
		PublicBaselineMask:     model.MaskView | model.MaskDownload,
		BulkBatchCap:           500,
		TokenMaxTTLSeconds:     180,
	}
}

// Load reads and parses a YAML config file, filling any field the file
// omits with its Defaults() value.
func Load(path string) (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, apperr.Wrap(apperr.Internal, "read config file", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, apperr.Wrap(apperr.InvalidArgument, "parse config file", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the internal consistency of a Config, independent of
// where it came from.
func (c Config) Validate() error {
	if c.ChunkSizeMin <= 0 || c.ChunkSizeMax < c.ChunkSizeMin {
		return apperr.InvalidArgumentf("chunk_size_min/max are inconsistent: min=%d max=%d", c.ChunkSizeMin, c.ChunkSizeMax)
	}
	if c.InlineMax < 0 {
		return apperr.InvalidArgumentf("inline_max must be non-negative, got %d", c.InlineMax)
	}
	if c.MaxBlobSize <= 0 {
		return apperr.InvalidArgumentf("max_blob_size must be positive, got %d", c.MaxBlobSize)
	}
	if c.BlobHashPrefixLen < 8 || c.BlobHashPrefixLen > 32 {
		return apperr.InvalidArgumentf("blob_hash_prefix_len out of range [8,32]: %d", c.BlobHashPrefixLen)
	}
	if c.BulkBatchCap <= 0 {
		return apperr.InvalidArgumentf("bulk_batch_cap must be positive, got %d", c.BulkBatchCap)
	}
	if c.TokenMaxTTLSeconds <= 0 {
		return apperr.InvalidArgumentf("token_max_ttl_seconds must be positive, got %d", c.TokenMaxTTLSeconds)
	}
	return nil
}

// Live is a concurrency-safe holder for a Config that admin operations
// (§6) mutate behind a mutex. Non-admin code takes a cheap snapshot via
// Get; admin operations themselves are gated by OWN on Config.RootCapsuleID
// at the call site in cmd/capsulectl (requireRootOwn), not here.
type Live struct {
	mu  sync.RWMutex
	cfg Config
}

// NewLive wraps an initial Config for concurrent access.
func NewLive(cfg Config) *Live {
	return &Live{cfg: cfg}
}

// Get returns a snapshot of the current configuration.
func (l *Live) Get() Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// Set atomically replaces the live configuration after validating it.
func (l *Live) Set(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg = cfg
	return nil
}

// SetUploadLimits updates only the upload-related knobs, leaving
// everything else untouched. Grounds the admin operation named in §6
// ("set upload limits").
func (l *Live) SetUploadLimits(inlineMax, chunkMin, chunkMax, maxBlobSize, inlineBudget int64) error {
	next := l.Get()
	next.InlineMax = inlineMax
	next.ChunkSizeMin = chunkMin
	next.ChunkSizeMax = chunkMax
	next.MaxBlobSize = maxBlobSize
	next.InlineBudgetPerCapsule = inlineBudget
	return l.Set(next)
}

// SetPublicBaselineMask updates the baseline mask granted to public
// resources ("set public baseline mask" in §6).
func (l *Live) SetPublicBaselineMask(mask model.Mask) error {
	next := l.Get()
	next.PublicBaselineMask = mask
	return l.Set(next)
}

// SetBulkBatchCap updates the per-call cap on bulk operations ("set
// bulk-op batch caps" in §6).
func (l *Live) SetBulkBatchCap(cap int) error {
	next := l.Get()
	next.BulkBatchCap = cap
	return l.Set(next)
}
