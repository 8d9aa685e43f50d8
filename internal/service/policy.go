// Package service implements the orchestration engine: policy access,
// trigger evaluation, proposal/mission lifecycle, queue working, and
// stale-work recovery.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ensemble-hq/conductor/internal/domain"
	"github.com/ensemble-hq/conductor/internal/port/cache"
	"github.com/ensemble-hq/conductor/internal/port/database"
)

// PolicyTTL bounds how stale a cached policy value may be. Staleness is
// harmless here: worst case one extra cycle runs with a slightly-old
// threshold.
const PolicyTTL = 30 * time.Second

// Well-known policy keys.
const (
	PolicyAutoApprove      = "auto_approve"
	PolicyContentDraftCaps = "content_draft_caps"
	PolicyInitiative       = "initiative"
	PolicyTriggerDefaults  = "trigger_defaults"
)

// AutoApprovePolicy gates policy-driven promotion of pending proposals.
type AutoApprovePolicy struct {
	Enabled          bool     `json:"enabled"`
	AllowedStepKinds []string `json:"allowed_step_kinds"`
}

// ContentDraftCaps is the policy-configured daily ceiling for content
// draft steps.
type ContentDraftCaps struct {
	DailyLimit int      `json:"daily_limit"`
	DraftKinds []string `json:"draft_kinds,omitempty"`
}

// InitiativePolicy shapes self-directed proposal generation.
type InitiativePolicy struct {
	Enabled  bool   `json:"enabled"`
	Guidance string `json:"guidance,omitempty"`
}

// PolicyService reads key→JSON policy documents through a short-TTL
// cache. A missing key is never an error; callers keep their defaults.
type PolicyService struct {
	store database.Store
	cache cache.Cache
	ttl   time.Duration
}

// NewPolicyService creates a PolicyService with the given cache and TTL.
func NewPolicyService(store database.Store, c cache.Cache, ttl time.Duration) *PolicyService {
	if ttl <= 0 {
		ttl = PolicyTTL
	}
	return &PolicyService{store: store, cache: c, ttl: ttl}
}

// Get unmarshals the policy value for key into dst. It returns false
// when the key does not exist, leaving dst untouched so the caller's
// default survives. Store and decode failures are real errors.
func (s *PolicyService) Get(ctx context.Context, key string, dst any) (bool, error) {
	if data, ok, _ := s.cache.Get(ctx, cacheKey(key)); ok {
		if err := json.Unmarshal(data, dst); err != nil {
			return false, fmt.Errorf("decode cached policy %s: %w", key, err)
		}
		return true, nil
	}

	raw, err := s.store.GetPolicy(ctx, key)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode policy %s: %w", key, err)
	}

	if err := s.cache.Set(ctx, cacheKey(key), raw, s.ttl); err != nil {
		slog.Debug("policy cache set failed", "key", key, "error", err)
	}
	return true, nil
}

// Set writes a policy value and invalidates its cache entry.
func (s *PolicyService) Set(ctx context.Context, key string, value any, description string) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode policy %s: %w", key, err)
	}
	if err := s.store.SetPolicy(ctx, key, raw, description); err != nil {
		return err
	}
	if err := s.cache.Delete(ctx, cacheKey(key)); err != nil {
		slog.Debug("policy cache invalidate failed", "key", key, "error", err)
	}
	return nil
}

func cacheKey(key string) string {
	return "policy:" + key
}
