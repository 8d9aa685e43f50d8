package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ensemble-hq/conductor/internal/domain"
	"github.com/ensemble-hq/conductor/internal/domain/mission"
	"github.com/ensemble-hq/conductor/internal/port/cache"
	"github.com/ensemble-hq/conductor/internal/port/database"
)

const templateTTL = 5 * time.Minute

// fallbackTemplate is used when a step kind has no stored template.
// Version 0 marks a fallback dispatch in the step result.
const fallbackTemplate = `You are agent {{agent}} of the collective, working on mission "{{mission_title}}".

Your step: {{kind}}
{{description}}

Step payload:
{{payload}}

Complete the step and report a concise result.`

// PromptService resolves the prompt body for a step dispatch,
// preferring a stored per-kind template over the built-in fallback.
type PromptService struct {
	store database.Store
	cache cache.Cache
}

// NewPromptService creates a template resolver with a short read cache.
func NewPromptService(store database.Store, c cache.Cache) *PromptService {
	return &PromptService{store: store, cache: c}
}

// Render produces the prompt text for delegating step to agentID and
// returns the template version used (0 for the built-in fallback).
func (s *PromptService) Render(ctx context.Context, step *mission.Step, m *mission.Mission, agentID string) (string, int) {
	body, version := s.lookup(ctx, string(step.Kind))

	payload := string(step.Payload)
	if payload == "" {
		payload = "{}"
	}
	r := strings.NewReplacer(
		"{{agent}}", agentID,
		"{{kind}}", string(step.Kind),
		"{{mission_title}}", m.Title,
		"{{description}}", m.Description,
		"{{payload}}", payload,
		"{{output_path}}", step.OutputPath,
	)
	return r.Replace(body), version
}

func (s *PromptService) lookup(ctx context.Context, kind string) (string, int) {
	key := "prompt:" + kind
	if data, ok, _ := s.cache.Get(ctx, key); ok {
		body, version, err := decodeCachedTemplate(data)
		if err == nil {
			return body, version
		}
	}

	tpl, err := s.store.GetPromptTemplate(ctx, kind)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			slog.Warn("prompt template lookup failed", "kind", kind, "error", err)
		}
		return fallbackTemplate, 0
	}

	if err := s.cache.Set(ctx, key, encodeCachedTemplate(tpl.Body, tpl.Version), templateTTL); err != nil {
		slog.Debug("prompt cache set failed", "kind", kind, "error", err)
	}
	return tpl.Body, tpl.Version
}

// Cached entries are "version\nbody"; the body may itself contain
// newlines, so only the first split counts.
func encodeCachedTemplate(body string, version int) []byte {
	return []byte(fmt.Sprintf("%d\n%s", version, body))
}

func decodeCachedTemplate(data []byte) (string, int, error) {
	head, body, found := strings.Cut(string(data), "\n")
	if !found {
		return "", 0, errors.New("malformed cached template")
	}
	var version int
	if _, err := fmt.Sscanf(head, "%d", &version); err != nil {
		return "", 0, err
	}
	return body, version, nil
}
