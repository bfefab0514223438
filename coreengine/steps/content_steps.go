package steps

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/jeeves-cluster-organization/supervisor/coreengine/agents"
	"github.com/jeeves-cluster-organization/supervisor/coreengine/envelope"
	"github.com/jeeves-cluster-organization/supervisor/coreengine/workflow"
)

// Body keys produced by the CONTENT steps.
const (
	KeySourceURL      = "sourceUrl"
	KeyContent        = "content"
	KeyEntities       = "entities"
	KeyEntitiesValid  = "entitiesValid"
	KeyStoredEntities = "storedEntities"
	KeySummary        = "summary"
	EntitiesArtifact  = "entities"

	maxEntities = 200
)

// Fetcher retrieves the document behind a URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// EntitySink stores extracted entities.
type EntitySink interface {
	UpsertEntities(ctx context.Context, source string, entities []string) (int, error)
}

var (
	urlPattern    = regexp.MustCompile(`https?://\S+`)
	entityPattern = regexp.MustCompile(`\b[A-Z][a-zA-Z0-9]+(?:\s+[A-Z][a-zA-Z0-9]+)*\b`)
)

// ContentSteps returns the five CONTENT graph steps. A nil fetcher treats the
// request text itself as the document; a nil sink only counts entities.
func ContentSteps(fetcher Fetcher, sink EntitySink) []agents.Step {
	return []agents.Step{
		&agents.StepFunc{
			StepName:  workflow.StepFetchContent,
			WriteKeys: []string{KeySourceURL, KeyContent},
			InvokeFunc: func(ctx context.Context, body *agents.Scope) (agents.Outcome, error) {
				return fetchContent(ctx, fetcher, body)
			},
		},
		&agents.StepFunc{
			StepName:   workflow.StepExtractEntities,
			WriteKeys:  []string{KeyEntities},
			InvokeFunc: extractEntities,
		},
		&agents.StepFunc{
			StepName:   workflow.StepValidateEntities,
			WriteKeys:  []string{KeyEntitiesValid},
			InvokeFunc: validateEntities,
		},
		&agents.StepFunc{
			StepName:  workflow.StepUpsertEntities,
			WriteKeys: []string{KeyStoredEntities},
			InvokeFunc: func(ctx context.Context, body *agents.Scope) (agents.Outcome, error) {
				return upsertEntities(ctx, sink, body)
			},
		},
		&agents.StepFunc{
			StepName:   workflow.StepSummarizeContent,
			WriteKeys:  []string{KeySummary},
			InvokeFunc: summarizeContent,
		},
	}
}

func fetchContent(ctx context.Context, fetcher Fetcher, body *agents.Scope) (agents.Outcome, error) {
	text := body.GetString(envelope.BodyKeyRawText)
	url := urlPattern.FindString(text)

	if url == "" || fetcher == nil {
		content := strings.TrimSpace(urlPattern.ReplaceAllString(text, ""))
		if content == "" {
			return agents.No(1.0, "nothing to ingest"), nil
		}
		body.Set(KeyContent, content)
		return agents.Yes(0.9, "using request text as content"), nil
	}

	content, err := fetcher.Fetch(ctx, url)
	if err != nil {
		return agents.Outcome{}, fmt.Errorf("fetch %s: %w", url, err)
	}
	body.Set(KeySourceURL, url)
	body.Set(KeyContent, content)
	return agents.Yes(1.0, fmt.Sprintf("fetched %d bytes from %s", len(content), url)), nil
}

func extractEntities(_ context.Context, body *agents.Scope) (agents.Outcome, error) {
	content := body.GetString(KeyContent)
	seen := make(map[string]bool)
	var entities []any
	for _, m := range entityPattern.FindAllString(content, -1) {
		if !seen[m] {
			seen[m] = true
			entities = append(entities, m)
		}
	}
	body.Set(KeyEntities, entities)
	if len(entities) == 0 {
		return agents.No(0.6, "no entities found"), nil
	}
	return agents.Yes(0.75, fmt.Sprintf("extracted %d entities", len(entities))), nil
}

func validateEntities(_ context.Context, body *agents.Scope) (agents.Outcome, error) {
	entities := entityList(body)
	valid := len(entities) > 0 && len(entities) <= maxEntities
	body.Set(KeyEntitiesValid, valid)
	switch {
	case len(entities) == 0:
		return agents.No(1.0, "entity list is empty"), nil
	case len(entities) > maxEntities:
		return agents.No(0.9, fmt.Sprintf("%d entities exceeds the limit of %d", len(entities), maxEntities)), nil
	}
	return agents.Yes(0.9, "entities look well formed"), nil
}

func upsertEntities(ctx context.Context, sink EntitySink, body *agents.Scope) (agents.Outcome, error) {
	entities := entityList(body)
	source := body.GetString(KeySourceURL)

	stored := len(entities)
	if sink != nil {
		n, err := sink.UpsertEntities(ctx, source, entities)
		if err != nil {
			return agents.Outcome{}, fmt.Errorf("upsert entities: %w", err)
		}
		stored = n
	}
	body.Set(KeyStoredEntities, stored)
	body.MarkArtifact(EntitiesArtifact, map[string]any{"source": source, "count": stored})
	return agents.Yes(1.0, fmt.Sprintf("stored %d entities", stored)), nil
}

func summarizeContent(_ context.Context, body *agents.Scope) (agents.Outcome, error) {
	entities := entityList(body)
	sort.Strings(entities)
	if len(entities) > 5 {
		entities = entities[:5]
	}
	stored, _ := body.Get(KeyStoredEntities)
	summary := fmt.Sprintf("Stored %v entities; top: %s", stored, strings.Join(entities, ", "))
	body.Set(KeySummary, summary)
	return agents.Yes(0.8, "summary ready"), nil
}

func entityList(body *agents.Scope) []string {
	raw, _ := body.Get(KeyEntities)
	switch v := raw.(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
