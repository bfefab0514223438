// Package steps provides the reference step implementations wired by the
// binaries: a keyword classifier and the RULE and CONTENT graph steps.
package steps

import (
	"context"
	"fmt"
	"strings"

	"github.com/jeeves-cluster-organization/supervisor/coreengine/agents"
	"github.com/jeeves-cluster-organization/supervisor/coreengine/envelope"
	"github.com/jeeves-cluster-organization/supervisor/coreengine/rules"
)

var (
	ruleKeywords    = []string{"rule", "sql", "alert", "flag when", "whenever", "threshold"}
	contentKeywords = []string{"http://", "https://", "extract", "document", "article", "ingest", "content"}
)

// KeywordClassifier resolves intent from explicit rule references first and
// keywords second.
type KeywordClassifier struct {
	Rules rules.Lookup
}

// Writes implements the optional write declaration used by agents.Invoker.
func (c *KeywordClassifier) Writes() []string {
	return rules.AnnotatedKeys
}

// Classify implements agents.Classifier.
func (c *KeywordClassifier) Classify(ctx context.Context, text string, body *agents.Scope) (agents.Classification, error) {
	if strings.TrimSpace(text) == "" {
		return agents.Classification{Outcome: agents.No(1.0, "request text is empty")}, nil
	}

	if c.Rules != nil {
		rule, ok, err := rules.Resolve(ctx, c.Rules, text)
		if err != nil {
			return agents.Classification{}, fmt.Errorf("rule lookup: %w", err)
		}
		if ok {
			rules.Annotate(body, rule)
			return agents.Classification{
				Outcome: agents.Yes(1.0, fmt.Sprintf("explicit reference to registered rule %s", rule.Code)),
				Verb:    envelope.VerbRule,
			}, nil
		}
	}

	lower := strings.ToLower(text)
	ruleHits := countHits(lower, ruleKeywords)
	contentHits := countHits(lower, contentKeywords)

	switch {
	case ruleHits == 0 && contentHits == 0:
		return agents.Classification{Outcome: agents.No(0.3, "could not determine whether this is a rule or content request")}, nil
	case ruleHits >= contentHits:
		return agents.Classification{
			Outcome: agents.Yes(confidence(ruleHits, contentHits), "request reads as a rule definition"),
			Verb:    envelope.VerbRule,
		}, nil
	default:
		return agents.Classification{
			Outcome: agents.Yes(confidence(contentHits, ruleHits), "request reads as content to ingest"),
			Verb:    envelope.VerbContent,
		}, nil
	}
}

func countHits(text string, keywords []string) int {
	hits := 0
	for _, k := range keywords {
		if strings.Contains(text, k) {
			hits++
		}
	}
	return hits
}

func confidence(winner, loser int) float64 {
	c := float64(winner) / float64(winner+loser)
	if c > 0.95 {
		c = 0.95
	}
	return c
}
