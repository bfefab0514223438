// Package rules holds registered rule configurations and the fast-path
// matcher that recognizes an explicit reference to one in raw input.
package rules

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"
)

// Body keys written when a request is resolved to a registered rule.
const (
	BodyKeyResolvedCode = "resolvedCode"
	BodyKeyRuleName     = "ruleName"
	BodyKeyRuleLogic    = "ruleLogic"
)

// AnnotatedKeys lists the keys Annotate writes.
var AnnotatedKeys = []string{BodyKeyResolvedCode, BodyKeyRuleName, BodyKeyRuleLogic}

var ErrRuleNotFound = errors.New("rule not found")

// Rule is one registered rule configuration.
type Rule struct {
	Code      string    `json:"code" yaml:"code" koanf:"code"`
	Name      string    `json:"name" yaml:"name" koanf:"name"`
	Logic     string    `json:"logic" yaml:"logic" koanf:"logic"`
	SQL       string    `json:"sql,omitempty" yaml:"sql" koanf:"sql"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"-" koanf:"-"`
}

// Validate checks the minimum field set.
func (r Rule) Validate() error {
	if strings.TrimSpace(r.Code) == "" {
		return errors.New("rule code is required")
	}
	if !codePattern.MatchString(r.Code) {
		return errors.New("rule code must be letters, digits, '_' or '-'")
	}
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("rule name is required")
	}
	return nil
}

// Lookup is the read-only view the fast path and classifier need.
type Lookup interface {
	Get(ctx context.Context, code string) (Rule, error)
}

// Store is a Lookup that can also register rules.
type Store interface {
	Lookup
	Upsert(ctx context.Context, rule Rule) error
	List(ctx context.Context) ([]Rule, error)
	Close() error
}

// =============================================================================
// MATCHING
// =============================================================================

var (
	codePattern   = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	fastPathInput = regexp.MustCompile(`(?i)^\s*run\s+(?:rule\s+)?([A-Za-z0-9_-]+)\s*$`)
)

// Match extracts the rule code from an explicit "run <CODE>" request. Only
// the whole input qualifies; a code mentioned inside a longer sentence does not.
func Match(text string) (string, bool) {
	m := fastPathInput.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Resolve matches text and looks the code up. A miss is not an error.
func Resolve(ctx context.Context, lookup Lookup, text string) (Rule, bool, error) {
	code, ok := Match(text)
	if !ok {
		return Rule{}, false, nil
	}
	rule, err := lookup.Get(ctx, code)
	if errors.Is(err, ErrRuleNotFound) {
		return Rule{}, false, nil
	}
	if err != nil {
		return Rule{}, false, err
	}
	return rule, true, nil
}

// Setter is satisfied by the session body and by a step's scope.
type Setter interface {
	Set(key string, value any)
}

// Annotate writes rule's metadata into body. The fast path and the
// classifier both go through here so both leave identical state.
func Annotate(body Setter, rule Rule) {
	body.Set(BodyKeyResolvedCode, rule.Code)
	body.Set(BodyKeyRuleName, rule.Name)
	body.Set(BodyKeyRuleLogic, rule.Logic)
}
