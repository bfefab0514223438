package steps

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/jeeves-cluster-organization/supervisor/coreengine/agents"
	"github.com/jeeves-cluster-organization/supervisor/coreengine/envelope"
	"github.com/jeeves-cluster-organization/supervisor/coreengine/rules"
	"github.com/jeeves-cluster-organization/supervisor/coreengine/workflow"
)

// Body keys produced by the RULE steps.
const (
	KeyRuleSQL      = "ruleSql"
	KeySQLValid     = "sqlValid"
	KeyResultTable  = "resultTable"
	KeyRegistered   = "registered"
	KeyFeedback     = "feedback"
	RulesArtifact   = "rules"
	ruleSourceTable = "events"
)

var nonCodeChars = regexp.MustCompile(`[^A-Za-z0-9]+`)

// RuleSteps returns the five RULE graph steps backed by store.
func RuleSteps(store rules.Store) []agents.Step {
	return []agents.Step{
		&agents.StepFunc{
			StepName:   workflow.StepParseRuleRequest,
			WriteKeys:  rules.AnnotatedKeys,
			InvokeFunc: parseRuleRequest,
		},
		&agents.StepFunc{
			StepName:   workflow.StepGenerateRuleSQL,
			WriteKeys:  []string{KeyRuleSQL},
			InvokeFunc: generateRuleSQL,
		},
		&agents.StepFunc{
			StepName:   workflow.StepValidateRuleSQL,
			WriteKeys:  []string{KeySQLValid},
			InvokeFunc: validateRuleSQL,
		},
		&agents.StepFunc{
			StepName:   workflow.StepCreateRuleTable,
			WriteKeys:  []string{KeyResultTable},
			InvokeFunc: createRuleTable,
		},
		&agents.StepFunc{
			StepName:  workflow.StepRegisterRule,
			WriteKeys: []string{KeyRegistered},
			InvokeFunc: func(ctx context.Context, body *agents.Scope) (agents.Outcome, error) {
				return registerRule(ctx, store, body)
			},
		},
	}
}

func parseRuleRequest(_ context.Context, body *agents.Scope) (agents.Outcome, error) {
	if code := body.GetString(rules.BodyKeyResolvedCode); code != "" {
		return agents.Yes(1.0, fmt.Sprintf("using registered rule %s", code)), nil
	}

	text := strings.TrimSpace(body.GetString(envelope.BodyKeyRawText))
	if text == "" {
		return agents.No(1.0, "no rule description in request"), nil
	}

	code := strings.Trim(strings.ToUpper(nonCodeChars.ReplaceAllString(text, "_")), "_")
	if len(code) > 32 {
		code = strings.TrimRight(code[:32], "_")
	}
	if code == "" {
		return agents.No(1.0, "could not derive a rule code from the request"), nil
	}
	body.Set(rules.BodyKeyResolvedCode, code)
	body.Set(rules.BodyKeyRuleName, text)
	body.Set(rules.BodyKeyRuleLogic, text)
	return agents.Yes(0.7, fmt.Sprintf("parsed new rule %s", code)), nil
}

func generateRuleSQL(_ context.Context, body *agents.Scope) (agents.Outcome, error) {
	logic := body.GetString(rules.BodyKeyRuleLogic)
	if feedback := body.GetString(KeyFeedback); feedback != "" {
		logic = feedback
	}
	if logic == "" {
		return agents.No(1.0, "rule has no logic to translate"), nil
	}
	body.Set(KeyRuleSQL, fmt.Sprintf("SELECT * FROM %s WHERE %s", ruleSourceTable, logic))
	return agents.Yes(0.8, "generated SQL from rule logic"), nil
}

func validateRuleSQL(_ context.Context, body *agents.Scope) (agents.Outcome, error) {
	sql := body.GetString(KeyRuleSQL)
	problem := checkSQL(sql)
	body.Set(KeySQLValid, problem == "")
	if problem != "" {
		return agents.No(0.9, problem), nil
	}
	return agents.Yes(0.9, "SQL passed static checks"), nil
}

func checkSQL(sql string) string {
	upper := strings.ToUpper(strings.TrimSpace(sql))
	switch {
	case upper == "":
		return "no SQL was generated"
	case !strings.HasPrefix(upper, "SELECT "):
		return "generated SQL must be a single SELECT"
	case strings.Contains(sql, ";"):
		return "generated SQL must not contain multiple statements"
	case strings.Count(sql, "(") != strings.Count(sql, ")"):
		return "generated SQL has unbalanced parentheses"
	case strings.Count(sql, "'")%2 != 0:
		return "generated SQL has an unterminated string literal"
	}
	return ""
}

func createRuleTable(_ context.Context, body *agents.Scope) (agents.Outcome, error) {
	code := body.GetString(rules.BodyKeyResolvedCode)
	if code == "" {
		return agents.No(1.0, "rule code missing"), nil
	}
	table := "rule_" + strings.ToLower(code)
	body.Set(KeyResultTable, table)
	return agents.Yes(1.0, fmt.Sprintf("result table %s ready", table)), nil
}

func registerRule(ctx context.Context, store rules.Store, body *agents.Scope) (agents.Outcome, error) {
	rule := rules.Rule{
		Code:  body.GetString(rules.BodyKeyResolvedCode),
		Name:  body.GetString(rules.BodyKeyRuleName),
		Logic: body.GetString(rules.BodyKeyRuleLogic),
		SQL:   body.GetString(KeyRuleSQL),
	}
	if err := store.Upsert(ctx, rule); err != nil {
		return agents.Outcome{}, fmt.Errorf("register rule %s: %w", rule.Code, err)
	}
	body.Set(KeyRegistered, true)
	body.MarkArtifact(RulesArtifact, map[string]any{"code": rule.Code, "name": rule.Name})
	return agents.Yes(1.0, fmt.Sprintf("rule %s registered", rule.Code)), nil
}
