package workflow

import (
	"github.com/jeeves-cluster-organization/supervisor/coreengine/envelope"
)

// Loader is the boundary between graph definitions and resolution. Each call
// must return freshly allocated graphs.
type Loader interface {
	Load() ([]*Graph, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func() ([]*Graph, error)

// Load implements Loader.
func (f LoaderFunc) Load() ([]*Graph, error) { return f() }

// StaticLoader serves the built-in RULE and CONTENT graphs.
type StaticLoader struct{}

// Load implements Loader.
func (StaticLoader) Load() ([]*Graph, error) {
	return []*Graph{RuleGraph(), ContentGraph()}, nil
}

// Step names of the built-in graphs.
const (
	StepParseRuleRequest = "parseRuleRequest"
	StepGenerateRuleSQL  = "generateRuleSql"
	StepValidateRuleSQL  = "validateRuleSql"
	StepCreateRuleTable  = "createRuleTable"
	StepRegisterRule     = "registerRule"

	StepFetchContent     = "fetchContent"
	StepExtractEntities  = "extractEntities"
	StepValidateEntities = "validateEntities"
	StepUpsertEntities   = "upsertEntities"
	StepSummarizeContent = "summarizeContent"
)

// RuleGraph turns a natural-language rule into a registered, executable rule.
func RuleGraph() *Graph {
	return &Graph{
		Verb:  envelope.VerbRule,
		Entry: StepParseRuleRequest,
		Nodes: []*Node{
			{Step: StepParseRuleRequest, OnYes: StepGenerateRuleSQL, Description: "extract rule name, code and logic from the request"},
			{Step: StepGenerateRuleSQL, OnYes: StepValidateRuleSQL, Description: "generate SQL implementing the rule logic"},
			{Step: StepValidateRuleSQL, OnYes: StepCreateRuleTable, OnNo: StepGenerateRuleSQL, Description: "dry-run the generated SQL"},
			{Step: StepCreateRuleTable, OnYes: StepRegisterRule, Description: "create the rule result table"},
			{Step: StepRegisterRule, OnYes: TerminalSendMessageToChat, Description: "upsert the rule into the registry"},
		},
	}
}

// ContentGraph extracts entities from a document and stores them.
func ContentGraph() *Graph {
	return &Graph{
		Verb:  envelope.VerbContent,
		Entry: StepFetchContent,
		Nodes: []*Node{
			{Step: StepFetchContent, OnYes: StepExtractEntities, Description: "fetch the referenced document"},
			{Step: StepExtractEntities, OnYes: StepValidateEntities, Description: "extract entities from the document"},
			{Step: StepValidateEntities, OnYes: StepUpsertEntities, OnNo: StepExtractEntities, Description: "check extracted entities against the schema"},
			{Step: StepUpsertEntities, OnYes: StepSummarizeContent, Description: "upsert entities into storage"},
			{Step: StepSummarizeContent, OnYes: TerminalSendMessageToChat, Description: "summarize what was stored"},
		},
	}
}
