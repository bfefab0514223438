package steps

import (
	"github.com/jeeves-cluster-organization/supervisor/coreengine/agents"
	"github.com/jeeves-cluster-organization/supervisor/coreengine/rules"
)

// Deps are the collaborators the reference steps need.
type Deps struct {
	Rules   rules.Store
	Fetcher Fetcher
	Sink    EntitySink
}

// NewRegistry registers the classifier and every reference step.
func NewRegistry(deps Deps) (*agents.Registry, error) {
	reg := agents.NewRegistry()
	reg.SetClassifier(&KeywordClassifier{Rules: deps.Rules})

	all := append(RuleSteps(deps.Rules), ContentSteps(deps.Fetcher, deps.Sink)...)
	for _, s := range all {
		if err := reg.Register(s); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
