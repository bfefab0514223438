package runtime

import (
	"context"
	"fmt"

	"github.com/jeeves-cluster-organization/supervisor/commbus"
	"github.com/jeeves-cluster-organization/supervisor/coreengine/agents"
	"github.com/jeeves-cluster-organization/supervisor/coreengine/rules"
	"github.com/jeeves-cluster-organization/supervisor/coreengine/workflow"
)

// RegisterBusHandlers installs the GetRule query handler and the
// ReloadWorkflows command handler on bus. A nil lookup or loader skips the
// corresponding handler.
func RegisterBusHandlers(bus commbus.CommBus, lookup rules.Lookup, engine *workflow.Engine, loader workflow.Loader, logger agents.Logger) error {
	if lookup != nil {
		err := bus.RegisterHandler("GetRule", func(ctx context.Context, msg commbus.Message) (any, error) {
			q, ok := msg.(*commbus.GetRule)
			if !ok {
				return nil, fmt.Errorf("unexpected message %T", msg)
			}
			return lookup.Get(ctx, q.Code)
		})
		if err != nil {
			return err
		}
	}

	if loader != nil && engine != nil {
		err := bus.RegisterHandler("ReloadWorkflows", func(_ context.Context, msg commbus.Message) (any, error) {
			cmd, ok := msg.(*commbus.ReloadWorkflows)
			if !ok {
				return nil, fmt.Errorf("unexpected message %T", msg)
			}
			if err := engine.Reload(loader); err != nil {
				logger.Error("workflow_reload_rejected", "reason", cmd.Reason, "error", err.Error())
				return nil, err
			}
			logger.Info("workflow_reloaded", "reason", cmd.Reason, "verbs", len(engine.Verbs()))
			return nil, nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}
