package syncer

import (
	"context"
	"fmt"

	"wmsync/internal/queue"
)

// execute maps an action to its remote call chain. The action id is the
// idempotency key; multi-call kinds derive one key per unit.
func (e *Engine) execute(ctx context.Context, action *queue.Action) error {
	switch p := action.Payload.(type) {
	case queue.PickScan:
		return e.api.SubmitScan(ctx, action.ID, p.TaskID, p.LineID, p.Barcode, p.Quantity)

	case queue.PickSetQty:
		return e.api.ConfirmQuantity(ctx, action.ID, p.LineID, p.Quantity)

	case queue.PickConfirmItem:
		return e.confirmItem(ctx, action.ID, p)

	case queue.PickCloseTask:
		return e.api.CompleteTask(ctx, action.ID, p.TaskID, p.IncompleteReason)

	default:
		return fmt.Errorf("no remote operation for action kind %q", action.Kind)
	}
}

// confirmItem submits the units of a confirmation one by one. It reads the
// line's current progress first so a retry only sends what the server has
// not yet recorded.
func (e *Engine) confirmItem(ctx context.Context, actionID string, p queue.PickConfirmItem) error {
	task, err := e.api.GetTask(ctx, p.TaskID)
	if err != nil {
		return err
	}

	picked := -1
	for _, line := range task.Lines {
		if line.ID == p.LineID {
			picked = line.Picked
			break
		}
	}
	if picked < 0 {
		return fmt.Errorf("line %s not found in task %s", p.LineID, p.TaskID)
	}

	remaining := p.PickedBefore + p.Units - picked
	if remaining <= 0 {
		return nil
	}
	if remaining > p.Units {
		remaining = p.Units
	}

	for unit := p.Units - remaining; unit < p.Units; unit++ {
		key := fmt.Sprintf("%s:%d", actionID, unit)
		if err := e.api.SubmitScan(ctx, key, p.TaskID, p.LineID, p.Barcode, 1); err != nil {
			return err
		}
	}
	return nil
}
