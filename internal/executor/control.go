package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/steveyegge/buildfix/internal/control"
	"github.com/steveyegge/buildfix/internal/storage"
	"github.com/steveyegge/buildfix/internal/types"
)

// HandleCommand serves one control socket command. Sessions started over
// the socket run under ctx and are rolled back when it ends.
func (e *Executor) HandleCommand(ctx context.Context, cmd control.Command) (map[string]interface{}, error) {
	switch cmd.Type {
	case control.CommandCount:
		count, err := e.GetCount(ctx, cmd.Force)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"count": count}, nil

	case control.CommandFix:
		if cmd.Diagnostic == nil {
			return nil, fmt.Errorf("fix requires a diagnostic")
		}
		attempt, err := e.RequestFix(ctx, *cmd.Diagnostic)
		if attempt == nil {
			return nil, err
		}
		data, derr := toData(attempt)
		if derr != nil {
			return nil, derr
		}
		if err != nil {
			data["error"] = err.Error()
		}
		return data, nil

	case control.CommandSession:
		slack := -1
		if cmd.Slack != nil {
			slack = *cmd.Slack
		}
		id, err := e.StartSession(ctx, slack)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"session_id": id}, nil

	case control.CommandCancel:
		return map[string]interface{}{"cancelled": e.Cancel()}, nil

	case control.CommandLock:
		if cmd.Key == "" {
			return nil, fmt.Errorf("lock requires a key")
		}
		lock, err := e.holderStore(cmd.Holder).AcquireLock(ctx, cmd.Key, cmd.TTL)
		if err != nil {
			return nil, err
		}
		return toData(lock)

	case control.CommandUnlock:
		if cmd.Key == "" {
			return nil, fmt.Errorf("unlock requires a key")
		}
		if err := e.holderStore(cmd.Holder).ReleaseLock(ctx, cmd.Key); err != nil {
			return nil, err
		}
		return map[string]interface{}{"released": cmd.Key}, nil

	case control.CommandStatus:
		return toData(e.Status())
	}
	return nil, fmt.Errorf("%w: unknown command %q", types.ErrValidation, cmd.Type)
}

// holderStore is the store view taking locks as holder, or as this
// executor when holder is empty
func (e *Executor) holderStore(holder string) *storage.Store {
	if holder == "" {
		return e.store
	}
	return e.store.ForHolder(holder)
}

// toData converts v to the generic map carried in control responses
func toData(v interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode response: %w", err)
	}
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to encode response: %w", err)
	}
	return data, nil
}
