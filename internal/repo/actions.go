package repo

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// ExtractMetadataExecutor is the name of the built-in metadata extraction
// executor.
const ExtractMetadataExecutor = "extract-metadata"

// Action is a unit of repository work executed against a single node.
type Action struct {
	Name   string
	Params map[string]any
}

// Executor performs one kind of action. Applies is the executor's
// applicability condition, consulted when callers request condition checking.
type Executor interface {
	Applies(ctx context.Context, node NodeRef) bool
	Execute(ctx context.Context, action *Action, node NodeRef) error
}

// Actions dispatches named actions to registered executors, either inline or
// on a tracked background goroutine.
type Actions struct {
	mu        sync.RWMutex
	executors map[string]Executor
	wg        sync.WaitGroup
}

// NewActions returns an empty action service.
func NewActions() *Actions {
	return &Actions{executors: make(map[string]Executor)}
}

// Register installs the executor under the given action name, replacing any
// previous registration.
func (a *Actions) Register(name string, ex Executor) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.executors[name] = ex
}

// CreateAction builds an action for a registered executor name.
func (a *Actions) CreateAction(name string) (*Action, error) {
	a.mu.RLock()
	_, ok := a.executors[name]
	a.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no executor registered for action %q", name)
	}
	return &Action{Name: name, Params: make(map[string]any)}, nil
}

// ExecuteAction runs the action against the node. With checkConditions the
// executor's applicability condition gates execution. With asynchronously the
// action runs on a background goroutine and failures are only logged; Wait
// joins all such goroutines.
func (a *Actions) ExecuteAction(ctx context.Context, action *Action, node NodeRef, checkConditions, asynchronously bool) error {
	if action == nil {
		return fmt.Errorf("nil action")
	}

	a.mu.RLock()
	ex, ok := a.executors[action.Name]
	a.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no executor registered for action %q", action.Name)
	}

	run := func() error {
		if checkConditions && !ex.Applies(ctx, node) {
			slog.Debug("action conditions not met, skipping",
				"action", action.Name,
				"node", node.String(),
			)
			return nil
		}
		return ex.Execute(ctx, action, node)
	}

	if asynchronously {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := run(); err != nil {
				slog.Error("asynchronous action failed",
					"action", action.Name,
					"node", node.String(),
					"error", err,
				)
			}
		}()
		return nil
	}

	return run()
}

// Wait blocks until all asynchronously executed actions have finished.
func (a *Actions) Wait() {
	a.wg.Wait()
}
