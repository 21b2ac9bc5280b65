package repo

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type stubExecutor struct {
	mu       sync.Mutex
	applies  bool
	err      error
	executed int
}

func (s *stubExecutor) Applies(context.Context, NodeRef) bool { return s.applies }

func (s *stubExecutor) Execute(ctx context.Context, action *Action, node NodeRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executed++
	return s.err
}

func (s *stubExecutor) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.executed
}

func TestCreateAction(t *testing.T) {
	t.Parallel()

	a := NewActions()
	a.Register("archive", &stubExecutor{applies: true})

	action, err := a.CreateAction("archive")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if action.Name != "archive" {
		t.Errorf("Name: got %q, want %q", action.Name, "archive")
	}
	if action.Params == nil {
		t.Error("Params: got nil, want empty map")
	}

	if _, err := a.CreateAction("missing"); err == nil {
		t.Error("CreateAction for unregistered name: expected error")
	}
}

func TestExecuteActionSync(t *testing.T) {
	t.Parallel()

	a := NewActions()
	ex := &stubExecutor{applies: true}
	a.Register("archive", ex)

	action, err := a.CreateAction("archive")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	node := NewNodeRef(StoreWorkspace)
	if err := a.ExecuteAction(context.Background(), action, node, false, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ex.count() != 1 {
		t.Errorf("executed: got %d, want 1", ex.count())
	}
}

func TestExecuteActionSyncError(t *testing.T) {
	t.Parallel()

	a := NewActions()
	wantErr := errors.New("extraction broke")
	a.Register("archive", &stubExecutor{applies: true, err: wantErr})

	action, _ := a.CreateAction("archive")
	err := a.ExecuteAction(context.Background(), action, NewNodeRef(StoreWorkspace), false, false)
	if !errors.Is(err, wantErr) {
		t.Errorf("error: got %v, want %v", err, wantErr)
	}
}

func TestExecuteActionConditions(t *testing.T) {
	t.Parallel()

	a := NewActions()
	ex := &stubExecutor{applies: false}
	a.Register("archive", ex)
	action, _ := a.CreateAction("archive")
	node := NewNodeRef(StoreWorkspace)

	// With condition checking the non-applicable executor is skipped.
	if err := a.ExecuteAction(context.Background(), action, node, true, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ex.count() != 0 {
		t.Errorf("executed despite failing condition: got %d, want 0", ex.count())
	}

	// Without condition checking it runs regardless.
	if err := a.ExecuteAction(context.Background(), action, node, false, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ex.count() != 1 {
		t.Errorf("executed: got %d, want 1", ex.count())
	}
}

func TestExecuteActionAsync(t *testing.T) {
	t.Parallel()

	a := NewActions()
	ex := &stubExecutor{applies: true, err: errors.New("logged, not returned")}
	a.Register("archive", ex)
	action, _ := a.CreateAction("archive")

	// Async failures are logged only; the call itself succeeds.
	if err := a.ExecuteAction(context.Background(), action, NewNodeRef(StoreWorkspace), false, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	a.Wait()
	if ex.count() != 1 {
		t.Errorf("executed after Wait: got %d, want 1", ex.count())
	}
}

func TestExecuteActionUnknown(t *testing.T) {
	t.Parallel()

	a := NewActions()

	if err := a.ExecuteAction(context.Background(), nil, NewNodeRef(StoreWorkspace), false, false); err == nil {
		t.Error("nil action: expected error")
	}

	err := a.ExecuteAction(context.Background(), &Action{Name: "ghost"}, NewNodeRef(StoreWorkspace), false, false)
	if err == nil {
		t.Error("unregistered action: expected error")
	}
}
