package persistence

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alexhall/foreman/internal/loopguard"
	"github.com/alexhall/foreman/internal/schedule"
	"github.com/alexhall/foreman/internal/task"
)

// testStore creates an in-memory store for testing and registers cleanup.
func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func sampleTask(id string, deps ...string) *task.Task {
	return &task.Task{
		ID:          id,
		Description: "test task " + id,
		Target:      "pkg/" + id,
		Status:      task.StatusNew,
		Priority:    1,
		DependsOn:   deps,
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
	}
}

func TestSaveAndGetTask(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.SaveTask(ctx, sampleTask("dep-1")); err != nil {
		t.Fatalf("saving dep-1: %v", err)
	}
	if err := store.SaveTask(ctx, sampleTask("dep-2")); err != nil {
		t.Fatalf("saving dep-2: %v", err)
	}

	in := sampleTask("task-1", "dep-1", "dep-2")
	in.Status = task.StatusQAFailed
	in.Attempts = 3
	in.Reactivations = 1
	in.Result = "partial output"
	in.ErrorContext = &task.ErrorContext{
		Message: "verification rejected",
		Phase:   "verification",
		Signatures: []task.ProgressSignature{
			{Kind: "KeyError", Message: "'url'", Location: "pool.py:72"},
		},
		Attempt:    3,
		RecordedAt: time.Now().UTC().Truncate(time.Second),
	}
	if err := store.SaveTask(ctx, in); err != nil {
		t.Fatalf("saving task-1: %v", err)
	}

	got, err := store.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("getting task-1: %v", err)
	}

	if got.Status != task.StatusQAFailed {
		t.Errorf("status: expected QA_FAILED, got %s", got.Status)
	}
	if got.Attempts != 3 || got.Reactivations != 1 {
		t.Errorf("counters lost: attempts=%d reactivations=%d", got.Attempts, got.Reactivations)
	}
	if len(got.DependsOn) != 2 {
		t.Errorf("dependencies lost: %v", got.DependsOn)
	}
	if got.ErrorContext == nil {
		t.Fatal("error context lost")
	}
	if got.ErrorContext.Message != "verification rejected" {
		t.Errorf("error context message: %q", got.ErrorContext.Message)
	}
	if len(got.ErrorContext.Signatures) != 1 || got.ErrorContext.Signatures[0].Kind != "KeyError" {
		t.Errorf("signatures lost: %+v", got.ErrorContext.Signatures)
	}
}

func TestSaveTaskIsIdempotent(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	in := sampleTask("task-1")
	if err := store.SaveTask(ctx, in); err != nil {
		t.Fatalf("first save: %v", err)
	}

	in.Status = task.StatusCompleted
	in.Result = "done"
	if err := store.SaveTask(ctx, in); err != nil {
		t.Fatalf("second save: %v", err)
	}

	got, err := store.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != task.StatusCompleted || got.Result != "done" {
		t.Errorf("update lost: %+v", got)
	}

	tasks, err := store.ListTasks(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 1 {
		t.Errorf("expected 1 task, got %d", len(tasks))
	}
}

func TestSaveTaskMissingDependency(t *testing.T) {
	store := testStore(t)

	err := store.SaveTask(context.Background(), sampleTask("task-1", "ghost"))
	if err == nil {
		t.Fatal("expected error for missing dependency")
	}
}

func TestGetTaskNotFound(t *testing.T) {
	store := testStore(t)
	if _, err := store.GetTask(context.Background(), "nope"); err == nil {
		t.Fatal("expected error for unknown task")
	}
}

func TestListTasksOrder(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 3; i++ {
		tk := sampleTask(fmt.Sprintf("task-%d", i))
		tk.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := store.SaveTask(ctx, tk); err != nil {
			t.Fatalf("saving task-%d: %v", i, err)
		}
	}

	tasks, err := store.ListTasks(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(tasks))
	}
	for i, tk := range tasks {
		if want := fmt.Sprintf("task-%d", i); tk.ID != want {
			t.Errorf("position %d: expected %s, got %s", i, want, tk.ID)
		}
	}
}

func TestPhaseHistoryRoundTrip(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	at := time.Now().UTC().Truncate(time.Second)
	records := []schedule.PhaseRunRecord{
		{Phase: "planning", Outcome: schedule.RunSuccess, At: at},
		{Phase: "execution", Outcome: schedule.RunFailure, At: at.Add(time.Second)},
		{Phase: "execution", Outcome: schedule.RunNoOp, At: at.Add(2 * time.Second)},
	}
	for _, rec := range records {
		if err := store.SavePhaseRecord(ctx, rec); err != nil {
			t.Fatalf("saving record: %v", err)
		}
	}

	got, err := store.LoadPhaseHistory(ctx, 128)
	if err != nil {
		t.Fatalf("loading history: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 records, got %d", len(got))
	}
	for i, rec := range got {
		if rec.Phase != records[i].Phase || rec.Outcome != records[i].Outcome {
			t.Errorf("record %d: expected %+v, got %+v", i, records[i], rec)
		}
	}
}

func TestLoadPhaseHistoryWindow(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	at := time.Now().UTC()
	for i := 0; i < 10; i++ {
		rec := schedule.PhaseRunRecord{Phase: fmt.Sprintf("p%d", i), Outcome: schedule.RunSuccess, At: at}
		if err := store.SavePhaseRecord(ctx, rec); err != nil {
			t.Fatalf("saving record %d: %v", i, err)
		}
	}

	got, err := store.LoadPhaseHistory(ctx, 4)
	if err != nil {
		t.Fatalf("loading history: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("expected 4 records, got %d", len(got))
	}
	// The newest four, oldest first.
	if got[0].Phase != "p6" || got[3].Phase != "p9" {
		t.Errorf("wrong window: %s..%s", got[0].Phase, got[3].Phase)
	}
}

func TestLoopStateRoundTrip(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.SaveTask(ctx, sampleTask("task-1")); err != nil {
		t.Fatalf("saving task: %v", err)
	}

	snap := loopguard.StateSnapshot{
		TaskID: "task-1",
		Level:  2,
		LastSignatures: []task.ProgressSignature{
			{Kind: "KeyError", Message: "'url'", Location: "pool.py:72"},
		},
		RecentActions: []loopguard.ActionSignature{
			{Operation: "patch", Target: "pool.py", OutcomeHash: 42, Failed: true},
		},
	}
	if err := store.SaveLoopState(ctx, snap); err != nil {
		t.Fatalf("saving loop state: %v", err)
	}

	// Upsert: a second save replaces, not duplicates.
	snap.Level = 3
	if err := store.SaveLoopState(ctx, snap); err != nil {
		t.Fatalf("re-saving loop state: %v", err)
	}

	snaps, err := store.LoadLoopStates(ctx)
	if err != nil {
		t.Fatalf("loading loop states: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("expected 1 loop state, got %d", len(snaps))
	}
	got := snaps[0]
	if got.Level != 3 {
		t.Errorf("level: expected 3, got %d", got.Level)
	}
	if len(got.LastSignatures) != 1 || got.LastSignatures[0].Location != "pool.py:72" {
		t.Errorf("signatures lost: %+v", got.LastSignatures)
	}
	if len(got.RecentActions) != 1 || got.RecentActions[0].OutcomeHash != 42 {
		t.Errorf("actions lost: %+v", got.RecentActions)
	}
}

// A full save-then-load cycle must reconstruct identical scheduling state.
func TestSnapshotResume(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := dir + "/state.db"

	store, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}

	tk := sampleTask("task-1")
	tk.Status = task.StatusFailed
	tk.Attempts = 2
	tk.ErrorContext = &task.ErrorContext{Message: "boom", Attempt: 2, RecordedAt: time.Now().UTC()}
	if err := store.SaveTask(ctx, tk); err != nil {
		t.Fatalf("saving task: %v", err)
	}
	if err := store.SavePhaseRecord(ctx, schedule.PhaseRunRecord{Phase: "repair", Outcome: schedule.RunFailure, At: time.Now().UTC()}); err != nil {
		t.Fatalf("saving record: %v", err)
	}
	if err := store.SaveLoopState(ctx, loopguard.StateSnapshot{TaskID: "task-1", Level: 1}); err != nil {
		t.Fatalf("saving loop state: %v", err)
	}
	store.Close()

	// Reopen the same file.
	store2, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("reopening store: %v", err)
	}
	defer store2.Close()

	tasks, err := store2.ListTasks(ctx)
	if err != nil {
		t.Fatalf("listing tasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Status != task.StatusFailed || tasks[0].Attempts != 2 {
		t.Errorf("task state lost across reopen: %+v", tasks)
	}
	history, err := store2.LoadPhaseHistory(ctx, 10)
	if err != nil || len(history) != 1 {
		t.Errorf("phase history lost: %v, %v", history, err)
	}
	states, err := store2.LoadLoopStates(ctx)
	if err != nil || len(states) != 1 || states[0].Level != 1 {
		t.Errorf("loop state lost: %v, %v", states, err)
	}
}
