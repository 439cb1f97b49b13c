package filestore

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/fentz26/flagsweep/internal/models"
	"github.com/fentz26/flagsweep/internal/store"
	"gopkg.in/yaml.v3"
)

func TestCreateTask_FileFormat(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateTask(ctx, "search_v2", "streamlit"); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(s.Dir(), "remove_search_v2.yaml"))
	if err != nil {
		t.Fatalf("Task file not written: %v", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Task file is not YAML: %v", err)
	}
	for key, want := range map[string]string{
		"task_type":    "remove_flag",
		"flag_name":    "search_v2",
		"requested_by": "streamlit",
		"status":       "pending",
	} {
		if raw[key] != want {
			t.Errorf("%s = %v, want %q", key, raw[key], want)
		}
	}
	if _, ok := raw["created_at"]; !ok {
		t.Error("created_at missing from task file")
	}
	if _, ok := raw["failure_reason"]; ok {
		t.Error("failure_reason should be omitted while pending")
	}
}

func TestCreateTask_Duplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateTask(ctx, "search_v2", "alice"); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if _, err := s.CreateTask(ctx, "search_v2", "bob"); !errors.Is(err, store.ErrAlreadyExists) {
		t.Fatalf("Expected ErrAlreadyExists, got %v", err)
	}
}

func TestCreateTask_SyncFailureLeavesNoFile(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	syncFile = func(*os.File) error { return errors.New("input/output error") }
	t.Cleanup(func() { syncFile = (*os.File).Sync })

	if _, err := s.CreateTask(ctx, "search_v2", "alice"); err == nil {
		t.Fatal("Expected CreateTask to fail when sync fails")
	}
	if _, err := os.Stat(filepath.Join(s.Dir(), "remove_search_v2.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Partial task file left behind: %v", err)
	}

	syncFile = (*os.File).Sync
	if _, err := s.CreateTask(ctx, "search_v2", "alice"); err != nil {
		t.Fatalf("Key not reusable after failed create: %v", err)
	}
}

func TestListPending_ListError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := os.WriteFile(filepath.Join(s.Dir(), "remove_aaa.yaml"), []byte("flag_name: [unterminated\n"), 0644); err != nil {
		t.Fatal(err)
	}
	s.CreateTask(ctx, "search_v2", "test")

	var flags []string
	var recordErrs int
	for task, err := range s.ListPending(ctx) {
		var le *store.ListError
		if errors.As(err, &le) {
			t.Fatalf("Bad record reported as a listing failure: %v", err)
		}
		if err != nil {
			recordErrs++
			continue
		}
		flags = append(flags, task.FlagName)
	}
	if recordErrs != 1 || len(flags) != 1 || flags[0] != "search_v2" {
		t.Errorf("Expected one record error then search_v2, got %d errors and %v", recordErrs, flags)
	}

	if err := os.RemoveAll(s.Dir()); err != nil {
		t.Fatal(err)
	}
	for _, err := range s.ListPending(ctx) {
		var le *store.ListError
		if !errors.As(err, &le) {
			t.Errorf("Expected *store.ListError for a missing directory, got %v", err)
		}
	}
}

func TestGetTask_RejectsForeignKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	outside := filepath.Join(filepath.Dir(s.Dir()), "remove_x.yaml")
	if err := os.WriteFile(outside, []byte("flag_name: x\n"), 0644); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"../remove_x", "remove_../../etc/passwd", "notes", ""} {
		if _, err := s.GetTask(ctx, key); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("GetTask(%q) = %v, want ErrNotFound", key, err)
		}
	}
}

func TestUpdateTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task, _ := s.CreateTask(ctx, "checkout_refactor", "alice")
	task.Status = models.TaskStatusCompleted
	task.Note = models.NoteAlreadyProcessed
	if err := s.UpdateTask(ctx, task); err != nil {
		t.Fatalf("UpdateTask failed: %v", err)
	}

	got, err := s.GetTask(ctx, task.Key())
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Status != models.TaskStatusCompleted || got.Note != models.NoteAlreadyProcessed {
		t.Errorf("Unexpected task: %+v", got)
	}

	got.Status = models.TaskStatusPending
	if err := s.UpdateTask(ctx, got); !errors.Is(err, store.ErrTerminal) {
		t.Errorf("Expected ErrTerminal, got %v", err)
	}

	leftovers, _ := filepath.Glob(filepath.Join(s.Dir(), ".task-*"))
	if len(leftovers) != 0 {
		t.Errorf("Temp files left behind: %v", leftovers)
	}
}

func TestListPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, flag := range []string{"a", "b"} {
		s.CreateTask(ctx, flag, "test")
	}
	done, _ := s.GetTask(ctx, models.TaskKey("a"))
	done.Status = models.TaskStatusFailed
	done.FailureReason = "flag not found"
	s.UpdateTask(ctx, done)

	// Unrelated files are ignored.
	os.WriteFile(filepath.Join(s.Dir(), "notes.yaml"), []byte("x: 1\n"), 0644)
	s.WriteAudit(ctx, &models.AuditEntry{ID: "1", Action: "task.create"})

	var flags []string
	for task, err := range s.ListPending(ctx) {
		if err != nil {
			t.Fatalf("ListPending failed: %v", err)
		}
		flags = append(flags, task.FlagName)
	}
	if len(flags) != 1 || flags[0] != "b" {
		t.Errorf("Expected only b pending, got %v", flags)
	}

	all, err := s.ListTasks(ctx, "")
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("Expected 2 tasks, got %d", len(all))
	}
}

func TestDurableAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, _ := New(dir)
	s.CreateTask(ctx, "search_v2", "test")

	reopened, err := New(dir)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	pending, _ := reopened.ListTasks(ctx, models.TaskStatusPending)
	if len(pending) != 1 || pending[0].FlagName != "search_v2" {
		t.Errorf("Unexpected tasks after reopen: %+v", pending)
	}
}

func TestWriteAudit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, action := range []string{"task.create", "task.complete"} {
		if err := s.WriteAudit(ctx, &models.AuditEntry{ID: action, Action: action}); err != nil {
			t.Fatalf("WriteAudit failed: %v", err)
		}
	}

	f, err := os.Open(filepath.Join(s.Dir(), auditFile))
	if err != nil {
		t.Fatalf("Audit log missing: %v", err)
	}
	defer f.Close()
	lines := 0
	for sc := bufio.NewScanner(f); sc.Scan(); {
		lines++
	}
	if lines != 2 {
		t.Errorf("Expected 2 audit lines, got %d", lines)
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "tasks"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	return s
}
