// Package filestore keeps one YAML document per task in a directory, named
// after the task key (remove_<flag>.yaml).
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fentz26/flagsweep/internal/models"
	"github.com/fentz26/flagsweep/internal/store"
	"gopkg.in/yaml.v3"
)

const (
	taskExt   = ".yaml"
	auditFile = "audit.jsonl"
)

// Store is the directory-backed task backend.
type Store struct {
	dir string
	// mu serializes read-modify-write cycles within this process.
	mu sync.Mutex
}

var _ store.TaskStore = (*Store)(nil)

// New creates the directory if needed and returns a Store rooted at it.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create task directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the directory holding the task files.
func (s *Store) Dir() string {
	return s.dir
}

// Close is a no-op; every operation opens its own files.
func (s *Store) Close() error {
	return nil
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, key+taskExt)
}

// CreateTask writes a new pending task. The exclusive create of the derived
// file name is the duplicate guard.
func (s *Store) CreateTask(ctx context.Context, flag, requestedBy string) (*models.Task, error) {
	task, err := store.NewTask(flag, requestedBy, time.Now())
	if err != nil {
		return nil, err
	}
	data, err := yaml.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("encode task: %w", err)
	}

	f, err := os.OpenFile(s.path(task.Key()), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if errors.Is(err, fs.ErrExist) {
		return nil, fmt.Errorf("%w: %s", store.ErrAlreadyExists, task.Key())
	}
	if err != nil {
		return nil, fmt.Errorf("create task file: %w", err)
	}
	if err := writeNew(f, data); err != nil {
		// A partial file would hold the key forever.
		os.Remove(f.Name())
		return nil, err
	}
	return task, nil
}

// syncFile is replaced in tests.
var syncFile = (*os.File).Sync

// writeNew writes, syncs and closes f. f is closed on every path.
func writeNew(f *os.File, data []byte) error {
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write task file: %w", err)
	}
	if err := syncFile(f); err != nil {
		f.Close()
		return fmt.Errorf("sync task file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close task file: %w", err)
	}
	return nil
}

// GetTask reads a task by key.
func (s *Store) GetTask(ctx context.Context, key string) (*models.Task, error) {
	flag, ok := models.FlagFromKey(key)
	if !ok || models.ValidateFlagName(flag) != nil {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, key)
	}
	return s.read(s.path(key))
}

func (s *Store) read(path string) (*models.Task, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, strings.TrimSuffix(filepath.Base(path), taskExt))
	}
	if err != nil {
		return nil, fmt.Errorf("read task file: %w", err)
	}
	var task models.Task
	if err := yaml.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	if task.Kind == "" {
		task.Kind = models.TaskKindRemoveFlag
	}
	return &task, nil
}

// taskFiles lists task file paths, skipping temp files and the audit log.
func (s *Store) taskFiles() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read task directory: %w", err)
	}
	var paths []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, taskExt) || strings.HasPrefix(name, ".") {
			continue
		}
		if _, ok := models.FlagFromKey(strings.TrimSuffix(name, taskExt)); !ok {
			continue
		}
		paths = append(paths, filepath.Join(s.dir, name))
	}
	return paths, nil
}

// ListTasks returns all tasks, optionally filtered by status, newest first.
func (s *Store) ListTasks(ctx context.Context, status models.TaskStatus) ([]models.Task, error) {
	paths, err := s.taskFiles()
	if err != nil {
		return nil, err
	}
	var tasks []models.Task
	for _, p := range paths {
		task, err := s.read(p)
		if err != nil {
			return nil, err
		}
		if status != "" && task.Status != status {
			continue
		}
		tasks = append(tasks, *task)
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
	return tasks, nil
}

// ListPending lists the directory when ranged and decodes files one at a time.
func (s *Store) ListPending(ctx context.Context) iter.Seq2[*models.Task, error] {
	return func(yield func(*models.Task, error) bool) {
		paths, err := s.taskFiles()
		if err != nil {
			yield(nil, &store.ListError{Err: err})
			return
		}
		for _, p := range paths {
			if ctx.Err() != nil {
				yield(nil, ctx.Err())
				return
			}
			task, err := s.read(p)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				if !yield(nil, err) {
					return
				}
				continue
			}
			if task.Status != models.TaskStatusPending {
				continue
			}
			if !yield(task, nil) {
				return
			}
		}
	}
}

// UpdateTask overwrites the task file via temp file and rename.
func (s *Store) UpdateTask(ctx context.Context, task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.GetTask(ctx, task.Key())
	if err != nil {
		return err
	}
	if err := store.CheckTransition(current, task); err != nil {
		return err
	}
	task.UpdatedAt = time.Now().UTC()

	data, err := yaml.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".task-*.yaml.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := syncFile(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path(task.Key())); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace task file: %w", err)
	}
	return nil
}

// WriteAudit appends the entry as one JSON line to audit.jsonl.
func (s *Store) WriteAudit(ctx context.Context, entry *models.AuditEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(filepath.Join(s.dir, auditFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append audit log: %w", err)
	}
	return nil
}
