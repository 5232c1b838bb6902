package dispatch

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"architect/pkg/classify"
	"architect/pkg/queue"
)

// Spool ingests task files dropped into a directory. A .task file has an
// optional header of "key: value" lines (dir, worker, priority), a blank
// line, then the task description. Missing headers fall back to the spool
// defaults and the classifier.
type Spool struct {
	dir        string
	defaultDir string
	store      *queue.Store
	classifier *classify.Classifier
	log        *zap.Logger
}

func NewSpool(dir, defaultWorkDir string, store *queue.Store, classifier *classify.Classifier, log *zap.Logger) *Spool {
	return &Spool{
		dir:        dir,
		defaultDir: defaultWorkDir,
		store:      store,
		classifier: classifier,
		log:        log,
	}
}

// Dir returns the watched spool directory.
func (s *Spool) Dir() string { return s.dir }

// Drain submits every .task file in the spool and removes the files it
// consumed. Malformed files are renamed to .rejected instead of deleted so
// the operator can inspect them. Returns the number of tasks submitted.
func (s *Spool) Drain(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	submitted := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".task") {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		if s.ingestFile(ctx, path) {
			submitted++
		}
	}
	return submitted, nil
}

func (s *Spool) ingestFile(ctx context.Context, path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		s.log.Warn("spool read failed", zap.String("file", path), zap.Error(err))
		return false
	}

	params := s.parse(string(data))
	if params.Content == "" {
		s.reject(path, "empty content")
		return false
	}

	task, outcome, err := s.store.Submit(ctx, params)
	if err != nil {
		s.reject(path, err.Error())
		return false
	}
	if outcome.Duplicate() {
		s.log.Info("spool file collapsed onto existing task",
			zap.String("file", path),
			zap.Int64("existing", outcome.ExistingID))
	} else {
		s.log.Info("spool file submitted",
			zap.String("file", path),
			zap.Int64("task", task.ID))
	}
	if err := os.Remove(path); err != nil {
		s.log.Warn("spool cleanup failed", zap.String("file", path), zap.Error(err))
	}
	return !outcome.Duplicate()
}

func (s *Spool) reject(path, reason string) {
	s.log.Warn("spool file rejected", zap.String("file", path), zap.String("reason", reason))
	if err := os.Rename(path, path+".rejected"); err != nil {
		s.log.Warn("spool reject rename failed", zap.String("file", path), zap.Error(err))
	}
}

// parse splits a spool file into headers and body. Headers end at the
// first blank line or the first line without "key: value" shape.
func (s *Spool) parse(raw string) queue.SubmitParams {
	params := queue.SubmitParams{WorkingDirectory: s.defaultDir}
	priority := -1

	lines := strings.Split(raw, "\n")
	body := 0
header:
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			body = i + 1
			break
		}
		key, value, ok := strings.Cut(trimmed, ":")
		if !ok {
			body = i
			break
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "dir":
			params.WorkingDirectory = value
		case "worker":
			params.TargetWorker = value
		case "priority":
			if p, err := strconv.Atoi(value); err == nil {
				priority = p
			}
		default:
			// Not a recognized header; the body starts here.
			body = i
			break header
		}
		body = i + 1
	}

	params.Content = strings.TrimSpace(strings.Join(lines[body:], "\n"))
	workType, classified := s.classifier.Classify(params.Content)
	params.WorkType = workType
	if priority >= 0 {
		params.Priority = priority
	} else {
		params.Priority = classified
	}
	return params
}
