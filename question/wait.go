package question

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Wait blocks until path holds a loadable question list and returns it.
// The question generator writes its output asynchronously, so a session can
// be started first and pick the list up as soon as it lands. A file that is
// still being written fails to parse and is retried on the next event.
func Wait(ctx context.Context, path string) ([]Question, error) {
	if questions, ok := tryLoad(path); ok {
		return questions, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	slog.Info("Waiting for question list", "path", path)

	// The file may have landed between the first check and Add.
	if questions, ok := tryLoad(path); ok {
		return questions, nil
	}

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil, fmt.Errorf("watcher closed")
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if questions, ok := tryLoad(path); ok {
				slog.Info("Question list available", "path", path, "questions", len(questions))
				return questions, nil
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil, fmt.Errorf("watcher closed")
			}
			slog.Error("File watcher error", "error", err)
		}
	}
}

func tryLoad(path string) ([]Question, bool) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() || info.Size() == 0 {
		return nil, false
	}
	questions, err := Load(path)
	if err != nil {
		slog.Debug("Question list not ready", "path", path, "error", err)
		return nil, false
	}
	return questions, true
}
