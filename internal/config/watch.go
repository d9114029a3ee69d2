package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// WatchLogLevel applies edits to log.level in the YAML file at path to lv
// until ctx ends. The parent directory is watched so that editors which
// replace the file on save are handled.
func WatchLogLevel(ctx context.Context, path string, lv *slog.LevelVar, log *slog.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	target, err := filepath.Abs(path)
	if err != nil {
		_ = w.Close()
		return err
	}
	if err := w.Add(filepath.Dir(target)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", path, err)
	}

	go func() {
		defer func() { _ = w.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				level, err := readLevel(target)
				if err != nil {
					log.WarnContext(ctx, "config.reload.fail", slog.String("path", target), slog.String("err", err.Error()))
					continue
				}
				if level != lv.Level() {
					lv.Set(level)
					log.InfoContext(ctx, "config.reload", slog.String("log.level", level.String()))
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.WarnContext(ctx, "config.watch.fail", slog.String("err", err.Error()))
			}
		}
	}()
	return nil
}

func readLevel(path string) (slog.Level, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var doc struct {
		Log struct {
			Level string `yaml:"level"`
		} `yaml:"log"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return 0, err
	}
	return ParseLevel(doc.Log.Level)
}
