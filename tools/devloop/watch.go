package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"
)

// debounceDelay coalesces the event bursts editors produce on save into a
// single rebuild.
const debounceDelay = 250 * time.Millisecond

// watchedFile reports whether a change to path should trigger a rebuild.
func watchedFile(path string) bool {
	base := filepath.Base(path)
	if base == "go.mod" || base == "go.sum" {
		return true
	}

	switch filepath.Ext(base) {
	case ".go", ".s":
		return true
	}

	return false
}

// watchedDir reports whether the watcher should descend into dir. Hidden
// directories, the pinned reference sources and build outputs are skipped.
func watchedDir(dir string) bool {
	base := filepath.Base(dir)
	if base != "." && (strings.HasPrefix(base, ".") || strings.HasPrefix(base, "_")) {
		return false
	}

	return base != "out"
}

func sourceDirs(root string) ([]string, error) {
	var dirs []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if !watchedDir(path) {
			return filepath.SkipDir
		}

		dirs = append(dirs, path)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return dirs, nil
}

// watchLoop rebuilds the kernel and reruns the hosted tests whenever a
// source file changes. It returns when ctx is cancelled.
func watchLoop(ctx context.Context, cfg *config) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dirs, err := sourceDirs(".")
	if err != nil {
		return err
	}
	for _, dir := range dirs {
		if err = watcher.Add(dir); err != nil {
			return fmt.Errorf("cannot watch %s: %w", dir, err)
		}
	}

	changed := make(chan struct{}, 1)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case ev, ok := <-watcher.Events:
				if !ok {
					return nil
				}

				// New packages must be picked up without a restart.
				if ev.Has(fsnotify.Create) {
					if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() && watchedDir(ev.Name) {
						watcher.Add(ev.Name)
					}
				}

				if !watchedFile(ev.Name) {
					continue
				}

				select {
				case changed <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				fmt.Fprintf(os.Stderr, "[devloop] watch error: %s\n", err)
			}
		}
	})

	g.Go(func() error {
		timer := time.NewTimer(debounceDelay)
		if !timer.Stop() {
			<-timer.C
		}

		fmt.Fprintf(os.Stderr, "[devloop] watching %d directories\n", len(dirs))

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-changed:
				timer.Reset(debounceDelay)
			case <-timer.C:
				runWatchCycle(ctx, cfg)
			}
		}
	})

	err = g.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

func runWatchCycle(ctx context.Context, cfg *config) {
	started := time.Now()

	err := buildKernel(ctx, cfg)
	if err == nil {
		err = runTests(ctx, cfg)
	}

	elapsed := time.Since(started).Round(time.Millisecond)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[devloop] FAIL in %s: %s\n", elapsed, err)
		return
	}

	fmt.Fprintf(os.Stderr, "[devloop] ok in %s\n", elapsed)
}
