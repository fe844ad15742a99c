package daemon

import (
	"context"
	"path/filepath"

	"codeberg.org/mutker/powerd/internal/errors"
	"github.com/fsnotify/fsnotify"
)

// WatchProfiles wakes reconciliation whenever a file in the profile
// directory, or in the directory of a default profile, changes. It returns
// when ctx is done or the watcher fails.
func (d *Daemon) WatchProfiles(ctx context.Context) error {
	errFactory := errors.New()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errFactory.Wrap(errors.ErrInitFailed, err)
	}
	defer watcher.Close()

	for _, dir := range d.watchDirs() {
		if err := watcher.Add(dir); err != nil {
			return errFactory.Wrap(errors.ErrInitFailed, err)
		}
		d.log.Debug().Str("path", dir).Msg("Watching profile directory")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return errFactory.Wrap(errors.ErrOperationFailed, err)
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op == fsnotify.Chmod {
				continue
			}
			d.log.Debug().Str("path", ev.Name).Str("op", ev.Op.String()).Msg("Profile file changed")
			d.Wake()
		}
	}
}

func (d *Daemon) watchDirs() []string {
	root := d.loader.Root()
	dirs := []string{root}
	seen := map[string]bool{filepath.Clean(root): true}

	if d.defaults != nil {
		for _, path := range []string{d.defaults.AC, d.defaults.Battery} {
			full, err := d.loader.Resolve(path)
			if err != nil {
				continue
			}
			dir := filepath.Dir(full)
			if !seen[dir] {
				seen[dir] = true
				dirs = append(dirs, dir)
			}
		}
	}

	return dirs
}
