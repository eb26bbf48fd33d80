package sidechannel

import (
	"net/url"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"pkt.systems/pslog"
	"pkt.systems/tablease/internal/svcfields"
)

// Dir implements Channel as one file per key inside a directory. Keys
// are escaped so storage prefixes containing slashes stay within the
// directory. All I/O is best-effort: failures are logged and the
// degraded contract applies.
type Dir struct {
	path   string
	logger pslog.Logger
}

// NewDir returns a directory-backed channel rooted at path. The
// directory is created when missing.
func NewDir(path string, logger pslog.Logger) *Dir {
	d := &Dir{
		path:   path,
		logger: svcfields.WithSubsystem(svcfields.Ensure(logger), "sidechannel"),
	}
	if err := os.MkdirAll(path, 0o700); err != nil {
		d.logger.Warn("sidechannel.dir.create.failed", "path", path, "error", err)
	}
	return d
}

func (d *Dir) file(key string) string {
	return filepath.Join(d.path, url.PathEscape(key))
}

// Get returns the stored value, or the empty string on miss or error.
func (d *Dir) Get(key string) string {
	data, err := os.ReadFile(d.file(key))
	if err != nil {
		if !os.IsNotExist(err) {
			d.logger.Warn("sidechannel.get.degraded", "key", key, "error", err)
		}
		return ""
	}
	return string(data)
}

// Set writes value under key, best-effort.
func (d *Dir) Set(key, value string) {
	if err := os.WriteFile(d.file(key), []byte(value), 0o600); err != nil {
		d.logger.Warn("sidechannel.set.degraded", "key", key, "error", err)
	}
}

// Remove deletes key, best-effort.
func (d *Dir) Remove(key string) {
	if err := os.Remove(d.file(key)); err != nil && !os.IsNotExist(err) {
		d.logger.Warn("sidechannel.remove.degraded", "key", key, "error", err)
	}
}

// Watch reports keys created or rewritten by sibling processes using
// fsnotify. The returned stop function releases the watcher.
func (d *Dir) Watch(fn func(key string)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(d.path); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
					continue
				}
				key, err := url.PathUnescape(filepath.Base(event.Name))
				if err != nil {
					continue
				}
				fn(key)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				d.logger.Warn("sidechannel.watch.error", "error", err)
			case <-done:
				return
			}
		}
	}()
	return func() {
		close(done)
		_ = watcher.Close()
	}, nil
}
