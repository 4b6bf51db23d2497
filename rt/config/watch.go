package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/gekko3d/rtcore/rt/core"
	"github.com/gekko3d/rtcore/rt/shaders"
)

// Settle is how long a file must stay quiet before a change is delivered.
// Editors often write a file in several steps.
const Settle = 100 * time.Millisecond

// Change is one delivered edit. Exactly one of Config, Shaders or Err is set.
type Change struct {
	Config  *Config
	Shaders shaders.Sources
	Err     error
}

// Watcher delivers config and shader edits to the render loop over a channel.
type Watcher struct {
	fs        *fsnotify.Watcher
	path      string
	shaderDir string
	log       core.Logger

	changes chan Change
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// Watch observes the config file at path and, when shaderDir is not empty,
// the kernel fragments in shaderDir. Directories are watched rather than
// files so that atomic replace-on-save is seen.
func Watch(path, shaderDir string, log core.Logger) (*Watcher, error) {
	if log == nil {
		log = core.NewNopLogger()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		fs:      fw,
		path:    filepath.Clean(path),
		log:     log,
		changes: make(chan Change, 4),
		done:    make(chan struct{}),
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		fw.Close()
		return nil, err
	}
	if shaderDir != "" {
		w.shaderDir = filepath.Clean(shaderDir)
		if w.shaderDir != filepath.Dir(w.path) {
			if err := fw.Add(w.shaderDir); err != nil {
				fw.Close()
				return nil, err
			}
		}
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

func (w *Watcher) Changes() <-chan Change { return w.changes }

func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.fs.Close()
		w.wg.Wait()
		close(w.changes)
	})
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	var configDue, shadersDue bool
	timer := time.NewTimer(Settle)
	timer.Stop()

	for {
		select {
		case <-w.done:
			timer.Stop()
			return
		case e, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) && !e.Has(fsnotify.Rename) {
				continue
			}
			name := filepath.Clean(e.Name)
			switch {
			case name == w.path:
				configDue = true
			case w.shaderDir != "" && filepath.Dir(name) == w.shaderDir && shaders.IsSource(name):
				shadersDue = true
			default:
				continue
			}
			timer.Reset(Settle)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.Warnf("config: watch: %v", err)
		case <-timer.C:
			if configDue {
				configDue = false
				c, err := Load(w.path)
				if err != nil {
					w.send(Change{Err: err})
				} else {
					w.send(Change{Config: &c})
				}
			}
			if shadersDue {
				shadersDue = false
				src, err := shaders.LoadDir(w.shaderDir)
				if err != nil {
					w.send(Change{Err: err})
				} else {
					w.send(Change{Shaders: src})
				}
			}
		}
	}
}

func (w *Watcher) send(c Change) {
	select {
	case w.changes <- c:
	case <-w.done:
	}
}
