package connectivity

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// FileSignal adapts a host-runtime marker file into Monitor state: the
// file present means online, absent means offline. Desktop and kiosk
// shells toggle the marker from their own network stack; headless
// deployments can drive it from a cron'd probe.
type FileSignal struct {
	path    string
	monitor *Monitor
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup

	logger *log.Logger
}

// NewFileSignal creates a FileSignal feeding monitor from the marker at
// path. The parent directory must exist; the marker itself need not.
func NewFileSignal(path string, monitor *Monitor, logger *log.Logger) (*FileSignal, error) {
	if path == "" {
		return nil, fmt.Errorf("marker path is required")
	}
	if monitor == nil {
		return nil, fmt.Errorf("monitor is required")
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[connectivity] ", log.LstdFlags)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &FileSignal{
		path:    path,
		monitor: monitor,
		watcher: watcher,
		done:    make(chan struct{}),
		logger:  logger,
	}, nil
}

// Start seeds the monitor from the marker's current presence and begins
// watching for changes.
func (fs *FileSignal) Start() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.running {
		return fmt.Errorf("file signal already running")
	}

	// Watch the directory, not the file: the marker is created and
	// removed, and fsnotify cannot watch a path that does not exist yet.
	if err := fs.watcher.Add(filepath.Dir(fs.path)); err != nil {
		return fmt.Errorf("failed to watch marker directory: %w", err)
	}

	fs.monitor.SetOnline(fs.markerPresent())
	fs.running = true

	fs.wg.Add(1)
	go fs.watchLoop()

	fs.logger.Printf("Watching connectivity marker: %s", fs.path)
	return nil
}

// Stop halts the watcher and waits for the event loop to exit.
func (fs *FileSignal) Stop() error {
	fs.mu.Lock()
	if !fs.running {
		fs.mu.Unlock()
		return nil
	}
	fs.running = false
	fs.mu.Unlock()

	close(fs.done)
	err := fs.watcher.Close()
	fs.wg.Wait()
	return err
}

func (fs *FileSignal) markerPresent() bool {
	_, err := os.Stat(fs.path)
	return err == nil
}

func (fs *FileSignal) watchLoop() {
	defer fs.wg.Done()

	for {
		select {
		case <-fs.done:
			return

		case event, ok := <-fs.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(fs.path) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			fs.monitor.SetOnline(fs.markerPresent())

		case err, ok := <-fs.watcher.Errors:
			if !ok {
				return
			}
			fs.logger.Printf("Watcher error: %v", err)
		}
	}
}
