package netmon

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Setter receives connectivity readings
type Setter interface {
	Set(online bool)
}

// FileSource feeds a Setter from a state file holding "online" or
// "offline". The platform layer rewrites the file on every change. The
// parent directory is watched so atomic rename writes are seen too.
type FileSource struct {
	path    string
	target  Setter
	logger  *zap.Logger
	watcher *fsnotify.Watcher

	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewFileSource creates a source for path. Call Start to begin watching.
func NewFileSource(path string, target Setter, logger *zap.Logger) (*FileSource, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve state file %s: %w", path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &FileSource{
		path:    abs,
		target:  target,
		logger:  logger,
		watcher: watcher,
		done:    make(chan struct{}),
	}, nil
}

// Start publishes the current file content, if any, and watches for changes
func (s *FileSource) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("state file source already running")
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory %s: %w", dir, err)
	}
	if err := s.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch state directory %s: %w", dir, err)
	}

	s.publish()

	s.running = true
	s.wg.Add(1)
	go s.processEvents()

	return nil
}

// Stop stops watching and waits for the event loop to exit
func (s *FileSource) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return s.watcher.Close()
	}
	s.running = false
	s.mu.Unlock()

	close(s.done)
	if err := s.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	s.wg.Wait()
	return nil
}

func (s *FileSource) processEvents() {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				s.publish()
			}

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("State file watcher error", zap.Error(err))
		}
	}
}

// publish reads the file and forwards a reading. A missing or unreadable
// file leaves the state untouched.
func (s *FileSource) publish() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("Failed to read state file", zap.String("path", s.path), zap.Error(err))
		}
		return
	}

	online, err := ParseState(string(data))
	if err != nil {
		// half-written file; the next write event brings the full value
		s.logger.Debug("Ignoring state file content", zap.Error(err))
		return
	}
	s.target.Set(online)
}

// ParseState interprets state file content
func ParseState(content string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(content)) {
	case "online", "up", "1", "true":
		return true, nil
	case "offline", "down", "0", "false":
		return false, nil
	default:
		return false, fmt.Errorf("unrecognized connectivity state %q", strings.TrimSpace(content))
	}
}
