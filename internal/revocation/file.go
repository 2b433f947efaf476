package revocation

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

var (
	fileDebounce   = 100 * time.Millisecond
	filePollPeriod = 5 * time.Second
)

// ParseList reads newline-delimited signatures. Blank lines and lines starting
// with '#' are ignored.
func ParseList(r io.Reader) ([]string, error) {
	var out []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read revocation list: %w", err)
	}
	return out, nil
}

// FileSource is an operator-maintained revocation file that is reloaded when
// it changes on disk.
type FileSource struct {
	path string

	mu          sync.RWMutex
	signatures  []string
	lastModTime time.Time

	changed chan struct{}
}

// NewFileSource returns a source for path. Call Load before reading.
func NewFileSource(path string) *FileSource {
	return &FileSource{
		path:    filepath.Clean(path),
		changed: make(chan struct{}, 1),
	}
}

// Path returns the watched file.
func (f *FileSource) Path() string {
	return f.path
}

// Load reads the file. A missing file yields an empty list.
func (f *FileSource) Load() error {
	file, err := os.Open(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			f.set(nil, time.Time{})
			return nil
		}
		return fmt.Errorf("open revocation file: %w", err)
	}
	defer file.Close()

	sigs, err := ParseList(file)
	if err != nil {
		return err
	}
	var modTime time.Time
	if stat, err := file.Stat(); err == nil {
		modTime = stat.ModTime()
	}
	f.set(sigs, modTime)
	return nil
}

func (f *FileSource) set(sigs []string, modTime time.Time) {
	f.mu.Lock()
	f.signatures = sigs
	f.lastModTime = modTime
	f.mu.Unlock()

	select {
	case f.changed <- struct{}{}:
	default:
	}
}

// Signatures returns the signatures from the last successful Load.
func (f *FileSource) Signatures() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]string(nil), f.signatures...)
}

// Changed is signalled after every successful Load.
func (f *FileSource) Changed() <-chan struct{} {
	return f.changed
}

// Watch reloads the file on change until ctx is done. It watches the parent
// directory so editors that replace the file are picked up, and falls back to
// polling when fsnotify is unavailable.
func (f *FileSource) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		err = watcher.Add(filepath.Dir(f.path))
		if err != nil {
			_ = watcher.Close()
		}
	}
	if err != nil {
		log.Warn().Err(err).Str("path", f.path).Msg("Falling back to polling for revocation file changes")
		f.poll(ctx)
		return nil
	}
	defer watcher.Close()

	log.Info().Str("path", f.path).Msg("Watching revocation file for changes")
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != f.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			// Debounce - wait a bit for write to complete
			select {
			case <-time.After(fileDebounce):
			case <-ctx.Done():
				return nil
			}
			f.reload("fsnotify", event.Op.String())

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error().Err(err).Str("path", f.path).Msg("Revocation file watcher error")

		case <-ctx.Done():
			return nil
		}
	}
}

func (f *FileSource) poll(ctx context.Context) {
	ticker := time.NewTicker(filePollPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stat, err := os.Stat(f.path)
			if err != nil {
				continue
			}
			f.mu.RLock()
			last := f.lastModTime
			f.mu.RUnlock()
			if stat.ModTime().After(last) {
				f.reload("poll", "modified")
			}
		case <-ctx.Done():
			return
		}
	}
}

func (f *FileSource) reload(via, op string) {
	if err := f.Load(); err != nil {
		log.Error().Err(err).Str("path", f.path).Msg("Failed to reload revocation file")
		return
	}
	log.Info().
		Str("path", f.path).
		Str("via", via).
		Str("event", op).
		Int("signatures", len(f.Signatures())).
		Msg("Reloaded revocation file")
}
