// Package persona supplies the bot's persona text, optionally from a file that
// is reloaded when it changes on disk.
package persona

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Default is used when neither RELAY_PERSONA nor a persona file is configured.
const Default = "You are a friendly assistant taking part in a group chat. " +
	"Each user message starts with the speaker's name. Keep replies concise."

// Source returns the current persona text.
type Source interface {
	Persona() string
}

// Static is a fixed persona.
type Static string

func (s Static) Persona() string { return string(s) }

// File is a persona read from disk. The last good content is kept when a
// reload fails or the file becomes empty.
type File struct {
	path     string
	fallback string
	debounce time.Duration
	log      zerolog.Logger

	mu   sync.RWMutex
	text string
}

// LoadFile reads path once. fallback is served while the file is empty.
func LoadFile(path, fallback string, log zerolog.Logger) (*File, error) {
	f := &File{path: path, fallback: fallback, debounce: 200 * time.Millisecond, log: log}
	if err := f.Reload(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) Persona() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.text == "" {
		return f.fallback
	}
	return f.text
}

// Reload re-reads the file.
func (f *File) Reload() error {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("persona: read %s: %w", f.path, err)
	}
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return errors.New("persona: file is empty")
	}
	f.mu.Lock()
	f.text = text
	f.mu.Unlock()
	return nil
}

// Watch reloads the file on change until ctx is cancelled. The parent
// directory is watched so editors that replace the file by rename are seen.
func (f *File) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("persona: create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		return fmt.Errorf("persona: watch %s: %w", filepath.Dir(f.path), err)
	}
	target := filepath.Clean(f.path)

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			// collapse bursts of writes from a single save
			pending = time.After(f.debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.log.Warn().Err(err).Msg("persona watcher error")
		case <-pending:
			pending = nil
			if err := f.Reload(); err != nil {
				f.log.Warn().Err(err).Str("path", f.path).Msg("persona reload failed; keeping previous text")
				continue
			}
			f.log.Info().Str("path", f.path).Msg("persona reloaded")
		}
	}
}
