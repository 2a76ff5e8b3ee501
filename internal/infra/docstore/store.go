package docstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog/log"
)

const (
	Tasks      = "tasks"
	Keys       = "keys"
	Config     = "config"
	Styles     = "styles"
	References = "references"
	Prompts    = "prompts"
)

var ErrUnknownDocument = errors.New("unknown document")

var defaults = map[string]func() any{
	Tasks:      func() any { return map[string]any{"tasks": []any{}} },
	Keys:       func() any { return map[string]any{"keys": []any{}} },
	Styles:     func() any { return map[string]any{"styles": []any{}} },
	References: func() any { return map[string]any{"references": []any{}} },
	Prompts:    func() any { return map[string]any{"prompts": []any{}} },
	Config: func() any {
		return map[string]any{
			"apiSettings":   map[string]any{"threadCount": 3},
			"videoSettings": map[string]any{"apiKey": "", "savePath": "public/videos"},
		}
	},
}

// Names lists every document the store knows how to create.
func Names() []string {
	return []string{Tasks, Keys, Config, Styles, References, Prompts}
}

// Store keeps one JSON file per document under dir. Every read and write
// holds mu and an flock on a lock file next to the document, so Update is an
// atomic read-modify-write for every process sharing dir.
type Store struct {
	dir string
	mu  sync.Mutex
}

func New(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) Dir() string { return s.dir }

func (s *Store) path(name string) (string, error) {
	if _, ok := defaults[name]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownDocument, name)
	}
	return filepath.Join(s.dir, name+".json"), nil
}

func (s *Store) Read(name string, v any) error {
	unlock, err := s.lock(name)
	if err != nil {
		return err
	}
	defer unlock()
	return s.read(name, v)
}

func (s *Store) ReadRaw(name string) ([]byte, error) {
	unlock, err := s.lock(name)
	if err != nil {
		return nil, err
	}
	defer unlock()

	path, err := s.ensure(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read document %s: %w", name, err)
	}
	return data, nil
}

func (s *Store) Write(name string, v any) error {
	unlock, err := s.lock(name)
	if err != nil {
		return err
	}
	defer unlock()
	return s.write(name, v)
}

// WriteRaw replaces a document with data, which must be a JSON object.
func (s *Store) WriteRaw(name string, data []byte) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("document %s must be a JSON object: %w", name, err)
	}
	unlock, err := s.lock(name)
	if err != nil {
		return err
	}
	defer unlock()
	return s.write(name, obj)
}

// Update reads the latest copy of name into v, runs fn and writes v back,
// holding the store lock throughout. Nothing is written if fn fails.
func (s *Store) Update(name string, v any, fn func() error) error {
	unlock, err := s.lock(name)
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.read(name, v); err != nil {
		return err
	}
	if err := fn(); err != nil {
		return err
	}
	return s.write(name, v)
}

// lock takes mu and then an exclusive flock on the document's lock file.
func (s *Store) lock(name string) (func(), error) {
	if _, err := s.path(name); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("create data directory %s: %w", s.dir, err)
	}
	fl := flock.New(filepath.Join(s.dir, "."+name+".lock"))
	if err := fl.Lock(); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("lock document %s: %w", name, err)
	}
	return func() {
		if err := fl.Unlock(); err != nil {
			log.Error().Err(err).Str("document", name).Msg("unlock document")
		}
		s.mu.Unlock()
	}, nil
}

func (s *Store) read(name string, v any) error {
	path, err := s.ensure(name)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read document %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse document %s: %w", name, err)
	}
	return nil
}

// ensure creates the document with its default shape when missing.
func (s *Store) ensure(name string) (string, error) {
	path, err := s.path(name)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err == nil {
		return path, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("stat document %s: %w", name, err)
	}

	log.Info().Str("document", name).Str("path", path).Msg("creating document with default shape")
	if err := s.write(name, defaults[name]()); err != nil {
		return "", err
	}
	return path, nil
}

func (s *Store) write(name string, v any) error {
	path, err := s.path(name)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal document %s: %w", name, err)
	}
	data = append(data, '\n')
	return writeFileAtomic(path, data)
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create parent for %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(dir, ".docstore-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = os.Remove(tmpPath)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file for %s: %w", path, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("chmod temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return fmt.Errorf("atomic rename for %s: %w", path, err)
	}
	return nil
}
