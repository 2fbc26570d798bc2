package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
)

// Entry is one persisted binding, keyed by its decimal port in the file.
type Entry struct {
	Key   string
	Proxy string
}

type storedBinding struct {
	Proxy string `json:"proxy"`
}

// Store persists the port -> upstream map as a JSON object:
//
//	{"6712": {"proxy": "user:pass@host:1080"}}
type Store struct {
	path string
}

// NewStore returns a store backed by path. The file is created on first Save.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the backing file.
func (s *Store) Path() string {
	return s.path
}

// Load reads every entry, sorted by key. A missing or empty file is an empty
// registry.
func (s *Store) Load() ([]Entry, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var raw map[string]storedBinding
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.path, err)
	}

	entries := make([]Entry, 0, len(raw))
	for k, v := range raw {
		entries = append(entries, Entry{Key: k, Proxy: v.Proxy})
	}
	sort.Slice(entries, func(i, j int) bool {
		pi, erri := strconv.Atoi(entries[i].Key)
		pj, errj := strconv.Atoi(entries[j].Key)
		if erri == nil && errj == nil {
			return pi < pj
		}
		return entries[i].Key < entries[j].Key
	})
	return entries, nil
}

// Save replaces the file contents with bindings. The write goes through a
// temporary file in the same directory and a rename.
func (s *Store) Save(bindings map[int]string) error {
	raw := make(map[string]storedBinding, len(bindings))
	for port, proxy := range bindings {
		raw[strconv.Itoa(port)] = storedBinding{Proxy: proxy}
	}

	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("save %s: %w", s.path, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("save %s: %w", s.path, err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("save %s: %w", s.path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save %s: %w", s.path, err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("save %s: %w", s.path, err)
	}
	return nil
}
