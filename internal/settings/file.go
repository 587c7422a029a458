package settings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/spf13/viper"
)

// FileStore is a Store persisted as a YAML document of the form
//
//	servers:
//	  "1":
//	    hostname: dvr.example.net
//	    port: "7001"
//
// The whole document is rewritten on every mutation.
type FileStore struct {
	path string

	mu      sync.RWMutex
	servers map[int]map[string]string
}

// OpenFileStore loads the store at path. A missing file yields an empty store.
func OpenFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path, servers: make(map[int]map[string]string)}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return s, nil
		}
		return nil, fmt.Errorf("settings: read %s: %w", path, err)
	}

	for rawID, raw := range v.GetStringMap("servers") {
		id, err := strconv.Atoi(rawID)
		if err != nil {
			continue
		}
		kv := make(map[string]string)
		if values, ok := raw.(map[string]interface{}); ok {
			for k, val := range values {
				kv[k] = fmt.Sprint(val)
			}
		}
		s.servers[id] = kv
	}
	return s, nil
}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	return s.path
}

// Read implements Store.
func (s *FileStore) Read(id int, key, def string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.servers[id][key]; ok {
		return v
	}
	return def
}

// Write implements Store. The in-memory value is updated even when persisting fails.
func (s *FileStore) Write(id int, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kv, ok := s.servers[id]
	if !ok {
		kv = make(map[string]string)
		s.servers[id] = kv
	}
	kv[key] = value
	return s.flushLocked()
}

// Remove implements Store.
func (s *FileStore) Remove(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.servers[id]; !ok {
		return nil
	}
	delete(s.servers, id)
	return s.flushLocked()
}

// IDs implements Store.
func (s *FileStore) IDs() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedIDs(s.servers)
}

func (s *FileStore) flushLocked() error {
	doc := make(map[string]interface{}, len(s.servers))
	for id, kv := range s.servers {
		values := make(map[string]interface{}, len(kv))
		for k, v := range kv {
			values[k] = v
		}
		doc[strconv.Itoa(id)] = values
	}

	w := viper.New()
	w.SetConfigType("yaml")
	w.Set("servers", doc)

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("settings: mkdir %s: %w", dir, err)
	}
	tmp := filepath.Join(dir, "."+filepath.Base(s.path)+".tmp.yaml")
	if err := w.WriteConfigAs(tmp); err != nil {
		return fmt.Errorf("settings: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("settings: replace %s: %w", s.path, err)
	}
	return nil
}
