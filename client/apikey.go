package client

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// apiKeyField names the credentials line holding the API key. Other lines
// are kept as they are.
const apiKeyField = "apikey"

// APIKeyStore is the API key logp sends as the handshake token, backed
// by a line-oriented credentials file
type APIKeyStore struct {
	path string

	mu  sync.RWMutex
	key string
}

// StoreOption changes where an APIKeyStore keeps its credentials
type StoreOption func(*storeLocation)

// storeLocation is root/folder/file; root defaults to the home directory
type storeLocation struct {
	root, folder, file string
}

func WithStoreRoot(root string) StoreOption {
	return func(l *storeLocation) { l.root = root }
}

func WithStoreFolder(folder string) StoreOption {
	return func(l *storeLocation) { l.folder = folder }
}

func WithStoreFile(file string) StoreOption {
	return func(l *storeLocation) { l.file = file }
}

// NewAPIKeyStore reads ~/.logp/credentials unless options say otherwise.
// A store whose file does not exist yet holds no key.
func NewAPIKeyStore(options ...StoreOption) (*APIKeyStore, error) {
	loc := storeLocation{folder: ".logp", file: "credentials"}
	for _, option := range options {
		option(&loc)
	}
	if loc.root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("locating credentials: %w", err)
		}
		loc.root = home
	}

	s := &APIKeyStore{path: filepath.Join(loc.root, loc.folder, loc.file)}
	lines, err := s.readLines()
	if err != nil {
		return nil, err
	}
	if i := keyLine(lines); i >= 0 {
		s.key = fieldValue(lines[i])
	}
	return s, nil
}

// Key is the stored API key; "" when none has been configured
func (s *APIKeyStore) Key() string {
	if s == nil {
		return ""
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.key
}

// SaveKey writes key to the credentials file, creating it with owner-only
// permissions if needed.
func (s *APIKeyStore) SaveKey(key string) error {
	if s == nil {
		return errors.New("no credentials store")
	}
	if strings.ContainsAny(key, "\r\n") {
		return errors.New("API key must be a single line")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	lines, err := s.readLines()
	if err != nil {
		return err
	}
	entry := apiKeyField + "=" + key
	if i := keyLine(lines); i >= 0 {
		lines[i] = entry
	} else {
		lines = append(lines, entry)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("creating credentials folder: %w", err)
	}
	var buf bytes.Buffer
	for _, line := range lines {
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	if err := os.WriteFile(s.path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("writing credentials: %w", err)
	}
	s.key = key
	return nil
}

// FilePath is where the credentials live
func (s *APIKeyStore) FilePath() string {
	if s == nil {
		return ""
	}
	return s.path
}

func (s *APIKeyStore) readLines() ([]string, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading credentials: %w", err)
	}
	text := strings.TrimRight(string(data), "\n")
	if text == "" {
		return nil, nil
	}
	return strings.Split(text, "\n"), nil
}

// keyLine is the index of the first apikey line, or -1
func keyLine(lines []string) int {
	for i, line := range lines {
		name, _, ok := strings.Cut(strings.TrimSpace(line), "=")
		if ok && strings.TrimSpace(name) == apiKeyField {
			return i
		}
	}
	return -1
}

func fieldValue(line string) string {
	_, value, _ := strings.Cut(line, "=")
	return strings.TrimSpace(value)
}

// MaskKey shows only the last four characters of key
func MaskKey(key string) string {
	switch n := len(key); {
	case n == 0:
		return "(none)"
	case n <= 4:
		return strings.Repeat("*", n)
	default:
		return strings.Repeat("*", n-4) + key[n-4:]
	}
}
