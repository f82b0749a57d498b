package ruleset

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"prompt-bridge/internal/models"
)

const fileExt = ".json"

// ErrNotFound indicates no document is stored under the requested id.
var ErrNotFound = errors.New("ruleset not found")

// ErrExists indicates a create would overwrite an existing document.
var ErrExists = errors.New("ruleset already exists")

// ErrInvalidID indicates the id is not filesystem safe.
var ErrInvalidID = errors.New("invalid ruleset id")

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,40}$`)

// ValidID reports whether id may be used as a ruleset identifier.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// Store keeps one JSON document per ruleset id inside a directory.
type Store struct {
	dir string
}

// NewStore returns a store rooted at dir. The directory is created lazily on
// the first write.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the directory backing the store.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(id string) (string, error) {
	if !ValidID(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return filepath.Join(s.dir, id+fileExt), nil
}

// Read loads and decodes the document stored under id.
func (s *Store) Read(id string) (models.RulesetDocument, error) {
	p, err := s.path(id)
	if err != nil {
		return models.RulesetDocument{}, err
	}

	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return models.RulesetDocument{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return models.RulesetDocument{}, fmt.Errorf("read ruleset %q: %w", id, err)
	}

	doc, err := models.ParseRulesetDocument(data)
	if err != nil {
		return models.RulesetDocument{}, fmt.Errorf("ruleset %q: %w", id, err)
	}
	return doc, nil
}

// Write replaces the document stored under id.
func (s *Store) Write(id string, doc models.RulesetDocument) error {
	p, err := s.path(id)
	if err != nil {
		return err
	}
	data, err := encode(doc)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create ruleset dir: %w", err)
	}

	// Write to a sibling temp file and rename so readers never see a partial document.
	tmp, err := os.CreateTemp(s.dir, "."+id+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp ruleset: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write ruleset %q: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close ruleset %q: %w", id, err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace ruleset %q: %w", id, err)
	}
	return nil
}

// Create stores a new document and fails with ErrExists if id is taken.
func (s *Store) Create(id string, doc models.RulesetDocument) error {
	p, err := s.path(id)
	if err != nil {
		return err
	}
	data, err := encode(doc)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create ruleset dir: %w", err)
	}

	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", ErrExists, id)
		}
		return fmt.Errorf("create ruleset %q: %w", id, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write ruleset %q: %w", id, err)
	}
	return f.Close()
}

// List returns the ids of every stored document in lexical order. A missing
// directory yields an empty list.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("list rulesets: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		id := strings.TrimSuffix(name, fileExt)
		if ValidID(id) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func encode(doc models.RulesetDocument) ([]byte, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode ruleset: %w", err)
	}
	return data, nil
}
