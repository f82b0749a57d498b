package envfile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/joho/godotenv"
)

const rebuildPrefix = "VITE_"

const editorNote = "Editing VITE_* requires rebuild to take effect in the client."

var commentLine = regexp.MustCompile(`^\s*#`)

// Value is the public view of one allowed key. Secret keys only reveal
// whether they are set and their last six characters.
type Value struct {
	Has    *bool   `json:"has,omitempty"`
	Masked *string `json:"masked,omitempty"`
	Value  *string `json:"value,omitempty"`
}

// Snapshot is the response of a read.
type Snapshot struct {
	Values map[string]Value `json:"values"`
	Path   string           `json:"path"`
	Note   string           `json:"note"`
}

// Editor reads and rewrites a whitelisted subset of a .env file.
type Editor struct {
	mu      sync.Mutex
	path    string
	allowed map[string]struct{}
	secret  map[string]struct{}
}

// New returns an editor for path. Only keys in allowed can be read or
// written; keys in secret are masked on read.
func New(path string, allowed, secret []string) (*Editor, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve env file path: %w", err)
	}

	e := &Editor{
		path:    abs,
		allowed: make(map[string]struct{}, len(allowed)),
		secret:  make(map[string]struct{}, len(secret)),
	}
	for _, k := range allowed {
		e.allowed[k] = struct{}{}
	}
	for _, k := range secret {
		e.secret[k] = struct{}{}
	}
	return e, nil
}

// Path returns the absolute path of the edited file.
func (e *Editor) Path() string {
	return e.path
}

// Read returns the current value of every allowed key.
func (e *Editor) Read() (Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	text, err := e.load()
	if err != nil {
		return Snapshot{}, err
	}
	values := parse(text)

	out := make(map[string]Value, len(e.allowed))
	for key := range e.allowed {
		v := values[key]
		if _, ok := e.secret[key]; ok {
			has := v != ""
			masked := Mask(v)
			out[key] = Value{Has: &has, Masked: &masked}
			continue
		}
		plain := v
		out[key] = Value{Value: &plain}
	}

	return Snapshot{Values: out, Path: e.path, Note: editorNote}, nil
}

// Update writes the allowed string entries of updates to the file and the
// process environment. Unknown keys and non-string values are ignored.
// requiresRebuild reports whether a client build-time key changed.
func (e *Editor) Update(updates map[string]any) (requiresRebuild bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	text, err := e.load()
	if err != nil {
		return false, err
	}

	applied := make(map[string]string)
	for key, raw := range updates {
		if _, ok := e.allowed[key]; !ok {
			continue
		}
		value, ok := raw.(string)
		if !ok {
			continue
		}
		applied[key] = value
		if strings.HasPrefix(key, rebuildPrefix) {
			requiresRebuild = true
		}
	}
	if len(applied) == 0 {
		return false, nil
	}

	if err := os.MkdirAll(filepath.Dir(e.path), 0o755); err != nil {
		return false, fmt.Errorf("create env dir: %w", err)
	}
	if err := os.WriteFile(e.path, []byte(serialize(applied, text)), 0o600); err != nil {
		return false, fmt.Errorf("write env file: %w", err)
	}

	for key, value := range applied {
		if err := os.Setenv(key, value); err != nil {
			return requiresRebuild, fmt.Errorf("apply %s: %w", key, err)
		}
	}
	return requiresRebuild, nil
}

func (e *Editor) load() (string, error) {
	data, err := os.ReadFile(e.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("read env file: %w", err)
	}
	return string(data), nil
}

// Mask hides all but the last six characters of v.
func Mask(v string) string {
	n := utf8.RuneCountInString(v)
	if n <= 6 {
		return v
	}
	runes := []rune(v)
	return strings.Repeat("*", n-6) + string(runes[n-6:])
}

// parse reads the file with godotenv. A file godotenv rejects as a whole is
// parsed line by line so one bad line does not hide the rest.
func parse(text string) map[string]string {
	if values, err := godotenv.Unmarshal(text); err == nil {
		return values
	}

	values := make(map[string]string)
	for _, line := range splitLines(text) {
		if line == "" || commentLine.MatchString(line) || !strings.Contains(line, "=") {
			continue
		}
		parsed, err := godotenv.Unmarshal(line)
		if err != nil {
			continue
		}
		for k, v := range parsed {
			values[k] = v
		}
	}
	return values
}

// serialize rewrites lines that assign an updated key, keeps every other line
// untouched and appends keys that were not present yet.
func serialize(updates map[string]string, original string) string {
	pending := make(map[string]string, len(updates))
	for k, v := range updates {
		pending[k] = v
	}

	var lines []string
	if trimmed := strings.TrimRight(original, "\r\n"); trimmed != "" {
		lines = splitLines(trimmed)
	}

	out := make([]string, 0, len(lines)+len(pending))
	for _, line := range lines {
		key, ok := assignedKey(line)
		if !ok {
			out = append(out, line)
			continue
		}
		value, updated := pending[key]
		if !updated {
			if _, done := updates[key]; done {
				// Later duplicate of a key already rewritten above.
				out = append(out, key+"="+quote(updates[key]))
				continue
			}
			out = append(out, line)
			continue
		}
		delete(pending, key)
		out = append(out, key+"="+quote(value))
	}

	remaining := make([]string, 0, len(pending))
	for k := range pending {
		remaining = append(remaining, k)
	}
	sort.Strings(remaining)
	for _, k := range remaining {
		out = append(out, k+"="+quote(pending[k]))
	}

	return strings.Join(out, "\n") + "\n"
}

func assignedKey(line string) (string, bool) {
	if line == "" || commentLine.MatchString(line) {
		return "", false
	}
	idx := strings.Index(line, "=")
	if idx < 0 {
		return "", false
	}
	key := strings.TrimSpace(line[:idx])
	key = strings.TrimSpace(strings.TrimPrefix(key, "export "))
	return key, key != ""
}

// quote wraps values that godotenv would otherwise read differently.
func quote(v string) string {
	if v == "" || !strings.ContainsAny(v, " \t\r\n#\"'`\\$") {
		return v
	}
	return strconv.Quote(v)
}

func splitLines(text string) []string {
	return strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
}
