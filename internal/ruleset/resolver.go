package ruleset

import (
	"encoding/json"
	"errors"
	"log/slog"

	"prompt-bridge/internal/models"
)

// Reader loads a ruleset document by id.
type Reader interface {
	Read(id string) (models.RulesetDocument, error)
}

// Resolver picks the system prompt document for a completion request.
type Resolver struct {
	reader    Reader
	defaultID string
}

// NewResolver constructs a resolver that falls back to defaultID when a
// request names no ruleset.
func NewResolver(reader Reader, defaultID string) *Resolver {
	return &Resolver{reader: reader, defaultID: defaultID}
}

// Resolve never fails. A JSON object inline override wins; otherwise the
// stored document is used, and any read or parse failure yields the
// built-in default.
func (r *Resolver) Resolve(id string, inline json.RawMessage) models.RulesetDocument {
	if len(inline) > 0 {
		if doc, err := models.ParseRulesetDocument(inline); err == nil {
			return doc
		}
	}

	if id == "" {
		id = r.defaultID
	}
	if r.reader == nil || id == "" {
		return models.DefaultRuleset()
	}

	doc, err := r.reader.Read(id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			slog.Warn("ruleset unreadable, using default", "ruleset", id, "err", err)
		}
		return models.DefaultRuleset()
	}
	return doc
}
