package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"prompt-bridge/internal/models"
)

// ErrUnsupportedProvider indicates the model belongs to a retired provider family.
var ErrUnsupportedProvider = errors.New("model not supported")

// ErrMissingCredential indicates no API key is configured for the routed provider.
var ErrMissingCredential = errors.New("no api key configured")

// Kind identifies which upstream adapter serves a model.
type Kind int

const (
	KindUnsupported Kind = iota
	KindOpenRouter
	KindGroq
)

func (k Kind) String() string {
	switch k {
	case KindOpenRouter:
		return "OpenRouter"
	case KindGroq:
		return "Groq"
	default:
		return "Unsupported"
	}
}

// groqPrefix is stripped before the model id is sent upstream.
const groqPrefix = "groq/"

// Call is everything an adapter needs for one upstream request.
type Call struct {
	Credential string
	Model      string
	Messages   []models.Message
}

// Adapter streams a chat completion from one upstream provider. The caller
// owns the returned body and must close it.
type Adapter interface {
	Kind() Kind
	Stream(ctx context.Context, call Call) (io.ReadCloser, error)
}

// UpstreamError reports a failed upstream call: a non-2xx status, a missing
// body or a transport failure.
type UpstreamError struct {
	Provider string
	Status   int
	Message  string
	Err      error
}

func (e *UpstreamError) Error() string {
	return e.Message
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Registry is the fixed, ordered list of selectable models. It is built once
// at startup and never mutated.
type Registry struct {
	descriptors []models.ProviderDescriptor
	retired     []string
}

// NewRegistry constructs a registry from a declarative list.
func NewRegistry(descriptors []models.ProviderDescriptor, retiredPrefixes []string) (*Registry, error) {
	if len(descriptors) == 0 {
		return nil, errors.New("registry requires at least one model")
	}

	seen := make(map[string]struct{}, len(descriptors))
	list := make([]models.ProviderDescriptor, 0, len(descriptors))
	for _, d := range descriptors {
		key := strings.TrimSpace(d.Key)
		if key == "" {
			return nil, errors.New("model key must not be empty")
		}
		if _, dup := seen[strings.ToLower(key)]; dup {
			return nil, fmt.Errorf("model %q already registered", key)
		}
		seen[strings.ToLower(key)] = struct{}{}
		label := d.Label
		if label == "" {
			label = key
		}
		list = append(list, models.ProviderDescriptor{Key: key, Label: label})
	}

	retired := make([]string, 0, len(retiredPrefixes))
	for _, p := range retiredPrefixes {
		retired = append(retired, strings.ToLower(p))
	}

	return &Registry{descriptors: list, retired: retired}, nil
}

// Descriptors returns a copy of the registered models in order.
func (r *Registry) Descriptors() []models.ProviderDescriptor {
	out := make([]models.ProviderDescriptor, len(r.descriptors))
	copy(out, r.descriptors)
	return out
}

// Default returns the first registered model key.
func (r *Registry) Default() string {
	return r.descriptors[0].Key
}

// Route is the outcome of matching a model id against the provider prefixes.
type Route struct {
	Kind Kind
	// Requested is the full model id after defaulting.
	Requested string
	// Model is the id sent upstream.
	Model string
}

// Route matches providerModel case-insensitively by prefix. An empty id
// selects the registry default.
func (r *Registry) Route(providerModel string) Route {
	requested := strings.TrimSpace(providerModel)
	if requested == "" {
		requested = r.Default()
	}
	lower := strings.ToLower(requested)

	for _, prefix := range r.retired {
		if strings.HasPrefix(lower, prefix) {
			return Route{Kind: KindUnsupported, Requested: requested}
		}
	}

	if strings.HasPrefix(lower, groqPrefix) {
		return Route{Kind: KindGroq, Requested: requested, Model: requested[len(groqPrefix):]}
	}
	return Route{Kind: KindOpenRouter, Requested: requested, Model: requested}
}
