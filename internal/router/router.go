// Package router maps the model names advertised to OpenAI clients onto
// upstream model identities.
package router

import (
	"log/slog"
	"sort"
	"time"

	"github.com/felipepmaragno/gemini-gateway/internal/domain"
	"github.com/felipepmaragno/gemini-gateway/internal/upstream"
)

const (
	// GenericModelName is advertised when no mapping is configured but a
	// default upstream model is.
	GenericModelName = "gpt-3.5-turbo"
	ownedBy          = "proxy-engine"

	// OtherModelLabel stands in for names that are not advertised.
	OtherModelLabel = "other"
)

// LookupFunc resolves an upstream model name to its identity.
type LookupFunc func(name string) (upstream.Model, error)

// Router is read-only after construction.
type Router struct {
	mapping      map[string]string
	defaultModel string
	lookup       LookupFunc
}

func New(mapping map[string]string, defaultModel string, lookup LookupFunc) *Router {
	m := make(map[string]string, len(mapping))
	for k, v := range mapping {
		m[k] = v
	}
	if defaultModel == "" {
		defaultModel = upstream.Unspecified.Name
	}
	return &Router{
		mapping:      m,
		defaultModel: defaultModel,
		lookup:       lookup,
	}
}

// Resolve never fails: unmapped names use the default upstream model and
// unknown upstream names degrade to upstream.Unspecified.
func (r *Router) Resolve(requested string) upstream.Model {
	name, ok := r.mapping[requested]
	if ok {
		slog.Debug("model mapped", "requested", requested, "upstream_model", name)
	} else {
		name = r.defaultModel
		slog.Info("model not in mapping, using default", "requested", requested, "upstream_model", name)
	}

	model, err := r.lookup(name)
	if err != nil {
		slog.Warn("invalid upstream model name, falling back to unspecified", "upstream_model", name, "error", err)
		return upstream.Unspecified
	}
	return model
}

// Label bounds a requested name for use as a metric label. Advertised names
// are kept; anything else is reported as OtherModelLabel.
func (r *Router) Label(requested string) string {
	if _, ok := r.mapping[requested]; ok {
		return requested
	}
	if requested == GenericModelName && len(r.mapping) == 0 && r.defaultModel != upstream.Unspecified.Name {
		return requested
	}
	return OtherModelLabel
}

// Models lists the advertised model names, sorted.
func (r *Router) Models() []domain.Model {
	created := time.Now().Unix()

	names := make([]string, 0, len(r.mapping))
	for name := range r.mapping {
		names = append(names, name)
	}
	sort.Strings(names)

	if len(names) == 0 && r.defaultModel != upstream.Unspecified.Name {
		names = append(names, GenericModelName)
	}

	models := make([]domain.Model, 0, len(names))
	for _, name := range names {
		models = append(models, domain.Model{
			ID:      name,
			Object:  "model",
			Created: created,
			OwnedBy: ownedBy,
		})
	}
	return models
}
