package router

import (
	"errors"
	"fmt"

	"github.com/ganger-platform/aigateway/pkg/models"
	"github.com/ganger-platform/aigateway/pkg/registry"
)

// ErrNoCandidates is returned when every mapped model was excluded.
var ErrNoCandidates = errors.New("no candidate models")

// Catalog is the subset of the registry the router needs.
type Catalog interface {
	ModelsForCapability(useCase models.UseCase) ([]models.ModelDescriptor, error)
}

// Router resolves a use case to an ordered list of candidate models.
type Router struct {
	catalog Catalog
}

// New creates a Router over the given catalog.
func New(c Catalog) *Router {
	return &Router{catalog: c}
}

// SelectCandidates returns the models eligible for useCase in preference order.
// Models already tried (exclude) are skipped so retries fail over, and clinical
// requests only see HIPAA-compliant models.
func (r *Router) SelectCandidates(useCase models.UseCase, clinical bool, exclude ...string) ([]models.ModelDescriptor, error) {
	list, err := r.catalog.ModelsForCapability(useCase)
	if err != nil {
		return nil, err
	}

	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}

	var out []models.ModelDescriptor
	for _, m := range list {
		if skip[m.ID] {
			continue
		}
		if clinical && !m.HIPAACompliant {
			continue
		}
		out = append(out, m)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w for %q", ErrNoCandidates, useCase)
	}
	return out, nil
}

// IsConfigError reports whether err comes from a bad use case rather than exhausted candidates.
func IsConfigError(err error) bool {
	return errors.Is(err, registry.ErrUnknownCapability) || errors.Is(err, registry.ErrUnknownModel)
}
