// Package registry holds the static model catalog and the use case selection table.
package registry

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ganger-platform/aigateway/pkg/models"
)

var (
	// ErrUnknownModel is returned when a model id is not in the catalog.
	ErrUnknownModel = errors.New("unknown model")
	// ErrUnknownCapability is returned when a use case has no mapped models.
	ErrUnknownCapability = errors.New("unknown capability")
)

// Registry is a read-only model catalog. It is safe for concurrent use.
type Registry struct {
	models    []models.ModelDescriptor
	byID      map[string]models.ModelDescriptor
	selection map[models.UseCase][]models.ModelDescriptor
}

// New builds a Registry, validating that every selection entry names a known model.
func New(catalog []models.ModelDescriptor, selection map[models.UseCase][]string) (*Registry, error) {
	r := &Registry{
		models:    make([]models.ModelDescriptor, len(catalog)),
		byID:      make(map[string]models.ModelDescriptor, len(catalog)),
		selection: make(map[models.UseCase][]models.ModelDescriptor, len(selection)),
	}
	copy(r.models, catalog)
	for _, m := range catalog {
		if _, dup := r.byID[m.ID]; dup {
			return nil, fmt.Errorf("registry: duplicate model %q", m.ID)
		}
		r.byID[m.ID] = m
	}

	for useCase, ids := range selection {
		if len(ids) == 0 {
			return nil, fmt.Errorf("registry: %w: %q has no models", ErrUnknownCapability, useCase)
		}
		list := make([]models.ModelDescriptor, 0, len(ids))
		for _, id := range ids {
			m, ok := r.byID[id]
			if !ok {
				return nil, fmt.Errorf("registry: selection %q: %w: %q", useCase, ErrUnknownModel, id)
			}
			list = append(list, m)
		}
		// Tier first; the table order breaks ties.
		sort.SliceStable(list, func(i, j int) bool { return list[i].Tier < list[j].Tier })
		r.selection[useCase] = list
	}
	return r, nil
}

// ListModels returns every model in catalog order.
func (r *Registry) ListModels() []models.ModelDescriptor {
	out := make([]models.ModelDescriptor, len(r.models))
	copy(out, r.models)
	return out
}

// GetModel returns the model with the given id.
func (r *Registry) GetModel(id string) (models.ModelDescriptor, error) {
	m, ok := r.byID[id]
	if !ok {
		return models.ModelDescriptor{}, fmt.Errorf("%w: %q", ErrUnknownModel, id)
	}
	return m, nil
}

// ModelsForCapability returns the candidates for a use case, tier 1 before tier 2.
func (r *Registry) ModelsForCapability(useCase models.UseCase) ([]models.ModelDescriptor, error) {
	list, ok := r.selection[useCase]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCapability, useCase)
	}
	out := make([]models.ModelDescriptor, len(list))
	copy(out, list)
	return out, nil
}

// UseCases returns the mapped use cases in sorted order.
func (r *Registry) UseCases() []models.UseCase {
	out := make([]models.UseCase, 0, len(r.selection))
	for u := range r.selection {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
