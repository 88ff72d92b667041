package convert

import (
	"fmt"
	"sort"

	"redline/internal/domain"
)

// Converter is one pure text-transform stage applied before dispatch.
// Implementations must be stateless and side-effect free.
type Converter interface {
	Name() string
	Convert(text string) (string, error)
}

// Factory builds a converter from its configured parameters. Parameter errors
// surface at orchestrator creation, not mid-execution.
type Factory func(params map[string]string) (Converter, error)

type Registry struct {
	factories map[string]Factory
}

func NewRegistry() *Registry {
	r := &Registry{factories: map[string]Factory{}}
	registerBuiltins(r)
	return r
}

func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
}

func (r *Registry) Has(name string) bool {
	_, ok := r.factories[name]
	return ok
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Build assembles an ordered pipeline from converter specs.
func (r *Registry) Build(specs []domain.ConverterSpec) (Pipeline, error) {
	stages := make([]Converter, 0, len(specs))
	for _, s := range specs {
		f, ok := r.factories[s.Name]
		if !ok {
			return nil, fmt.Errorf("unknown converter %q", s.Name)
		}
		c, err := f(s.Params)
		if err != nil {
			return nil, fmt.Errorf("converter %s: %w", s.Name, err)
		}
		stages = append(stages, c)
	}
	return Pipeline(stages), nil
}

// Pipeline applies its stages left to right.
type Pipeline []Converter

func (p Pipeline) Apply(text string) (string, error) {
	out := text
	for _, c := range p {
		v, err := c.Convert(out)
		if err != nil {
			return "", fmt.Errorf("converter %s: %w", c.Name(), err)
		}
		out = v
	}
	return out, nil
}
