package score

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"redline/internal/domain"
)

// Result is one scorer's verdict on a response.
type Result struct {
	Value     float64
	Category  domain.Severity
	Rationale string
}

// Scorer evaluates a completed response. Implementations only read the
// immutable response text, so scorers for one piece may run concurrently.
type Scorer interface {
	Name() string
	Score(ctx context.Context, prompt, response string) (Result, error)
}

type Registry struct {
	scorers map[string]Scorer
}

func NewRegistry() *Registry {
	r := &Registry{scorers: map[string]Scorer{}}
	registerBuiltins(r)
	return r
}

func (r *Registry) Register(s Scorer) {
	r.scorers[s.Name()] = s
}

func (r *Registry) Has(name string) bool {
	_, ok := r.scorers[name]
	return ok
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.scorers))
	for n := range r.scorers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Resolve maps scorer names to instances, rejecting unknown names.
func (r *Registry) Resolve(names []string) ([]Scorer, error) {
	res := make([]Scorer, 0, len(names))
	for _, n := range names {
		s, ok := r.scorers[n]
		if !ok {
			return nil, fmt.Errorf("unknown scorer %q", n)
		}
		res = append(res, s)
	}
	return res, nil
}

// Scored pairs a scorer name with its result or error.
type Scored struct {
	Scorer string
	Result Result
	Err    error
}

// RunAll invokes every scorer against the response concurrently and returns
// results in scorer order. A failing scorer yields an entry with Err set and
// does not disturb its siblings.
func RunAll(ctx context.Context, scorers []Scorer, prompt, response string) []Scored {
	out := make([]Scored, len(scorers))
	var wg sync.WaitGroup
	for i, s := range scorers {
		wg.Add(1)
		go func(i int, s Scorer) {
			defer wg.Done()
			res, err := s.Score(ctx, prompt, response)
			out[i] = Scored{Scorer: s.Name(), Result: res, Err: err}
		}(i, s)
	}
	wg.Wait()
	return out
}
