package target

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"redline/internal/config"
)

// Ref is a resolved target: everything needed for one outbound call. Auth
// material is injected as an opaque header for the gateway to consume.
type Ref struct {
	Name       string
	Endpoint   string
	Provider   string
	AuthHeader string
	AuthValue  string
	Timeout    time.Duration
	Limiter    *rate.Limiter
}

// Resolver maps a target id to its endpoint, auth material and provider type.
// The production implementation reads the local catalog; tests supply fakes.
type Resolver interface {
	Resolve(id string) (Ref, error)
}

var ErrUnknownTarget = errors.New("unknown target")

// Catalog resolves targets from redline.yml.
type Catalog struct {
	refs map[string]Ref
}

func NewCatalog(targets map[string]config.Target, defaultTimeout time.Duration) *Catalog {
	refs := make(map[string]Ref, len(targets))
	for name, t := range targets {
		timeout := defaultTimeout
		if t.TimeoutSeconds > 0 {
			timeout = time.Duration(t.TimeoutSeconds) * time.Second
		}
		ref := Ref{
			Name:       name,
			Endpoint:   t.Endpoint,
			Provider:   t.Provider,
			AuthHeader: t.AuthHeader,
			Timeout:    timeout,
		}
		if t.AuthEnv != "" {
			ref.AuthValue = os.Getenv(t.AuthEnv)
		}
		if t.RatePerSecond > 0 {
			ref.Limiter = rate.NewLimiter(rate.Limit(t.RatePerSecond), 1)
		}
		refs[name] = ref
	}
	return &Catalog{refs: refs}
}

func (c *Catalog) Resolve(id string) (Ref, error) {
	ref, ok := c.refs[id]
	if !ok {
		return Ref{}, fmt.Errorf("%w: %s", ErrUnknownTarget, id)
	}
	return ref, nil
}

func (c *Catalog) Has(id string) bool {
	_, ok := c.refs[id]
	return ok
}

// Names lists the configured targets, sorted.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.refs))
	for name := range c.refs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TransientError marks a failure worth retrying: timeouts, 5xx, connection
// resets.
type TransientError struct {
	Err error
}

func (e TransientError) Error() string { return e.Err.Error() }
func (e TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure retrying cannot fix: auth rejection or
// request validation (4xx).
type PermanentError struct {
	Err error
}

func (e PermanentError) Error() string { return e.Err.Error() }
func (e PermanentError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried per the retry policy.
func IsTransient(err error) bool {
	var te TransientError
	return errors.As(err, &te)
}
