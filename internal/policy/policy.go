// Package policy defines the pluggable state policy that decides a
// participant's next questionnaire assignment.
//
// A policy is a pure function of (current entry, trigger, now). Concrete
// policies register a factory under a name; the composition root picks one
// by name from configuration.
package policy

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"studytrack/internal/participant"
)

// DefaultName is the policy used when the configuration does not name one.
const DefaultName = "example"

// Policy computes a participant's next state.
//
// NextState must not perform I/O: the same inputs always give the same output,
// and the output must satisfy participant.Entry.Validate.
type Policy interface {
	Name() string
	NextState(current participant.Entry, trigger participant.Trigger, now time.Time) (participant.Entry, error)
}

// Config selects and parameterizes a policy.
type Config struct {
	Name    string
	Example ExampleConfig
}

// Factory builds a policy from configuration.
type Factory func(cfg Config) (Policy, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a policy factory available under name.
// Registering the same name twice panics.
func Register(name string, f Factory) {
	name = strings.ToLower(strings.TrimSpace(name))
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("policy: duplicate registration of " + name)
	}
	registry[name] = f
}

// New builds the policy named by cfg.Name (DefaultName when empty).
func New(cfg Config) (Policy, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Name))
	if name == "" {
		name = DefaultName
	}
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown policy %q (available: %s)", name, strings.Join(Names(), ", "))
	}
	return f(cfg)
}

// Names lists registered policies in sorted order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func days(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }
