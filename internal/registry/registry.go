// Package registry is the process-wide catalog of arena connectors.
//
// A Builder collects descriptors at startup and Build seals them into an
// immutable Registry. The Registry is safe for concurrent reads without
// locking because nothing mutates it after Build. It is also the only place
// that knows how a (platform, task kind) pair maps to the identifier used on
// the worker queue; every producer and consumer of task identifiers calls
// CanonicalTaskID instead of formatting one.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ashita-ai/atsume/internal/model"
)

var (
	// ErrNotFound is returned when a platform name is not registered.
	ErrNotFound = errors.New("registry: arena not found")
	// ErrDuplicateRegistration is returned when a platform name is registered twice.
	ErrDuplicateRegistration = errors.New("registry: duplicate registration")
	// ErrInvalidDescriptor is returned when a descriptor fails validation.
	ErrInvalidDescriptor = errors.New("registry: invalid descriptor")
	// ErrSealed is returned by Register after Build has been called.
	ErrSealed = errors.New("registry: builder already sealed")
	// ErrUnsupportedTaskKind is returned when a descriptor cannot run the requested task kind.
	ErrUnsupportedTaskKind = errors.New("registry: unsupported task kind")
)

// TaskKind is a kind of dispatchable work a connector supports.
type TaskKind string

const (
	TaskCollect     TaskKind = "collect"
	TaskHealthCheck TaskKind = "health_check"
)

// TaskID is a canonical wire-level task identifier.
type TaskID string

// taskIDPrefix namespaces every task identifier on the queue.
const taskIDPrefix = "atsume.arenas."

// formatTaskID is the single formatter for task identifiers. It is
// unexported so no other package can rebuild identifiers by hand.
func formatTaskID(platform string, kind TaskKind) TaskID {
	return TaskID(taskIDPrefix + platform + ".tasks." + string(kind))
}

// Builder accumulates descriptors before the registry is sealed.
type Builder struct {
	mu     sync.Mutex
	descs  map[string]model.ArenaDescriptor
	order  []string
	sealed bool
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{descs: make(map[string]model.ArenaDescriptor)}
}

// Register adds a descriptor. Duplicate platform names fail with
// ErrDuplicateRegistration; calls after Build fail with ErrSealed.
func (b *Builder) Register(d model.ArenaDescriptor) error {
	if err := validate(d); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sealed {
		return fmt.Errorf("%w: cannot register %s", ErrSealed, d.PlatformName)
	}
	if _, exists := b.descs[d.PlatformName]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateRegistration, d.PlatformName)
	}
	b.descs[d.PlatformName] = cloneDescriptor(d)
	b.order = append(b.order, d.PlatformName)
	return nil
}

// Build seals the builder and returns the immutable registry.
func (b *Builder) Build() *Registry {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sealed = true

	r := &Registry{
		byPlatform: make(map[string]model.ArenaDescriptor, len(b.descs)),
		byArena:    make(map[string][]string),
	}
	names := append([]string(nil), b.order...)
	sort.Strings(names)
	for _, name := range names {
		d := b.descs[name]
		r.byPlatform[name] = d
		r.byArena[d.ArenaName] = append(r.byArena[d.ArenaName], name)
		r.platforms = append(r.platforms, name)
	}
	return r
}

// New registers every descriptor and returns the sealed registry.
// Startup code uses it to fail fast on catalog misconfiguration.
func New(descs ...model.ArenaDescriptor) (*Registry, error) {
	b := NewBuilder()
	for _, d := range descs {
		if err := b.Register(d); err != nil {
			return nil, err
		}
	}
	return b.Build(), nil
}

// Registry is the read-only arena catalog.
type Registry struct {
	byPlatform map[string]model.ArenaDescriptor
	byArena    map[string][]string
	platforms  []string // sorted
}

// Get returns the descriptor for platform.
func (r *Registry) Get(platform string) (model.ArenaDescriptor, error) {
	d, ok := r.byPlatform[platform]
	if !ok {
		return model.ArenaDescriptor{}, fmt.Errorf("%w: %s", ErrNotFound, platform)
	}
	return cloneDescriptor(d), nil
}

// ListAll returns every descriptor ordered by platform name.
func (r *Registry) ListAll() []model.ArenaDescriptor {
	out := make([]model.ArenaDescriptor, 0, len(r.platforms))
	for _, name := range r.platforms {
		out = append(out, cloneDescriptor(r.byPlatform[name]))
	}
	return out
}

// ListByArenaName returns descriptors sharing the grouping label name.
func (r *Registry) ListByArenaName(name string) []model.ArenaDescriptor {
	names := r.byArena[name]
	out := make([]model.ArenaDescriptor, 0, len(names))
	for _, p := range names {
		out = append(out, cloneDescriptor(r.byPlatform[p]))
	}
	return out
}

// ArenaNames returns the distinct grouping labels, sorted.
func (r *Registry) ArenaNames() []string {
	out := make([]string, 0, len(r.byArena))
	for name := range r.byArena {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of registered platforms.
func (r *Registry) Len() int { return len(r.platforms) }

// CanonicalTaskID returns the identifier under which a platform's task of
// the given kind is enqueued and handled.
func (r *Registry) CanonicalTaskID(platform string, kind TaskKind) (TaskID, error) {
	d, ok := r.byPlatform[platform]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, platform)
	}
	switch kind {
	case TaskCollect:
	case TaskHealthCheck:
		if !d.SupportsHealthCheck {
			return "", fmt.Errorf("%w: %s does not support %s", ErrUnsupportedTaskKind, platform, kind)
		}
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedTaskKind, kind)
	}
	return formatTaskID(platform, kind), nil
}

func validate(d model.ArenaDescriptor) error {
	if d.PlatformName == "" {
		return fmt.Errorf("%w: platform_name is required", ErrInvalidDescriptor)
	}
	if d.ArenaName == "" {
		return fmt.Errorf("%w: %s: arena_name is required", ErrInvalidDescriptor, d.PlatformName)
	}
	if d.CreditCost < 1 {
		return fmt.Errorf("%w: %s: credit_cost must be at least 1", ErrInvalidDescriptor, d.PlatformName)
	}
	seen := make(map[string]bool, len(d.RequiredArguments))
	for _, a := range d.RequiredArguments {
		if a.Name == "" {
			return fmt.Errorf("%w: %s: argument with empty name", ErrInvalidDescriptor, d.PlatformName)
		}
		if seen[a.Name] {
			return fmt.Errorf("%w: %s: argument %q listed twice", ErrInvalidDescriptor, d.PlatformName, a.Name)
		}
		if !a.Type.Valid() {
			return fmt.Errorf("%w: %s: argument %q has unknown type %q", ErrInvalidDescriptor, d.PlatformName, a.Name, a.Type)
		}
		seen[a.Name] = true
	}
	return nil
}

func cloneDescriptor(d model.ArenaDescriptor) model.ArenaDescriptor {
	d.RequiredArguments = append([]model.ArgumentSpec(nil), d.RequiredArguments...)
	return d
}
