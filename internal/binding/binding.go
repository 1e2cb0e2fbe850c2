// Package binding resolves a connector's required arguments from run context.
//
// A Set maps each required argument name to a Source. Sets are validated
// statically against a descriptor (Validate) when a trigger is registered,
// and resolved into concrete Arguments (Bind) when a task is created.
package binding

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/ashita-ai/atsume/internal/model"
)

var (
	// ErrConfiguration matches every *ConfigurationError.
	ErrConfiguration = errors.New("binding: configuration error")
	// ErrUnresolved is returned by Bind when a source has no value in context.
	ErrUnresolved = errors.New("binding: argument unresolved")
)

// Context is what a Source can draw values from.
type Context struct {
	QueryDesignID uuid.UUID
	RunID         uuid.UUID
	Target        model.ArenaTarget
}

// Source produces one argument value.
type Source interface {
	// Produces is the argument type this source yields.
	Produces() model.ArgType
	// Resolve returns the value or ErrUnresolved.
	Resolve(c Context) (any, error)
	// String describes the source for logs and errors.
	String() string
}

// Set binds argument names to sources for one connector.
type Set map[string]Source

// Plan binds sets per platform name. A periodic trigger carries a Plan.
type Plan map[string]Set

// QueryDesignID binds the run's query design id.
func QueryDesignID() Source { return queryDesignSource{} }

// RunID binds the run id.
func RunID() Source { return runSource{} }

// Terms binds the arena target's term list.
func Terms() Source { return termsSource{} }

// Param binds the arena target's param key as type t.
func Param(key string, t model.ArgType) Source { return paramSource{key: key, typ: t} }

// Literal binds a fixed value, typed from the value itself.
func Literal(v any) Source { return literalSource{v: v} }

type queryDesignSource struct{}

func (queryDesignSource) Produces() model.ArgType { return model.ArgUUID }
func (queryDesignSource) String() string          { return "query_design_id" }
func (queryDesignSource) Resolve(c Context) (any, error) {
	if c.QueryDesignID == uuid.Nil {
		return nil, ErrUnresolved
	}
	return c.QueryDesignID, nil
}

type runSource struct{}

func (runSource) Produces() model.ArgType { return model.ArgUUID }
func (runSource) String() string          { return "run_id" }
func (runSource) Resolve(c Context) (any, error) {
	if c.RunID == uuid.Nil {
		return nil, ErrUnresolved
	}
	return c.RunID, nil
}

type termsSource struct{}

func (termsSource) Produces() model.ArgType { return model.ArgStrings }
func (termsSource) String() string          { return "terms" }
func (termsSource) Resolve(c Context) (any, error) {
	if len(c.Target.Terms) == 0 {
		return nil, ErrUnresolved
	}
	return slices.Clone(c.Target.Terms), nil
}

type paramSource struct {
	key string
	typ model.ArgType
}

func (p paramSource) Produces() model.ArgType { return p.typ }
func (p paramSource) String() string          { return "param:" + p.key }
func (p paramSource) Resolve(c Context) (any, error) {
	raw, ok := c.Target.Params[p.key]
	if !ok {
		return nil, ErrUnresolved
	}
	v, ok := coerce(raw, p.typ)
	if !ok {
		return nil, fmt.Errorf("%w: param %q is %T, want %s", ErrUnresolved, p.key, raw, p.typ)
	}
	return v, nil
}

type literalSource struct{ v any }

func (l literalSource) Produces() model.ArgType { return typeOf(l.v) }
func (l literalSource) String() string          { return fmt.Sprintf("literal:%v", l.v) }
func (l literalSource) Resolve(Context) (any, error) {
	if typeOf(l.v) == "" {
		return nil, ErrUnresolved
	}
	return l.v, nil
}

// Conventional returns the set used for on-demand runs: well-known names
// bind from run context, terms from the arena target, and every other
// argument from the target param of the same name.
func Conventional(d model.ArenaDescriptor) Set {
	s := make(Set, len(d.RequiredArguments))
	for _, a := range d.RequiredArguments {
		switch a.Name {
		case model.ArgQueryDesignID:
			s[a.Name] = QueryDesignID()
		case model.ArgRunID:
			s[a.Name] = RunID()
		case model.ArgTerms:
			s[a.Name] = Terms()
		default:
			s[a.Name] = Param(a.Name, a.Type)
		}
	}
	return s
}

// ConfigurationError reports a binding set that cannot satisfy a descriptor.
type ConfigurationError struct {
	Trigger  string
	Platform string
	Missing  []string
	Mistyped []string
	Cause    error
}

func (e *ConfigurationError) Error() string {
	var b strings.Builder
	b.WriteString("binding: configuration error")
	if e.Trigger != "" {
		fmt.Fprintf(&b, ": trigger %q", e.Trigger)
	}
	if e.Platform != "" {
		fmt.Fprintf(&b, ": arena %s", e.Platform)
	}
	if len(e.Missing) > 0 {
		fmt.Fprintf(&b, ": no binding for %s", strings.Join(e.Missing, ", "))
	}
	if len(e.Mistyped) > 0 {
		fmt.Fprintf(&b, ": wrong type for %s", strings.Join(e.Mistyped, ", "))
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Is makes errors.Is(err, ErrConfiguration) true.
func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// Unwrap returns the underlying cause, if any.
func (e *ConfigurationError) Unwrap() error { return e.Cause }

// Validate checks that s provides a correctly typed source for every
// required argument of d. It returns *ConfigurationError or nil.
func Validate(d model.ArenaDescriptor, s Set) error {
	var missing, mistyped []string
	for _, a := range d.RequiredArguments {
		src, ok := s[a.Name]
		if !ok || src == nil {
			missing = append(missing, a.Name)
			continue
		}
		if src.Produces() != a.Type {
			mistyped = append(mistyped, fmt.Sprintf("%s (%s from %s)", a.Name, a.Type, src))
		}
	}
	if len(missing) == 0 && len(mistyped) == 0 {
		return nil
	}
	return &ConfigurationError{Platform: d.PlatformName, Missing: missing, Mistyped: mistyped}
}

// Bind resolves every required argument of d. On failure the error names
// the first argument that could not be resolved.
func Bind(d model.ArenaDescriptor, s Set, c Context) (model.Arguments, error) {
	if err := Validate(d, s); err != nil {
		return nil, err
	}
	args := make(model.Arguments, len(d.RequiredArguments))
	for _, a := range d.RequiredArguments {
		v, err := s[a.Name].Resolve(c)
		if err != nil {
			return nil, fmt.Errorf("argument %q from %s: %w", a.Name, s[a.Name], err)
		}
		args[a.Name] = v
	}
	if err := args.Check(d.RequiredArguments); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnresolved, err)
	}
	return args, nil
}

// Resolvable is Validate followed by a trial resolution of every required
// argument against c. Arguments whose source yields nothing are reported
// in Missing with ErrUnresolved as the cause.
func Resolvable(d model.ArenaDescriptor, s Set, c Context) error {
	if err := Validate(d, s); err != nil {
		return err
	}
	var missing []string
	for _, a := range d.RequiredArguments {
		v, err := s[a.Name].Resolve(c)
		if err != nil || !a.Type.Accepts(v) {
			missing = append(missing, a.Name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return &ConfigurationError{Platform: d.PlatformName, Missing: missing, Cause: ErrUnresolved}
}

func typeOf(v any) model.ArgType {
	switch v.(type) {
	case string:
		return model.ArgString
	case []string:
		return model.ArgStrings
	case int, int32, int64:
		return model.ArgInt
	case bool:
		return model.ArgBool
	case uuid.UUID:
		return model.ArgUUID
	default:
		return ""
	}
}

// coerce converts JSON-decoded param values into the declared type.
func coerce(v any, t model.ArgType) (any, bool) {
	switch t {
	case model.ArgString:
		s, ok := v.(string)
		return s, ok
	case model.ArgStrings:
		switch vv := v.(type) {
		case []string:
			return slices.Clone(vv), true
		case []any:
			out := make([]string, 0, len(vv))
			for _, e := range vv {
				s, ok := e.(string)
				if !ok {
					return nil, false
				}
				out = append(out, s)
			}
			return out, true
		}
	case model.ArgInt:
		switch vv := v.(type) {
		case int:
			return int64(vv), true
		case int64:
			return vv, true
		case float64:
			if vv == float64(int64(vv)) {
				return int64(vv), true
			}
		}
	case model.ArgBool:
		b, ok := v.(bool)
		return b, ok
	case model.ArgUUID:
		switch vv := v.(type) {
		case uuid.UUID:
			return vv, true
		case string:
			id, err := uuid.Parse(vv)
			return id, err == nil
		}
	}
	return nil, false
}
