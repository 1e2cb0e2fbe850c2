// Package model defines the core domain types for Atsume.
//
// Types are plain structs shared by the registry, ledger, event bus,
// orchestrator and storage layers. They carry JSON tags so the same values
// can be persisted as JSONB and handed to a presentation layer unchanged.
package model

import (
	"fmt"

	"github.com/google/uuid"
)

// ArgType is the declared type of a connector argument.
type ArgType string

const (
	ArgString  ArgType = "string"
	ArgStrings ArgType = "strings"
	ArgInt     ArgType = "int"
	ArgBool    ArgType = "bool"
	ArgUUID    ArgType = "uuid"
)

// Valid reports whether t is one of the known argument types.
func (t ArgType) Valid() bool {
	switch t {
	case ArgString, ArgStrings, ArgInt, ArgBool, ArgUUID:
		return true
	default:
		return false
	}
}

// Accepts reports whether v is a value of type t.
func (t ArgType) Accepts(v any) bool {
	switch t {
	case ArgString:
		s, ok := v.(string)
		return ok && s != ""
	case ArgStrings:
		ss, ok := v.([]string)
		return ok && len(ss) > 0
	case ArgInt:
		switch v.(type) {
		case int, int32, int64:
			return true
		}
		return false
	case ArgBool:
		_, ok := v.(bool)
		return ok
	case ArgUUID:
		id, ok := v.(uuid.UUID)
		return ok && id != uuid.Nil
	default:
		return false
	}
}

// Well-known argument names bound from run context rather than arena config.
const (
	ArgQueryDesignID = "query_design_id"
	ArgRunID         = "run_id"
	ArgTerms         = "terms"
)

// ArgumentSpec is one named, typed parameter a collection task requires.
type ArgumentSpec struct {
	Name        string  `json:"name"`
	Type        ArgType `json:"type"`
	Description string  `json:"description,omitempty"`
}

// ArenaDescriptor describes one connector. Immutable after registration.
type ArenaDescriptor struct {
	PlatformName        string         `json:"platform_name"`
	ArenaName           string         `json:"arena_name"`
	Description         string         `json:"description,omitempty"`
	RequiredArguments   []ArgumentSpec `json:"required_arguments"`
	SupportsHealthCheck bool           `json:"supports_health_check"`
	IsStub              bool           `json:"is_stub"`
	CreditCost          int64          `json:"credit_cost"` // Credits per bound term.
}

// Requires reports whether the descriptor lists an argument with the given name.
func (d ArenaDescriptor) Requires(name string) bool {
	for _, a := range d.RequiredArguments {
		if a.Name == name {
			return true
		}
	}
	return false
}

// Arguments is the named, typed argument bundle handed to a task body.
type Arguments map[string]any

// String returns the string argument name, or "" if absent or mistyped.
func (a Arguments) String(name string) string {
	s, _ := a[name].(string)
	return s
}

// Strings returns the string slice argument name, or nil.
func (a Arguments) Strings(name string) []string {
	ss, _ := a[name].([]string)
	return ss
}

// UUID returns the uuid argument name, or uuid.Nil.
func (a Arguments) UUID(name string) uuid.UUID {
	id, _ := a[name].(uuid.UUID)
	return id
}

// Check verifies that a carries a correctly typed value for every listed argument.
func (a Arguments) Check(specs []ArgumentSpec) error {
	for _, s := range specs {
		v, ok := a[s.Name]
		if !ok {
			return fmt.Errorf("missing argument %q", s.Name)
		}
		if !s.Type.Accepts(v) {
			return fmt.Errorf("argument %q: want %s, got %T", s.Name, s.Type, v)
		}
	}
	return nil
}
