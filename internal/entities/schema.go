// Package entities describes the per-type shape of synchronized records: how local
// fields map to remote properties, which fields are relations, and how records are
// matched heuristically when no remote id links them yet.
package entities

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/pawsync/internal/records"
)

var (
	// ErrUnknownEntityType indicates that no schema is registered for the type.
	ErrUnknownEntityType = errors.New("entities: unknown entity type")
	// ErrInvalidOrder indicates that the dependency order does not satisfy the schemas' relations.
	ErrInvalidOrder = errors.New("entities: invalid dependency order")
)

// ScalarField maps a local scalar field to its remote property name.
type ScalarField struct {
	Name       string
	RemoteName string
}

// RelationField describes a field holding local ids of records of Target type.
type RelationField struct {
	Name       string
	RemoteName string
	Target     records.EntityType
	Multiple   bool
	Required   bool
}

// Matcher decides whether an unlinked local record and an incoming remote record
// describe the same object.
type Matcher interface {
	Match(local records.Fields, incoming records.Fields) bool
}

// MatcherFunc adapts a function to Matcher.
type MatcherFunc func(local records.Fields, incoming records.Fields) bool

// Match calls f.
func (f MatcherFunc) Match(local records.Fields, incoming records.Fields) bool {
	return f(local, incoming)
}

// Schema is the per-entity-type strategy consumed by the sync engine.
type Schema struct {
	Type      records.EntityType
	Scalars   []ScalarField
	Relations []RelationField
	// LocalOnly fields have no remote counterpart and survive remote overwrites.
	LocalOnly []string
	Matcher   Matcher
}

// Relation looks up a relation field by local name.
func (s Schema) Relation(name string) (RelationField, bool) {
	for _, relation := range s.Relations {
		if relation.Name == name {
			return relation, true
		}
	}
	return RelationField{}, false
}

// ToRemote renames the scalar fields present in fields to remote property names.
// Local-only and unknown fields are dropped. Relation values are the caller's
// responsibility because they need id translation first.
func (s Schema) ToRemote(fields records.Fields) map[string]any {
	properties := make(map[string]any, len(fields))
	for _, scalar := range s.Scalars {
		value, ok := fields[scalar.Name]
		if !ok {
			continue
		}
		properties[scalar.RemoteName] = value
	}
	return properties
}

// FromRemote converts remote properties into local shape. Relation fields carry
// remote ids and must be normalized before storage.
func (s Schema) FromRemote(properties map[string]any) records.Fields {
	fields := make(records.Fields, len(s.Scalars)+len(s.Relations))
	for _, scalar := range s.Scalars {
		if value, ok := properties[scalar.RemoteName]; ok {
			fields[scalar.Name] = value
		}
	}
	for _, relation := range s.Relations {
		value, ok := properties[relation.RemoteName]
		if !ok {
			continue
		}
		fields[relation.Name] = records.RelationIDs(value)
	}
	return fields
}

// PreserveLocalOnly copies local-only fields from previous into next.
func (s Schema) PreserveLocalOnly(previous records.Fields, next records.Fields) records.Fields {
	merged := next.Clone()
	for _, name := range s.LocalOnly {
		if value, ok := previous[name]; ok {
			merged[name] = value
		}
	}
	return merged
}

// Matches applies the schema's heuristic matcher.
func (s Schema) Matches(local records.Fields, incoming records.Fields) bool {
	if s.Matcher == nil {
		return false
	}
	return s.Matcher.Match(local, incoming)
}

// Registry holds the schemas and the fixed cross-type dependency order.
type Registry struct {
	schemas map[records.EntityType]Schema
	order   []records.EntityType
}

// NewRegistry validates that every relation targets a type placed no later than its owner.
func NewRegistry(order []records.EntityType, schemas ...Schema) (*Registry, error) {
	byType := make(map[records.EntityType]Schema, len(schemas))
	for _, schema := range schemas {
		byType[schema.Type] = schema
	}

	position := make(map[records.EntityType]int, len(order))
	for index, entityType := range order {
		if _, ok := byType[entityType]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownEntityType, entityType)
		}
		if _, seen := position[entityType]; seen {
			return nil, fmt.Errorf("%w: %s listed twice", ErrInvalidOrder, entityType)
		}
		position[entityType] = index
	}
	for _, schema := range schemas {
		ownerIndex, ok := position[schema.Type]
		if !ok {
			return nil, fmt.Errorf("%w: %s missing from order", ErrInvalidOrder, schema.Type)
		}
		for _, relation := range schema.Relations {
			targetIndex, ok := position[relation.Target]
			if !ok {
				return nil, fmt.Errorf("%w: %s.%s targets unknown type %s", ErrInvalidOrder, schema.Type, relation.Name, relation.Target)
			}
			if targetIndex > ownerIndex {
				return nil, fmt.Errorf("%w: %s.%s targets %s which is ordered after it", ErrInvalidOrder, schema.Type, relation.Name, relation.Target)
			}
		}
	}

	return &Registry{
		schemas: byType,
		order:   append([]records.EntityType(nil), order...),
	}, nil
}

// Schema returns the schema registered for the type.
func (r *Registry) Schema(entityType records.EntityType) (Schema, error) {
	schema, ok := r.schemas[entityType]
	if !ok {
		return Schema{}, fmt.Errorf("%w: %s", ErrUnknownEntityType, entityType)
	}
	return schema, nil
}

// Order returns a copy of the dependency order.
func (r *Registry) Order() []records.EntityType {
	return append([]records.EntityType(nil), r.order...)
}

// Rank returns the position of the type in the dependency order, or len(order) when absent.
func (r *Registry) Rank(entityType records.EntityType) int {
	for index, candidate := range r.order {
		if candidate == entityType {
			return index
		}
	}
	return len(r.order)
}
