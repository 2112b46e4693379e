package records

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// EntityType names a category of records synchronized independently.
type EntityType string

const (
	// EntityContacts holds vets, groomers and other people.
	EntityContacts EntityType = "contacts"
	// EntityPets holds the animals themselves.
	EntityPets EntityType = "pets"
	// EntityEvents holds appointments, medications and other dated entries.
	EntityEvents EntityType = "events"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidEntityType indicates that an entity type is empty or unknown.
	ErrInvalidEntityType = errors.New("records: invalid entity type")
	// ErrInvalidRecordID indicates that a record identifier is empty or exceeds storage bounds.
	ErrInvalidRecordID = errors.New("records: invalid record id")
)

// NewEntityType validates raw input against the known entity types.
func NewEntityType(rawInput string) (EntityType, error) {
	trimmed := EntityType(strings.TrimSpace(rawInput))
	switch trimmed {
	case EntityContacts, EntityPets, EntityEvents:
		return trimmed, nil
	case "":
		return "", fmt.Errorf("%w: empty", ErrInvalidEntityType)
	default:
		return "", fmt.Errorf("%w: %s", ErrInvalidEntityType, trimmed)
	}
}

// String returns the underlying entity type name.
func (t EntityType) String() string {
	return string(t)
}

// ValidateRecordID trims and bounds-checks a local or remote identifier.
func ValidateRecordID(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRecordID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidRecordID, maxIdentifierLength)
	}
	return trimmed, nil
}

// Fields carries entity-specific scalar and relation values keyed by local field name.
// Single relations hold a local id string, multi relations hold a list of local ids.
type Fields map[string]any

// Clone returns a copy whose relation lists can be mutated independently.
func (f Fields) Clone() Fields {
	clone := make(Fields, len(f))
	for key, value := range f {
		switch typed := value.(type) {
		case []string:
			clone[key] = append([]string(nil), typed...)
		case []any:
			clone[key] = append([]any(nil), typed...)
		default:
			clone[key] = value
		}
	}
	return clone
}

// Merge returns a copy of f overlaid with every key from other.
func (f Fields) Merge(other Fields) Fields {
	merged := f.Clone()
	for key, value := range other.Clone() {
		merged[key] = value
	}
	return merged
}

// String returns the string value stored under key, or "" when absent or not a string.
func (f Fields) String(key string) string {
	value, ok := f[key].(string)
	if !ok {
		return ""
	}
	return value
}

// Record is the sync envelope shared by every entity type.
type Record struct {
	ID                  string
	RemoteID            string
	Synced              bool
	UpdatedAt           time.Time
	Fields              Fields
	UnresolvedRelations []string
}

// HasRemoteID reports whether the remote system has assigned an identifier.
func (r Record) HasRemoteID() bool {
	return r.RemoteID != ""
}

// RelationIDs flattens a stored relation value into an ordered id list.
// Empty ids are dropped; values decoded from JSON arrive as []any.
func RelationIDs(value any) []string {
	switch typed := value.(type) {
	case nil:
		return nil
	case string:
		if strings.TrimSpace(typed) == "" {
			return nil
		}
		return []string{typed}
	case []string:
		ids := make([]string, 0, len(typed))
		for _, id := range typed {
			if strings.TrimSpace(id) != "" {
				ids = append(ids, id)
			}
		}
		return ids
	case []any:
		ids := make([]string, 0, len(typed))
		for _, item := range typed {
			if id, ok := item.(string); ok && strings.TrimSpace(id) != "" {
				ids = append(ids, id)
			}
		}
		return ids
	default:
		return nil
	}
}

// RelationValue shapes an id list back into the stored form of a relation field.
func RelationValue(ids []string, multiple bool) any {
	if multiple {
		if ids == nil {
			return []string{}
		}
		return ids
	}
	if len(ids) == 0 {
		return nil
	}
	return ids[0]
}
