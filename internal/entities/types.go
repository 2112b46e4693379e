package entities

import (
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/pawsync/internal/records"
)

// DefaultEventMatchTolerance bounds how far apart two event dates may be and still match.
const DefaultEventMatchTolerance = 10 * time.Minute

// DefaultOrder lists entity types so that relation targets come before their owners.
func DefaultOrder() []records.EntityType {
	return []records.EntityType{records.EntityContacts, records.EntityPets, records.EntityEvents}
}

// NewDefaultRegistry builds the registry for contacts, pets and events.
func NewDefaultRegistry(eventMatchTolerance time.Duration) (*Registry, error) {
	return NewRegistry(DefaultOrder(), ContactsSchema(), PetsSchema(), EventsSchema(eventMatchTolerance))
}

// ContactsSchema describes vets, groomers and other people.
func ContactsSchema() Schema {
	return Schema{
		Type: records.EntityContacts,
		Scalars: []ScalarField{
			{Name: "name", RemoteName: "Name"},
			{Name: "role", RemoteName: "Role"},
			{Name: "phone", RemoteName: "Phone"},
			{Name: "email", RemoteName: "Email"},
		},
		LocalOnly: []string{"avatarPath"},
		Matcher: MatcherFunc(func(local records.Fields, incoming records.Fields) bool {
			return sameText(local, incoming, "name") && sameText(local, incoming, "role")
		}),
	}
}

// PetsSchema describes the animals.
func PetsSchema() Schema {
	return Schema{
		Type: records.EntityPets,
		Scalars: []ScalarField{
			{Name: "name", RemoteName: "Name"},
			{Name: "species", RemoteName: "Species"},
			{Name: "breed", RemoteName: "Breed"},
			{Name: "birthDate", RemoteName: "Birth Date"},
		},
		Relations: []RelationField{
			{Name: "vet", RemoteName: "Vet", Target: records.EntityContacts},
		},
		LocalOnly: []string{"photoPath"},
		Matcher: MatcherFunc(func(local records.Fields, incoming records.Fields) bool {
			return sameText(local, incoming, "name") &&
				sameText(local, incoming, "species") &&
				sameText(local, incoming, "birthDate")
		}),
	}
}

// EventsSchema describes dated entries about one or more pets.
func EventsSchema(tolerance time.Duration) Schema {
	if tolerance <= 0 {
		tolerance = DefaultEventMatchTolerance
	}
	return Schema{
		Type: records.EntityEvents,
		Scalars: []ScalarField{
			{Name: "title", RemoteName: "Title"},
			{Name: "kind", RemoteName: "Type"},
			{Name: "date", RemoteName: "Date"},
			{Name: "notes", RemoteName: "Notes"},
		},
		Relations: []RelationField{
			{Name: "pets", RemoteName: "Pets", Target: records.EntityPets, Multiple: true, Required: true},
			{Name: "contact", RemoteName: "Contact", Target: records.EntityContacts},
		},
		LocalOnly: []string{"attachments"},
		Matcher: MatcherFunc(func(local records.Fields, incoming records.Fields) bool {
			if !sameText(local, incoming, "kind") {
				return false
			}
			if !sameIDSet(records.RelationIDs(local["pets"]), records.RelationIDs(incoming["pets"])) {
				return false
			}
			return withinTolerance(local.String("date"), incoming.String("date"), tolerance)
		}),
	}
}

func sameText(local records.Fields, incoming records.Fields, field string) bool {
	return normalizeText(local.String(field)) == normalizeText(incoming.String(field))
}

func normalizeText(value string) string {
	return strings.ToLower(strings.Join(strings.Fields(value), " "))
}

func sameIDSet(left []string, right []string) bool {
	if len(left) == 0 || len(left) != len(right) {
		return false
	}
	sortedLeft := append([]string(nil), left...)
	sortedRight := append([]string(nil), right...)
	sort.Strings(sortedLeft)
	sort.Strings(sortedRight)
	for index := range sortedLeft {
		if sortedLeft[index] != sortedRight[index] {
			return false
		}
	}
	return true
}

var dateLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04", "2006-01-02"}

func parseDate(value string) (time.Time, bool) {
	trimmed := strings.TrimSpace(value)
	for _, layout := range dateLayouts {
		if parsed, err := time.Parse(layout, trimmed); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}

func withinTolerance(left string, right string, tolerance time.Duration) bool {
	leftTime, leftOK := parseDate(left)
	rightTime, rightOK := parseDate(right)
	if !leftOK || !rightOK {
		return false
	}
	delta := leftTime.Sub(rightTime)
	if delta < 0 {
		delta = -delta
	}
	return delta <= tolerance
}
