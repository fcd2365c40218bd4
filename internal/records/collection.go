package records

import (
	"errors"
	"fmt"
	"strings"
)

// Name identifies one of the fixed record collections.
type Name string

const (
	Residents  Name = "residents"
	Documents  Name = "documents"
	Events     Name = "events"
	Officials  Name = "officials"
	Complaints Name = "complaints"
	Users      Name = "users"
)

// ErrUnknownCollection indicates a collection name outside the fixed set.
var ErrUnknownCollection = errors.New("records: unknown collection")

var allCollections = []Name{Documents, Residents, Events, Officials, Complaints, Users}

// All returns every known collection in sync order.
func All() []Name {
	out := make([]Name, len(allCollections))
	copy(out, allCollections)
	return out
}

// ParseCollection validates a raw collection name.
func ParseCollection(raw string) (Name, error) {
	candidate := Name(strings.ToLower(strings.TrimSpace(raw)))
	for _, name := range allCollections {
		if name == candidate {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCollection, raw)
}

// String returns the underlying collection name.
func (n Name) String() string {
	return string(n)
}
