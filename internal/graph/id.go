package graph

import (
	"math"
	"strconv"
	"strings"
)

// ObjectID is a 16-bit identifier assigned by the session service
// (serials, factory ids, client ids, port and node ids).
type ObjectID uint16

// InvalidID is stored when a numeric property is missing or does not parse.
const InvalidID ObjectID = math.MaxUint16

// ParseID parses a decimal property value into an ObjectID.
// On failure it returns InvalidID and false.
func ParseID(raw string) (ObjectID, bool) {
	v, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 16)
	if err != nil {
		return InvalidID, false
	}
	return ObjectID(v), true
}

// Valid reports whether id is not the sentinel.
func (id ObjectID) Valid() bool {
	return id != InvalidID
}

func (id ObjectID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}
