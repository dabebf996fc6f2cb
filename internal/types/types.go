// README: Shared identifier and geo primitives.
package types

import "github.com/google/uuid"

type ID string

func NewID() ID {
	return ID(uuid.NewString())
}

func (id ID) String() string { return string(id) }

type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}
