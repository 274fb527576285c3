package sending

import (
	"fmt"

	"github.com/google/uuid"
)

// Address is a logical user identity. Either field may be absent; equality
// and hashing are by UUID when present, otherwise by phone number.
type Address struct {
	UUID uuid.UUID
	E164 string
}

func NewAddress(id uuid.UUID, e164 string) Address {
	return Address{UUID: id, E164: e164}
}

// Valid reports whether the address carries a stable service UUID. Addresses
// lacking one must be reconciled through directory discovery before sending.
func (a Address) Valid() bool {
	return a.UUID != uuid.Nil
}

// Key is the canonical map/db key for the address.
func (a Address) Key() string {
	if a.Valid() {
		return "u:" + a.UUID.String()
	}
	return "p:" + a.E164
}

// ServiceID is the path component identifying this address to the service.
func (a Address) ServiceID() string {
	if a.Valid() {
		return a.UUID.String()
	}
	return a.E164
}

func (a Address) Equal(b Address) bool {
	return a.Key() == b.Key()
}

func (a Address) String() string {
	return fmt.Sprintf("address(%s)", a.Key())
}
