package util

import (
	"encoding/json"
	"math/big"

	"github.com/google/uuid"
)

// uidRoot is the root for UIDs derived from a UUID (PS3.5 B.2).
const uidRoot = "2.25."

// NewUID returns a random DICOM UID.
func NewUID() string {
	return FromUUID(uuid.New())
}

// DerivedUID returns a name-based DICOM UID for value. The same value always
// yields the same UID; an unmarshalable value yields "".
func DerivedUID(value any) string {
	raw, err := json.Marshal(value)
	if err != nil {
		return ""
	}
	return FromUUID(uuid.NewMD5(uuid.NameSpaceOID, raw))
}

// FromUUID writes u as a 2.25 UID, the UUID read as one unsigned decimal.
func FromUUID(u uuid.UUID) string {
	return uidRoot + new(big.Int).SetBytes(u[:]).String()
}
