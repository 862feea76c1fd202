package bitlocker

import (
	"github.com/google/uuid"

	log "github.com/dsoprea/go-logging"
)

// Guid wraps a BitLocker on-disk GUID. On disk the first three fields are
// little-endian and the last two are big-endian (the usual Microsoft GUID
// mixed-endian layout); Guid stores the normalized, RFC-4122-ordered bytes
// so String()/equality can be delegated to google/uuid.
type Guid struct {
	u uuid.UUID
}

// ParseGuid reads a 16-byte mixed-endian GUID as it appears on-disk.
func ParseGuid(raw []byte) (g Guid, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	if len(raw) != 16 {
		log.Panicf("guid must be exactly 16 bytes, got %d", len(raw))
	}

	var normalized [16]byte

	// data1 (4 bytes, LE on disk -> BE in normalized form)
	normalized[0] = raw[3]
	normalized[1] = raw[2]
	normalized[2] = raw[1]
	normalized[3] = raw[0]

	// data2 (2 bytes, LE -> BE)
	normalized[4] = raw[5]
	normalized[5] = raw[4]

	// data3 (2 bytes, LE -> BE)
	normalized[6] = raw[7]
	normalized[7] = raw[6]

	// data4 (8 bytes, already big-endian/byte-order on disk)
	copy(normalized[8:16], raw[8:16])

	u, err := uuid.FromBytes(normalized[:])
	log.PanicIf(err)

	return Guid{u: u}, nil
}

// Bytes returns the 16-byte mixed-endian on-disk representation.
func (g Guid) Bytes() []byte {
	n := g.u[:]

	raw := make([]byte, 16)
	raw[0], raw[1], raw[2], raw[3] = n[3], n[2], n[1], n[0]
	raw[4], raw[5] = n[5], n[4]
	raw[6], raw[7] = n[7], n[6]
	copy(raw[8:16], n[8:16])

	return raw
}

// String renders the GUID in the usual "AA8D6D7C-1234-..." form.
func (g Guid) String() string {
	return g.u.String()
}

// IsZero reports whether this is the all-zero GUID (the "no GUID set"
// sentinel used throughout the BitLocker metadata format).
func (g Guid) IsZero() bool {
	return g.u == uuid.Nil
}

// Equal reports whether two GUIDs represent the same value.
func (g Guid) Equal(other Guid) bool {
	return g.u == other.u
}

// Well-known GUIDs referenced by the volume header and dataset discriminate
// between "standard BitLocker volume" and "End-of-Write volume" layouts.
var (
	VolumeGuidStandard = mustParseKnownGuid("4967D63B-2E29-4AD8-8399-F6A339E3D001")
	VolumeGuidEOW      = mustParseKnownGuid("92A84D3B-DD80-4D0E-9E4E-2D69B6AFF731")
)

func mustParseKnownGuid(s string) Guid {
	u := uuid.MustParse(s)
	return Guid{u: u}
}
