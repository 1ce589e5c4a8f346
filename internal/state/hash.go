package state

import (
	"crypto/sha256"
	"encoding/binary"
	"strings"

	"RiskCore/internal/hierarchy"

	"github.com/google/uuid"
)

const contentHashSeed = "RiskCore:position:v1"

// ContentHash digests a snapshot for duplicate detection:
// SHA-256(seed || book || security || as_of || qty || mv || ccy || attrs...).
// Decimals are hashed in canonical string form so 1.50 and 1.5 collide.
func ContentHash(book hierarchy.NodeID, security uuid.UUID, s Snapshot) [32]byte {
	h := sha256.New()
	h.Write([]byte(contentHashSeed))

	writeString := func(v string) {
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(v)))
		h.Write(lenBuf[:])
		h.Write([]byte(v))
	}

	writeString(string(book))
	h.Write(security[:])

	var tsBuf [8]byte
	binary.LittleEndian.PutUint64(tsBuf[:], uint64(s.AsOf.UnixNano()))
	h.Write(tsBuf[:])

	writeString(s.Quantity.String())
	writeString(s.MarketValue.String())
	writeString(strings.ToUpper(s.Currency))

	for _, name := range s.AttrNames() {
		writeString(name)
		writeString(s.Attributes[name].String())
	}

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
