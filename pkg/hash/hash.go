package hash

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"math/bits"
	"strconv"
)

const (
	// M is the size of the identifier space in bits (2^160)
	M = 160

	// Size is the identifier length in bytes
	Size = M / 8
)

// ID is a fixed-length node or key identifier. Node ids and DHT keys share
// the same space so XOR distance between them is meaningful.
type ID [Size]byte

// HashKey hashes arbitrary data to a 160-bit identifier using SHA-256.
// The hash is truncated to the first 20 bytes (160 bits).
func HashKey(data []byte) ID {
	sum := sha256.Sum256(data)
	var id ID
	copy(id[:], sum[:Size])
	return id
}

// HashString hashes a string to a 160-bit identifier.
func HashString(s string) ID {
	return HashKey([]byte(s))
}

// HashAddress hashes a network address (host:port) to a 160-bit identifier.
// This is used to compute node IDs from their network addresses.
func HashAddress(host string, port int) ID {
	return HashString(fmt.Sprintf("%s:%d", host, port))
}

// MessageKey derives the DHT key of a user message from its recipient and
// sequence number.
func MessageKey(recipient string, sequence uint64) ID {
	return HashString(recipient + ":" + strconv.FormatUint(sequence, 10))
}

// EntryKey derives the DHT key under which a committed log entry is replicated.
func EntryKey(index uint64) ID {
	return HashString("log:" + strconv.FormatUint(index, 10))
}

// Parse decodes a 40-character hex string into an ID.
func Parse(s string) (ID, error) {
	var id ID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid id %q: %w", s, err)
	}
	if len(raw) != Size {
		return id, fmt.Errorf("invalid id length %d, want %d bytes", len(raw), Size)
	}
	copy(id[:], raw)
	return id, nil
}

// String returns the full hex representation.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns the first 8 hex characters, used in log fields.
func (id ID) Short() string {
	return id.String()[:8]
}

// IsZero reports whether the id is all zero bytes (an unknown peer).
func (id ID) IsZero() bool {
	return id == ID{}
}

// Compare orders ids lexicographically.
func (id ID) Compare(other ID) int {
	return bytes.Compare(id[:], other[:])
}

// Less reports whether id sorts before other.
func (id ID) Less(other ID) bool {
	return id.Compare(other) < 0
}

// Big returns the id as an unsigned integer.
func (id ID) Big() *big.Int {
	return new(big.Int).SetBytes(id[:])
}

// MarshalText encodes the id as hex so it reads well in JSON.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText decodes a hex id.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Distance returns the XOR distance between a and b.
func Distance(a, b ID) ID {
	var d ID
	for i := range d {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// Closer reports whether a is strictly closer to target than b by XOR
// distance. Equal distances only happen when a == b.
func Closer(a, b, target ID) bool {
	return Distance(a, target).Less(Distance(b, target))
}

// CommonPrefixLen returns the number of leading bits a and b share. It is
// the k-bucket index of b as seen from a.
func CommonPrefixLen(a, b ID) int {
	for i := range a {
		if x := a[i] ^ b[i]; x != 0 {
			return i*8 + bits.LeadingZeros8(x)
		}
	}
	return M
}
