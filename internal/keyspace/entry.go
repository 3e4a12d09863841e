// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package keyspace defines how map locations are addressed: entries, wildcard
// targets and the per-dimension key ranges owned by a partition.
//
// An Entry is a (map id, key tuple) pair. A Target generalizes an Entry with
// wildcard positions and is used for range scans. A Range is the half-open box
// [start_i, start_i+size_i) owned by one partition.
//
// # Usage Examples
//
//	e := keyspace.NewEntry(1, 3, 4)         // Map1[3,4]
//	t := keyspace.NewTarget(1, keyspace.Key{3, 0}, 1) // Map1[3,*]
//
//	r, _ := keyspace.NewRange(keyspace.Key{0, 0}, keyspace.Key{10, 10})
//	ok, err := r.Contains(keyspace.Key{5, 5})
//
// # Key Encoding
//
// Keys are encoded as a sequence of zig-zag varints. The encoding is used as the
// identity of an entry in hash indexes and registration maps; two entries are
// equal iff their encodings are equal.
package keyspace

import (
	"encoding/binary"
	"strconv"
	"strings"
)

// Key is an ordered tuple of coordinates.
type Key []int64

// Clone returns a copy of k.
func (k Key) Clone() Key {
	if k == nil {
		return nil
	}
	dup := make(Key, len(k))
	copy(dup, k)
	return dup
}

// Equal reports whether k and o have the same coordinates.
func (k Key) Equal(o Key) bool {
	if len(k) != len(o) {
		return false
	}
	for i := range k {
		if k[i] != o[i] {
			return false
		}
	}
	return true
}

// Compare orders keys lexicographically, shorter keys first on a common prefix.
func (k Key) Compare(o Key) int {
	for i := 0; i < len(k) && i < len(o); i++ {
		switch {
		case k[i] < o[i]:
			return -1
		case k[i] > o[i]:
			return 1
		}
	}
	switch {
	case len(k) < len(o):
		return -1
	case len(k) > len(o):
		return 1
	}
	return 0
}

// Append appends the binary encoding of k to dst.
func (k Key) Append(dst []byte) []byte {
	for _, c := range k {
		dst = binary.AppendVarint(dst, c)
	}
	return dst
}

// Bytes returns the binary encoding of k.
func (k Key) Bytes() []byte {
	return k.Append(make([]byte, 0, len(k)*2))
}

func (k Key) String() string {
	var b strings.Builder
	b.WriteByte('[')
	for i, c := range k {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatInt(c, 10))
	}
	b.WriteByte(']')
	return b.String()
}

// Entry addresses one location of one logical map.
type Entry struct {
	MapID int
	Key   Key
}

// NewEntry creates an entry of map mapID with the given coordinates.
func NewEntry(mapID int, coords ...int64) Entry {
	return Entry{MapID: mapID, Key: Key(coords).Clone()}
}

// Equal reports whether e and o address the same location.
func (e Entry) Equal(o Entry) bool {
	return e.MapID == o.MapID && e.Key.Equal(o.Key)
}

// ID returns a string usable as a map key; equal entries have equal IDs.
func (e Entry) ID() string {
	buf := binary.AppendVarint(make([]byte, 0, 2+len(e.Key)*2), int64(e.MapID))
	return string(e.Key.Append(buf))
}

func (e Entry) String() string {
	return "Map" + strconv.Itoa(e.MapID) + e.Key.String()
}
