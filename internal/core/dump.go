// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"fmt"
	"strings"

	"github.com/kianostad/spread/internal/keyspace"
	"github.com/kianostad/spread/internal/storage/mass"
	"github.com/kianostad/spread/internal/storage/mvcc"
)

// KeyDump is the version chain of one key.
type KeyDump struct {
	Entry    keyspace.Entry    `json:"-" msgpack:"-"`
	Target   string            `json:"entry" msgpack:"entry"`
	Versions []mvcc.RecordInfo `json:"versions" msgpack:"versions"`
}

// PartitionDump is the content of one partition.
type PartitionDump struct {
	MapID int               `json:"map" msgpack:"map"`
	Range string            `json:"range" msgpack:"range"`
	Keys  []KeyDump         `json:"keys" msgpack:"keys"`
	Mass  []mass.RecordInfo `json:"mass,omitempty" msgpack:"mass,omitempty"`
}

// Dump enumerates every key with a non-empty chain in key order, with the full
// ordered list of its versions, followed by the retained mass updates.
func (p *Partition) Dump() PartitionDump {
	p.mu.Lock()
	defer p.mu.Unlock()

	d := PartitionDump{
		MapID: p.mapID,
		Range: p.rng.String(),
		Mass:  p.batch.Records(),
	}
	for it := p.keys.NewIterator(nil); it.Next(); {
		chain := it.Chain()
		d.Keys = append(d.Keys, KeyDump{
			Entry:    chain.Entry(),
			Target:   chain.Entry().String(),
			Versions: chain.Records(),
		})
	}
	return d
}

// String renders one line per key:
//
//	Map1[2,3] : (v1 = 3; ready), (v2 = 5; pending)
func (k KeyDump) String() string {
	var b strings.Builder
	b.WriteString(k.Target)
	b.WriteString(" : ")
	for i, v := range k.Versions {
		if i > 0 {
			b.WriteString(", ")
		}
		state := "pending"
		if v.Ready {
			state = "ready"
		}
		fmt.Fprintf(&b, "(v%d = %s; %s)", v.Version, formatValue(v), state)
	}
	return b.String()
}

func formatValue(v mvcc.RecordInfo) string {
	if !v.Ready && strings.HasPrefix(v.Raw, "{") {
		return v.Raw
	}
	return fmt.Sprintf("%g", v.Value)
}

// String renders the partition dump in the text format.
func (d PartitionDump) String() string {
	var b strings.Builder
	for _, k := range d.Keys {
		b.WriteString(k.String())
		b.WriteByte('\n')
	}
	for _, m := range d.Mass {
		fmt.Fprintf(&b, "mass v%d : %s; %d exempt; %d waiting\n", m.Version, m.Status, m.Exempt, m.Registrations)
	}
	return b.String()
}
