// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/kianostad/spread/internal/keyspace"
	"github.com/kianostad/spread/internal/storage/mvcc"
)

func exportFixture(t *testing.T) []PartitionDump {
	t.Helper()
	ctx := context.Background()
	p := newTestPartition()
	if err := p.Put(ctx, keyspace.NewEntry(1, 2, 3), 1, mvcc.Delta(3)); err != nil {
		t.Fatal(err)
	}
	if err := p.Put(ctx, keyspace.NewEntry(1, 2, 3), 2, mvcc.Delta(2)); err != nil {
		t.Fatal(err)
	}
	if err := p.Put(ctx, keyspace.NewEntry(1, 0, 1), 1, mvcc.Delta(-1)); err != nil {
		t.Fatal(err)
	}
	return []PartitionDump{p.Dump()}
}

func TestExportText(t *testing.T) {
	var buf bytes.Buffer
	if err := ExportDump(&buf, exportFixture(t), FormatText); err != nil {
		t.Fatalf("ExportDump() failed: %v", err)
	}
	want := "Map1[0,1] : (v1 = -1; ready)\nMap1[2,3] : (v1 = 3; ready), (v2 = 5; ready)\n"
	if buf.String() != want {
		t.Errorf("Expected %q, got %q", want, buf.String())
	}
}

func TestExportImport(t *testing.T) {
	dir := t.TempDir()
	dumps := exportFixture(t)

	for _, name := range []string{"dump.json", "dump.msgpack", "dump.json.zst", "dump.msgpack.zst"} {
		path := filepath.Join(dir, name)
		if err := ExportDumpFile(path, dumps); err != nil {
			t.Fatalf("ExportDumpFile(%s) failed: %v", name, err)
		}
		got, err := ImportDumpFile(path)
		if err != nil {
			t.Fatalf("ImportDumpFile(%s) failed: %v", name, err)
		}
		if len(got) != 1 || len(got[0].Keys) != 2 {
			t.Fatalf("%s: unexpected dump %+v", name, got)
		}
		k := got[0].Keys[1]
		if !k.Entry.Equal(keyspace.NewEntry(1, 2, 3)) {
			t.Errorf("%s: expected entry Map1[2,3], got %s", name, k.Entry)
		}
		if k.Versions[1].Value != 5 || !k.Versions[1].Ready {
			t.Errorf("%s: unexpected versions %+v", name, k.Versions)
		}
	}
}

func TestExportCompressed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dump.txt.zst")
	if err := ExportDumpFile(path, exportFixture(t)); err != nil {
		t.Fatalf("ExportDumpFile() failed: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(raw, []byte{0x28, 0xb5, 0x2f, 0xfd}) {
		t.Errorf("Expected a zstd frame, got % x", raw[:4])
	}
	if _, err := ImportDumpFile(path); err == nil {
		t.Errorf("Expected text dumps to be export-only")
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatText, "JSON": FormatJSON, "msgpack": FormatMsgpack} {
		got, err := ParseFormat(in)
		if err != nil || got != want {
			t.Errorf("ParseFormat(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Errorf("Expected an error for an unknown format")
	}
	if FormatForPath("a.msgpack.zst") != FormatMsgpack {
		t.Errorf("Expected msgpack for a.msgpack.zst")
	}
}
