// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/kianostad/spread/internal/keyspace"
)

// Format is a dump encoding.
type Format uint8

const (
	// FormatText is the human-readable one-line-per-key form.
	FormatText Format = iota
	// FormatJSON is an indented JSON array of partition dumps.
	FormatJSON
	// FormatMsgpack is a msgpack array of partition dumps.
	FormatMsgpack
)

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatMsgpack:
		return "msgpack"
	default:
		return "text"
	}
}

// ParseFormat parses a format name.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "text", "txt":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	case "msgpack", "mp":
		return FormatMsgpack, nil
	}
	return FormatText, fmt.Errorf("unknown dump format %q", s)
}

// FormatForPath picks a format from a file name, ignoring a trailing .zst.
func FormatForPath(path string) Format {
	path = strings.TrimSuffix(path, ".zst")
	switch {
	case strings.HasSuffix(path, ".json"):
		return FormatJSON
	case strings.HasSuffix(path, ".msgpack"), strings.HasSuffix(path, ".mp"):
		return FormatMsgpack
	default:
		return FormatText
	}
}

// ExportDump writes dumps to w in format f.
func ExportDump(w io.Writer, dumps []PartitionDump, f Format) error {
	switch f {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(dumps); err != nil {
			return fmt.Errorf("encode json dump: %w", err)
		}
		return nil
	case FormatMsgpack:
		if err := msgpack.NewEncoder(w).Encode(dumps); err != nil {
			return fmt.Errorf("encode msgpack dump: %w", err)
		}
		return nil
	default:
		bw := bufio.NewWriter(w)
		for _, d := range dumps {
			if _, err := bw.WriteString(d.String()); err != nil {
				return err
			}
		}
		return bw.Flush()
	}
}

// ImportDump reads dumps written by ExportDump in the JSON or msgpack format.
func ImportDump(r io.Reader, f Format) ([]PartitionDump, error) {
	var dumps []PartitionDump
	switch f {
	case FormatJSON:
		if err := json.NewDecoder(r).Decode(&dumps); err != nil {
			return nil, fmt.Errorf("decode json dump: %w", err)
		}
	case FormatMsgpack:
		if err := msgpack.NewDecoder(r).Decode(&dumps); err != nil {
			return nil, fmt.Errorf("decode msgpack dump: %w", err)
		}
	default:
		return nil, fmt.Errorf("import of %s dumps is not supported", f)
	}

	for i := range dumps {
		for j := range dumps[i].Keys {
			k := &dumps[i].Keys[j]
			e, err := keyspace.ParseEntry(k.Target)
			if err != nil {
				return nil, fmt.Errorf("dump entry %q: %w", k.Target, err)
			}
			k.Entry = e
		}
	}
	return dumps, nil
}

// ExportDumpFile writes dumps to path in the format implied by its name. A
// path ending in .zst is zstd-compressed.
func ExportDumpFile(path string, dumps []PartitionDump) (err error) {
	file, err := os.Create(path) // #nosec G304
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", path, err)
	}
	defer func() {
		if cerr := file.Close(); err == nil {
			err = cerr
		}
	}()

	if !strings.HasSuffix(path, ".zst") {
		return ExportDump(file, dumps, FormatForPath(path))
	}

	zw, err := zstd.NewWriter(file, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	if err := ExportDump(zw, dumps, FormatForPath(path)); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

// ImportDumpFile reads a dump file written by ExportDumpFile.
func ImportDumpFile(path string) ([]PartitionDump, error) {
	file, err := os.Open(path) // #nosec G304
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", path, err)
	}
	defer file.Close()

	var r io.Reader = file
	if strings.HasSuffix(path, ".zst") {
		zr, err := zstd.NewReader(file)
		if err != nil {
			return nil, fmt.Errorf("create zstd reader: %w", err)
		}
		defer zr.Close()
		r = zr
	}
	return ImportDump(r, FormatForPath(path))
}
