// Licensed under the MIT License. See LICENSE file in the project root for details.

package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewText(&buf, slog.LevelDebug).WithMap(2).WithVersion(7)

	l.LogMassPut(context.Background(), 2, 7, nil)

	out := buf.String()
	assert.Contains(t, out, "mass put registered")
	assert.Contains(t, out, "map=2")
	assert.Contains(t, out, "version=7")
}

func TestLoggerNode(t *testing.T) {
	var buf bytes.Buffer
	base := NewText(&buf, slog.LevelInfo)
	l := base.WithNode("Solo Node")

	l.Info("started")
	base.Info("plain")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if assert.Len(t, lines, 2) {
		assert.Contains(t, string(lines[0]), `node="Solo Node"`)
		assert.NotContains(t, string(lines[1]), "node=")
	}
}

func TestLoggerErrors(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSON(&buf, slog.LevelInfo)

	l.LogEvaluation(context.Background(), 3, 0, 0, errors.New("boom"))
	l.LogEvaluation(context.Background(), 4, 10, 1, nil)

	out := buf.String()
	assert.Contains(t, out, `"msg":"mass evaluation failed"`)
	assert.Contains(t, out, `"error":"boom"`)
	assert.NotContains(t, out, "mass evaluation completed")
}

func TestNoop(t *testing.T) {
	l := OrNoop(nil)
	assert.NotNil(t, l)
	assert.False(t, l.Enabled(context.Background(), slog.LevelError))
	l.LogStale(context.Background(), "Map1[1]", 1, "version", "1s")
}
