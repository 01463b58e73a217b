package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "WARN", "text", false)

	Info("should not appear")
	Warn("should appear", "k", "v")

	out := buf.String()
	assert.NotContains(t, out, "should not appear")
	assert.Contains(t, out, "should appear")
	assert.Contains(t, out, "k=v")
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "DEBUG", "json", false)

	Debug("hello", "count", 3)

	out := buf.String()
	require.True(t, strings.Contains(out, `"msg":"hello"`))
	assert.Contains(t, out, `"count":3`)
}

func TestWithBoundAttrs(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "text", false)

	l := With("archive_id", int64(7))
	l.Info("sealed")

	assert.Contains(t, buf.String(), "archive_id=7")
}
