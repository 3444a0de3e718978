package parser

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleLog = "<Idle|WPos:0,0,0>\n<Run|WPos:1,0,0>\n"

func gzipBytes(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func zstdBytes(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	require.NoError(t, err)
	_, err = zw.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestNewSourceReader(t *testing.T) {
	inputs := map[string][]byte{
		"plain": []byte(sampleLog),
		"gzip":  gzipBytes(t, sampleLog),
		"zstd":  zstdBytes(t, sampleLog),
	}
	for name, data := range inputs {
		t.Run(name, func(t *testing.T) {
			rc, err := NewSourceReader(bytes.NewReader(data))
			require.NoError(t, err)
			defer rc.Close()

			got, err := io.ReadAll(rc)
			require.NoError(t, err)
			assert.Equal(t, sampleLog, string(got))
		})
	}

	t.Run("empty", func(t *testing.T) {
		rc, err := NewSourceReader(strings.NewReader(""))
		require.NoError(t, err)
		got, err := io.ReadAll(rc)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("short", func(t *testing.T) {
		rc, err := NewSourceReader(strings.NewReader("ok"))
		require.NoError(t, err)
		got, err := io.ReadAll(rc)
		require.NoError(t, err)
		assert.Equal(t, "ok", string(got))
	})

	t.Run("corrupt gzip", func(t *testing.T) {
		_, err := NewSourceReader(bytes.NewReader([]byte{0x1f, 0x8b, 0x00}))
		assert.Error(t, err)
	})
}

func TestOpenSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.log.gz")
	require.NoError(t, os.WriteFile(path, gzipBytes(t, sampleLog), 0o644))

	rc, err := OpenSource(path)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, sampleLog, string(got))
	assert.NoError(t, rc.Close())

	_, err = OpenSource(filepath.Join(dir, "missing.log"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLineScanner(t *testing.T) {
	input := "\ufeff<Idle|WPos:0,0,0>\r\n\n   \n  ok  \n<Run|WPos:1,0,0>"
	s := NewLineScanner(strings.NewReader(input))

	type line struct {
		n    int
		text string
	}
	var got []line
	for s.Scan() {
		got = append(got, line{s.Line(), s.Text()})
	}
	require.NoError(t, s.Err())
	assert.Equal(t, []line{
		{1, "<Idle|WPos:0,0,0>"},
		{4, "ok"},
		{5, "<Run|WPos:1,0,0>"},
	}, got)
}

func TestLineScanner_TooLong(t *testing.T) {
	s := NewLineScanner(strings.NewReader(strings.Repeat("x", maxLineBytes+1) + "\n"))
	assert.False(t, s.Scan())
	assert.Error(t, s.Err())
}
