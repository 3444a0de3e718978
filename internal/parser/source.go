package parser

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// maxLineBytes bounds a single input line.
const maxLineBytes = 1024 * 1024

// OpenSource opens a telemetry log file. gzip and zstd compressed files are
// detected by their magic bytes and decompressed transparently.
func OpenSource(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening source: %w", err)
	}
	rc, err := NewSourceReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &sourceCloser{Reader: rc, closers: []io.Closer{rc, f}}, nil
}

// NewSourceReader wraps r, decompressing gzip or zstd input when detected.
// Closing the returned reader does not close r.
func NewSourceReader(r io.Reader) (io.ReadCloser, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(4)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, fmt.Errorf("reading source header: %w", err)
	}

	switch {
	case bytes.HasPrefix(head, gzipMagic):
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("creating gzip reader: %w", err)
		}
		return zr, nil
	case bytes.HasPrefix(head, zstdMagic):
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("creating zstd reader: %w", err)
		}
		return zr.IOReadCloser(), nil
	}
	return io.NopCloser(br), nil
}

type sourceCloser struct {
	io.Reader
	closers []io.Closer
}

func (s *sourceCloser) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// LineScanner yields trimmed, non-blank lines together with their 1-based
// line number in the source.
type LineScanner struct {
	scanner *bufio.Scanner
	line    int
	text    string
}

// NewLineScanner creates a scanner over r.
func NewLineScanner(r io.Reader) *LineScanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &LineScanner{scanner: s}
}

// Scan advances to the next non-blank line.
func (s *LineScanner) Scan() bool {
	for s.scanner.Scan() {
		s.line++
		text := strings.TrimSpace(strings.TrimPrefix(s.scanner.Text(), "\ufeff"))
		if text == "" {
			continue
		}
		s.text = text
		return true
	}
	return false
}

// Text returns the current line.
func (s *LineScanner) Text() string { return s.text }

// Line returns the current line number.
func (s *LineScanner) Line() int { return s.line }

// Err returns the first non-EOF read error.
func (s *LineScanner) Err() error { return s.scanner.Err() }
