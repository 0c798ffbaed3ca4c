package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"unicode/utf8"
)

// LineReader reads newline-delimited messages. Blank lines are skipped.
type LineReader struct {
	r *bufio.Reader
}

// NewLineReader wraps r.
func NewLineReader(r io.Reader) *LineReader {
	return &LineReader{r: bufio.NewReaderSize(r, 64*1024)}
}

// ReadLine returns the next line without its terminator. io.EOF is
// returned only at a clean line boundary; a trailing partial line or
// invalid UTF-8 is reported as ErrTransportClosed since the byte stream can
// no longer be trusted.
func (lr *LineReader) ReadLine() ([]byte, error) {
	for {
		line, err := lr.r.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				if len(bytes.TrimSpace(line)) > 0 {
					return nil, fmt.Errorf("%w: unterminated line", ErrTransportClosed)
				}
				return nil, io.EOF
			}
			return nil, fmt.Errorf("%w: %v", ErrTransportClosed, err)
		}
		line = bytes.TrimRight(line, "\r\n")
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if !utf8.Valid(line) {
			return nil, fmt.Errorf("%w: line is not valid UTF-8", ErrTransportClosed)
		}
		return line, nil
	}
}

// LineWriter writes one JSON value per line. It is safe for concurrent use;
// each message goes out in a single Write so lines never interleave.
type LineWriter struct {
	mu  sync.Mutex
	w   io.Writer
	err error
}

// NewLineWriter wraps w.
func NewLineWriter(w io.Writer) *LineWriter {
	return &LineWriter{w: w}
}

// WriteMessage marshals v and writes it followed by a newline. After the
// first write failure every later call returns that failure.
func (lw *LineWriter) WriteMessage(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	data = append(data, '\n')

	lw.mu.Lock()
	defer lw.mu.Unlock()
	if lw.err != nil {
		return lw.err
	}
	if _, err := lw.w.Write(data); err != nil {
		lw.err = fmt.Errorf("%w: %v", ErrTransportClosed, err)
		return lw.err
	}
	return nil
}
