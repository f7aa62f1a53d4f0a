package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"
)

// maxLineBytes bounds a single wire message. Result payloads are streamed one
// record at a time, so a megabyte is generous.
const maxLineBytes = 1 << 20

// Writer sends newline-delimited JSON messages over any byte stream. Safe
// for concurrent use.
type Writer struct {
	mu sync.Mutex
	w  *bufio.Writer
}

// NewWriter wraps w in a message Writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// Send encodes and flushes a single message.
func (w *Writer) Send(m Message) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("write message delimiter: %w", err)
	}
	if err := w.w.Flush(); err != nil {
		return fmt.Errorf("flush message: %w", err)
	}
	return nil
}

// Reader consumes newline-delimited JSON messages from a byte stream.
// Messages from a single stream are delivered in send order (FIFO per task).
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader wraps r in a message Reader.
func NewReader(r io.Reader) *Reader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &Reader{scanner: s}
}

// Next returns the next message. A *ProtocolError is returned for a
// malformed line; the stream remains readable and callers should skip the
// message and continue. io.EOF signals a cleanly closed stream.
func (r *Reader) Next() (Message, error) {
	for r.scanner.Scan() {
		line := r.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		return Decode(line)
	}
	if err := r.scanner.Err(); err != nil {
		return nil, fmt.Errorf("read message stream: %w", err)
	}
	return nil, io.EOF
}

// IsProtocolError reports whether err is a per-message protocol error that
// the channel can survive.
func IsProtocolError(err error) bool {
	var perr *ProtocolError
	return errors.As(err, &perr)
}
