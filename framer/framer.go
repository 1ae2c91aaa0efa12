package framer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"time"
)

const readChunkSize = 4096

var (
	// ErrIncompleteRecord means the stream ended in the middle of a record,
	// i.e. after the last full line no line matching the terminator was seen.
	ErrIncompleteRecord = errors.New("stream ended in the middle of a record")

	// ErrTimeout means a single read blocked for longer than the configured timeout.
	ErrTimeout = errors.New("timed out waiting for stream data")
)

// deadlineReader is implemented by net.Conn and by pipe *os.Files. Readers
// without it fall back to fillPumped when a timeout is set.
type deadlineReader interface {
	SetReadDeadline(t time.Time) error
}

// Reader frames a byte stream into records.
//
// A record is one or more newline-terminated lines; the record ends at the
// first line whose chomped form matches the terminator pattern. The newline
// bytes are part of the record. Chomping (trailing \n, and a preceding \r if
// present) applies only to the terminator match, never to the returned bytes.
//
// The zero pattern "" matches every line, so every line is its own record.
//
// A Reader owns its buffer for its lifetime and may outlive many uses of the
// underlying stream. Distinct Readers on distinct streams are independent and
// safe to use from different goroutines.
type Reader struct {
	r          io.Reader
	terminator *regexp.Regexp
	timeout    time.Duration

	buf     []byte // bytes read from r but not yet consumed
	rec     []byte // lines of the record currently being assembled
	scratch []byte
	eof     bool
	err     error // sticky, except for ErrTimeout

	// timeout fallback for readers without deadlines
	chunks  chan readResult
	pumping bool
}

type readResult struct {
	b   []byte
	err error
}

type Option func(*Reader)

// WithTimeout bounds the time a single blocked read may take. A read
// exceeding it makes Next return ErrTimeout. Bytes already read are never
// lost across a timeout; input consumed so far stays buffered.
func WithTimeout(d time.Duration) Option {
	return func(r *Reader) {
		r.timeout = d
	}
}

// New returns a Reader framing r into records ending at terminator.
func New(r io.Reader, terminator *regexp.Regexp, opts ...Option) *Reader {
	reader := &Reader{
		r:          r,
		terminator: terminator,
		scratch:    make([]byte, readChunkSize),
	}
	for _, o := range opts {
		o(reader)
	}
	return reader
}

// Next returns the next record from the stream.
//
// It returns io.EOF when the stream ends cleanly between records,
// ErrIncompleteRecord when it ends mid-record, and ErrTimeout when a read
// blocks past the configured timeout. All errors except ErrTimeout are
// sticky; after a timeout the partially-assembled record is retained and
// Next may be called again.
func (r *Reader) Next() ([]byte, error) {
	if r.err != nil {
		return nil, r.err
	}
	for {
		for {
			i := bytes.IndexByte(r.buf, '\n')
			if i < 0 {
				break
			}
			line := r.buf[:i+1]
			r.rec = append(r.rec, line...)
			r.buf = r.buf[i+1:]
			if r.terminator.Match(chomp(line)) {
				rec := r.rec
				r.rec = nil
				return rec, nil
			}
		}
		if r.eof {
			if len(r.rec) == 0 && len(r.buf) == 0 {
				r.err = io.EOF
			} else {
				r.err = ErrIncompleteRecord
			}
			return nil, r.err
		}
		if err := r.fill(); err != nil {
			if errors.Is(err, ErrTimeout) {
				return nil, err
			}
			r.err = err
			return nil, err
		}
	}
}

// fill reads one chunk from the stream into the buffer. It sets r.eof at end
// of stream and returns ErrTimeout when the read exceeds the timeout.
func (r *Reader) fill() error {
	if r.timeout > 0 {
		if dr, ok := r.r.(deadlineReader); ok {
			return r.fillDeadline(dr)
		}
		return r.fillPumped()
	}
	n, err := r.r.Read(r.scratch)
	r.buf = append(r.buf, r.scratch[:n]...)
	return r.finishFill(err)
}

func (r *Reader) fillDeadline(dr deadlineReader) error {
	if err := dr.SetReadDeadline(time.Now().Add(r.timeout)); err != nil {
		return fmt.Errorf("setting read deadline: %w", err)
	}
	n, err := r.r.Read(r.scratch)
	r.buf = append(r.buf, r.scratch[:n]...)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%w (no data for %s)", ErrTimeout, r.timeout)
	}
	return r.finishFill(err)
}

// fillPumped handles timeouts for plain readers by moving the blocking read
// to a goroutine. The goroutine owns its chunk until it hands it over, so a
// read that completes after a timeout is delivered on the next call instead
// of being dropped.
func (r *Reader) fillPumped() error {
	if !r.pumping {
		r.chunks = make(chan readResult)
		go func() {
			for {
				chunk := make([]byte, readChunkSize)
				n, err := r.r.Read(chunk)
				r.chunks <- readResult{b: chunk[:n], err: err}
				if err != nil {
					return
				}
			}
		}()
		r.pumping = true
	}
	select {
	case res := <-r.chunks:
		r.buf = append(r.buf, res.b...)
		return r.finishFill(res.err)
	case <-time.After(r.timeout):
		return fmt.Errorf("%w (no data for %s)", ErrTimeout, r.timeout)
	}
}

func (r *Reader) finishFill(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) {
		r.eof = true
		return nil
	}
	return fmt.Errorf("reading stream: %w", err)
}

// chomp strips the trailing newline, and a carriage return before it, for
// the terminator match. The record bytes themselves are never chomped.
func chomp(line []byte) []byte {
	line = bytes.TrimSuffix(line, []byte("\n"))
	return bytes.TrimSuffix(line, []byte("\r"))
}
