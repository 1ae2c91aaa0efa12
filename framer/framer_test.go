package framer

import (
	"bytes"
	"io"
	"net"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecords(t *testing.T) {
	cases := []struct {
		name       string
		terminator string
		input      string
		expRecords []string
		expErr     error
	}{
		{
			name:       "empty pattern, one line per record",
			input:      "a\nb\nc\n",
			expRecords: []string{"a\n", "b\n", "c\n"},
			expErr:     io.EOF,
		},
		{
			name:       "empty pattern, blank lines are records",
			input:      "a\n\nb\n",
			expRecords: []string{"a\n", "\n", "b\n"},
			expErr:     io.EOF,
		},
		{
			name:       "empty stream",
			input:      "",
			expRecords: nil,
			expErr:     io.EOF,
		},
		{
			name:       "explicit terminator",
			terminator: "^EOS$",
			input:      "x\ny\nEOS\nz\nEOS\n",
			expRecords: []string{"x\ny\nEOS\n", "z\nEOS\n"},
			expErr:     io.EOF,
		},
		{
			name:       "terminator with carriage return",
			terminator: "^EOS$",
			input:      "x\r\nEOS\r\n",
			expRecords: []string{"x\r\nEOS\r\n"},
			expErr:     io.EOF,
		},
		{
			name:       "blank line separated",
			terminator: "^$",
			input:      "a\nb\n\nc\n\n",
			expRecords: []string{"a\nb\n\n", "c\n\n"},
			expErr:     io.EOF,
		},
		{
			name:       "blank line separated, trailing chunk",
			terminator: "^$",
			input:      "a\n\nb\n",
			expRecords: []string{"a\n\n"},
			expErr:     ErrIncompleteRecord,
		},
		{
			name:       "no trailing newline",
			input:      "a\nb",
			expRecords: []string{"a\n"},
			expErr:     ErrIncompleteRecord,
		},
		{
			name:       "terminator never matched",
			terminator: "^EOS$",
			input:      "a\nb\n",
			expRecords: nil,
			expErr:     ErrIncompleteRecord,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			r := New(strings.NewReader(c.input), regexp.MustCompile(c.terminator))
			var records []string
			for {
				rec, err := r.Next()
				if err != nil {
					require.ErrorIs(t, err, c.expErr)
					break
				}
				records = append(records, string(rec))
			}
			assert.Equal(t, c.expRecords, records)

			// the error sticks
			_, err := r.Next()
			assert.ErrorIs(t, err, c.expErr)
		})
	}
}

// TestRoundTrip checks that reframing the concatenation of a stream's
// records yields the same records.
func TestRoundTrip(t *testing.T) {
	terminator := regexp.MustCompile("^END$")
	input := "a\nEND\nb\nc\nEND\n\nEND\n"

	first := readAll(t, New(strings.NewReader(input), terminator))
	concat := strings.Join(first, "")
	second := readAll(t, New(strings.NewReader(concat), terminator))

	assert.Equal(t, first, second)
	assert.Equal(t, input, concat)
}

func readAll(t *testing.T, r *Reader) []string {
	var records []string
	for {
		rec, err := r.Next()
		if err != nil {
			require.ErrorIs(t, err, io.EOF)
			return records
		}
		records = append(records, string(rec))
	}
}

func TestTimeout(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	r := New(clientConn, regexp.MustCompile(""), WithTimeout(50*time.Millisecond))

	go func() {
		serverConn.Write([]byte("par"))
	}()

	_, err := r.Next()
	require.ErrorIs(t, err, ErrTimeout)

	// Bytes read before the timeout are not lost: completing the record
	// makes the next call return all of it.
	go func() {
		serverConn.Write([]byte("tial\n"))
	}()
	rec, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "partial\n", string(rec))
}

// TestTimeoutPlainReader covers readers with no deadline support.
func TestTimeoutPlainReader(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	r := New(pr, regexp.MustCompile(""), WithTimeout(50*time.Millisecond))

	go func() {
		pw.Write([]byte("par"))
	}()

	_, err := r.Next()
	require.ErrorIs(t, err, ErrTimeout)

	go func() {
		pw.Write([]byte("tial\n"))
	}()
	rec, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "partial\n", string(rec))
}

func TestLargeRecord(t *testing.T) {
	// records well past the read chunk size come through intact
	var b bytes.Buffer
	for i := 0; i < 10000; i++ {
		b.WriteString("xxxxxxxxxx\n")
	}
	b.WriteString("EOS\n")

	r := New(bytes.NewReader(b.Bytes()), regexp.MustCompile("^EOS$"))
	rec, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, b.String(), string(rec))

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}
