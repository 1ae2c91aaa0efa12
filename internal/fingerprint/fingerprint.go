package fingerprint

import (
	"encoding/hex"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/zeebo/blake3"
)

// Config is everything that identifies a served command: the command line,
// the framing options, the timeouts, and the log path. Two invocations with
// equal Configs and unchanged input files share a server.
type Config struct {
	Program string
	Args    []string

	// InputTerminator and OutputTerminator are the record terminator
	// patterns. Empty matches every line.
	InputTerminator  string
	OutputTerminator string

	// PreludeCount is the number of records the child emits at startup,
	// before its first input, which are replayed to every client.
	PreludeCount int

	// ProcessTimeout bounds the child's response to one record. Zero means
	// no limit.
	ProcessTimeout time.Duration

	// ServerTimeout is how long the server stays alive without requests.
	// Zero means forever.
	ServerTimeout time.Duration

	LogPath string
}

// Sum returns the 128-bit digest of cfg as 32 lowercase hex characters.
//
// The mtimes of the program path and of every argument naming an existing
// file are folded in, so updating any input file yields a new digest and
// therefore a fresh server. Fields are written NUL-separated with an
// explicit argument count, so distinct configs cannot collide by shifting
// bytes between adjacent fields.
func Sum(cfg Config) string {
	h := blake3.New()
	field := func(s string) {
		io.WriteString(h, s)
		h.Write([]byte{0})
	}
	field(cfg.Program)
	field(mtime(cfg.Program))
	field(strconv.Itoa(len(cfg.Args)))
	for _, arg := range cfg.Args {
		field(arg)
		field(mtime(arg))
	}
	field(cfg.InputTerminator)
	field(cfg.OutputTerminator)
	field(strconv.Itoa(cfg.PreludeCount))
	field(strconv.FormatInt(int64(cfg.ProcessTimeout), 10))
	field(strconv.FormatInt(int64(cfg.ServerTimeout), 10))
	field(cfg.LogPath)
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// mtime is the decimal modification time of path, or "0" if it can't be
// stat'ed (non-path arguments land here).
func mtime(path string) string {
	st, err := os.Stat(path)
	if err != nil {
		return "0"
	}
	return strconv.FormatInt(st.ModTime().UnixNano(), 10)
}
