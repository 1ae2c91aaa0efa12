// Package client connects to a viasock server socket and pumps records
// between its stdin/stdout and the socket: the prelude first, then one
// response per input record. It holds no state across records beyond its
// two framers.
package client

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"regexp"

	"github.com/guseggert/viasock/framer"
	"github.com/guseggert/viasock/internal/logging"
	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
)

type Config struct {
	SocketPath string

	// InputTerminator and OutputTerminator must match the server's; for the
	// run path the fingerprint in the socket name guarantees they do.
	InputTerminator  string
	OutputTerminator string

	// PreludeCount is how many records to copy from the socket to stdout
	// before the first input record is read.
	PreludeCount int

	// Stdin and Stdout default to the process's own.
	Stdin  io.Reader
	Stdout io.Writer
}

type Option func(c *client)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *client) {
		c.log = l.Named("client")
	}
}

type client struct {
	log *zap.SugaredLogger
}

// Run performs one session against the socket and returns when stdin is
// exhausted. Responses are written record-at-a-time, so a framing error
// never leaves a partial record on stdout.
func Run(cfg Config, opts ...Option) error {
	c := &client{log: logging.Nop()}
	for _, o := range opts {
		o(c)
	}

	inTerm, err := regexp.Compile(cfg.InputTerminator)
	if err != nil {
		return fmt.Errorf("compiling input terminator: %w", err)
	}
	outTerm, err := regexp.Compile(cfg.OutputTerminator)
	if err != nil {
		return fmt.Errorf("compiling output terminator: %w", err)
	}

	stdin := cfg.Stdin
	if stdin == nil {
		stdin = os.Stdin
	}
	stdout := cfg.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	// On a terminal, each record must appear as soon as it arrives.
	flushEach := false
	if f, ok := stdout.(*os.File); ok {
		flushEach = isatty.IsTerminal(f.Fd())
	}
	out := bufio.NewWriter(stdout)

	conn, err := net.Dial("unix", cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", cfg.SocketPath, err)
	}
	defer conn.Close()
	c.log.Debugw("connected", "Socket", cfg.SocketPath)

	fromServer := framer.New(conn, outTerm)
	fromStdin := framer.New(stdin, inTerm)

	for i := 0; i < cfg.PreludeCount; i++ {
		rec, err := fromServer.Next()
		if err != nil {
			return fmt.Errorf("reading prelude record %d of %d: %w", i+1, cfg.PreludeCount, err)
		}
		if err := writeRecord(out, rec, flushEach); err != nil {
			return err
		}
	}

	records := 0
	for {
		rec, err := fromStdin.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("reading input record: %w", err)
		}
		if _, err := conn.Write(rec); err != nil {
			return fmt.Errorf("sending record: %w", err)
		}
		resp, err := fromServer.Next()
		if err != nil {
			return fmt.Errorf("reading response record: %w", err)
		}
		if err := writeRecord(out, resp, flushEach); err != nil {
			return err
		}
		records++
	}
	c.log.Debugw("session done", "Records", records)

	if err := out.Flush(); err != nil {
		return fmt.Errorf("flushing stdout: %w", err)
	}
	return nil
}

func writeRecord(out *bufio.Writer, rec []byte, flush bool) error {
	if _, err := out.Write(rec); err != nil {
		return fmt.Errorf("writing to stdout: %w", err)
	}
	if flush {
		if err := out.Flush(); err != nil {
			return fmt.Errorf("flushing stdout: %w", err)
		}
	}
	return nil
}
