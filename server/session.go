package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/guseggert/viasock/framer"
	"go.uber.org/zap"
)

// handleSession serves one client connection: it replays the prelude, then
// pumps one output record back for each input record, in order. It returns
// nil when the client closes cleanly between records; any error it returns
// is fatal to the server. Errors flow back to the accept loop as the return
// value, so there is no shared exception state to reset between sessions.
func (s *Server) handleSession(conn *net.UnixConn, log *zap.SugaredLogger) error {
	if len(s.prelude) > 0 {
		if _, err := conn.Write(s.prelude); err != nil {
			return fmt.Errorf("writing prelude: %w", err)
		}
	}

	in := framer.New(conn, s.inTerm)
	records := 0
	for {
		rec, err := in.Next()
		if errors.Is(err, io.EOF) {
			log.Debugw("client done", "Records", records)
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading client record: %w", err)
		}

		out, err := s.exchange(rec)
		if err != nil {
			return err
		}
		if _, err := conn.Write(out); err != nil {
			return fmt.Errorf("writing response to client: %w", err)
		}
		s.lastRequest = time.Now()
		records++
	}
}

// exchange forwards one input record to the child and returns the child's
// next output record.
//
// The write and the read must run concurrently. Pipes have finite kernel
// buffers: a record larger than the stdin buffer blocks the write until the
// child drains it, and the child may not drain it until its response (which
// can itself overflow the stdout buffer) has been consumed. Doing the two
// sequentially is a wait-for cycle; a goroutine takes the write while this
// goroutine takes the read, so whichever pipe fills first gets drained.
func (s *Server) exchange(rec []byte) ([]byte, error) {
	written := make(chan error, 1)
	go func() {
		_, err := s.childIn.Write(rec)
		written <- err
	}()

	out, readErr := s.out.Next()
	if readErr != nil {
		// The write may still be blocked on a pipe the child will never
		// drain; killing the child is what unblocks it.
		s.cmd.Process.Kill()
		<-written
		if errors.Is(readErr, io.EOF) {
			return nil, fmt.Errorf("child stopped producing output: %w", readErr)
		}
		return nil, fmt.Errorf("reading child response: %w", readErr)
	}
	if err := <-written; err != nil {
		return nil, fmt.Errorf("writing record to child stdin: %w", err)
	}
	return out, nil
}
