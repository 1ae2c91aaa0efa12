// Package server implements the viasock daemon: it owns one child process
// and one listening unix-domain socket, and streams records between a client
// and the child.
//
// The server serves one client at a time. The child's output stream is a
// single monotonic cursor shared across sessions: the child emits exactly
// one output record per input record, so session N+1 sees the records that
// session N did not consume. The server exits on idleness, when the command
// fingerprint it was started for no longer matches the command's input
// files, on child failure, or on any framing or timeout error.
package server

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"regexp"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/viasock/framer"
	"github.com/guseggert/viasock/internal/fingerprint"
	"github.com/guseggert/viasock/internal/logging"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type Config struct {
	// SocketPath is the unix socket to bind. Binding an existing path is an
	// error; stale files are the runner's problem, not ours.
	SocketPath string

	// Hash is the fingerprint the socket path was derived from. The server
	// recomputes the fingerprint on every idle poll and exits when it
	// drifts, so clients fall through to a fresh server.
	Hash string

	// Command is the served command and its framing and timeout options.
	Command fingerprint.Config
}

type Server struct {
	log *zap.SugaredLogger
	cfg Config

	inTerm  *regexp.Regexp
	outTerm *regexp.Regexp

	acceptPoll time.Duration

	listener *net.UnixListener
	cmd      *exec.Cmd
	childIn  io.WriteCloser

	// out is the shared cursor into the child's stdout, created once at
	// startup and never reset between sessions.
	out     *framer.Reader
	prelude []byte

	lastRequest time.Time
	connCount   int

	stderrDone chan struct{}
}

type Option func(s *Server)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Server) {
		s.log = l.Named("server")
	}
}

func New(cfg Config, opts ...Option) (*Server, error) {
	inTerm, err := regexp.Compile(cfg.Command.InputTerminator)
	if err != nil {
		return nil, fmt.Errorf("compiling input terminator: %w", err)
	}
	outTerm, err := regexp.Compile(cfg.Command.OutputTerminator)
	if err != nil {
		return nil, fmt.Errorf("compiling output terminator: %w", err)
	}
	s := &Server{
		log:        logging.Nop(),
		cfg:        cfg,
		inTerm:     inTerm,
		outTerm:    outTerm,
		acceptPoll: time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Run binds the socket, starts the child, captures the prelude, and serves
// clients until an exit condition. It returns nil on a clean exit (idle
// timeout or fingerprint invalidation) and the first fatal error otherwise.
// The shutdown sequence always runs, and the socket is always unlinked.
func (s *Server) Run() error {
	addr, err := net.ResolveUnixAddr("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("resolving socket address: %w", err)
	}
	listener, err := net.ListenUnix("unix", addr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", s.cfg.SocketPath, err)
	}
	s.listener = listener
	defer s.unlinkSocket()
	defer listener.Close()

	if err := s.startChild(); err != nil {
		return err
	}

	fatal := s.capturePrelude()
	if fatal == nil {
		s.log.Infow("serving", "Socket", s.cfg.SocketPath, "Program", s.cfg.Command.Program, "PID", s.cmd.Process.Pid)
		fatal = s.acceptLoop()
	}
	if fatal != nil {
		s.log.Errorf("fatal: %s", fatal)
		s.cmd.Process.Kill()
	}
	return multierr.Append(fatal, s.stopChild(fatal != nil))
}

func (s *Server) startChild() error {
	cmd := exec.Command(s.cfg.Command.Program, s.cfg.Command.Args...)
	// New session, so signals aimed at a client's terminal never reach the child.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	childIn, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("piping child stdin: %w", err)
	}
	childOut, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("piping child stdout: %w", err)
	}
	childErr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("piping child stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", s.cfg.Command.Program, err)
	}
	s.cmd = cmd
	s.childIn = childIn

	var framerOpts []framer.Option
	if s.cfg.Command.ProcessTimeout > 0 {
		framerOpts = append(framerOpts, framer.WithTimeout(s.cfg.Command.ProcessTimeout))
	}
	s.out = framer.New(childOut, s.outTerm, framerOpts...)

	s.stderrDone = make(chan struct{})
	go s.pumpStderr(childErr)
	return nil
}

// pumpStderr copies the child's stderr into the log line by line for the
// lifetime of the child.
func (s *Server) pumpStderr(r io.Reader) {
	defer close(s.stderrDone)
	log := s.log.Named("child_stderr")
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		log.Info(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		// A closed pipe here means the child aborted early.
		log.Debugf("stderr stream ended: %s", err)
	}
}

// capturePrelude drains the child's first PreludeCount output records.
// They are replayed verbatim to every client.
func (s *Server) capturePrelude() error {
	var buf bytes.Buffer
	for i := 0; i < s.cfg.Command.PreludeCount; i++ {
		rec, err := s.out.Next()
		if err != nil {
			return fmt.Errorf("reading prelude record %d of %d: %w", i+1, s.cfg.Command.PreludeCount, err)
		}
		buf.Write(rec)
	}
	s.prelude = buf.Bytes()
	return nil
}

// acceptLoop waits for clients with a short poll so the idle and
// invalidation checks stay responsive. It returns nil on a clean exit and
// the session's error on a fatal one.
func (s *Server) acceptLoop() error {
	s.lastRequest = time.Now()
	for {
		s.listener.SetDeadline(time.Now().Add(s.acceptPoll))
		conn, err := s.listener.AcceptUnix()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.log.Debug("listener closed, shutting down")
				return nil
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				if s.idle() {
					s.log.Infof("no requests for %s, shutting down", s.cfg.Command.ServerTimeout)
					return nil
				}
				if s.invalidated() {
					s.log.Info("command inputs changed, shutting down")
					return nil
				}
				continue
			}
			return fmt.Errorf("accepting connection: %w", err)
		}

		s.connCount++
		log := s.log.Named("session").With("ID", uuid.NewString(), "Conn", s.connCount)
		log.Debug("accepted connection")
		err = s.handleSession(conn, log)
		conn.Close()
		if err != nil {
			return err
		}
	}
}

func (s *Server) idle() bool {
	return s.cfg.Command.ServerTimeout > 0 && time.Since(s.lastRequest) > s.cfg.Command.ServerTimeout
}

func (s *Server) invalidated() bool {
	return fingerprint.Sum(s.cfg.Command) != s.cfg.Hash
}

// stopChild runs the shutdown sequence: close the child's stdin, wait for it
// to exit within the process timeout, and join the stderr pump. A non-zero
// exit status is an error, but never stops the rest of the sequence; when
// killed is true the child was killed on purpose and its exit status is
// not reported.
func (s *Server) stopChild(killed bool) error {
	var errs error
	if err := s.childIn.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		errs = multierr.Append(errs, fmt.Errorf("closing child stdin: %w", err))
	}

	waited := make(chan error, 1)
	go func() {
		waited <- s.cmd.Wait()
	}()

	var expired <-chan time.Time
	if s.cfg.Command.ProcessTimeout > 0 {
		timer := time.NewTimer(s.cfg.Command.ProcessTimeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case err := <-waited:
		if err != nil && !killed {
			s.log.Errorf("child exited abnormally: %s", err)
			errs = multierr.Append(errs, fmt.Errorf("child process: %w", err))
		}
	case <-expired:
		s.cmd.Process.Kill()
		errs = multierr.Append(errs, fmt.Errorf("timed out after %s waiting for child to exit", s.cfg.Command.ProcessTimeout))
		<-waited
	}

	<-s.stderrDone
	return errs
}

// Stop winds the server down as if it had gone idle: the child is shut down
// and the socket removed. Only valid once Run has bound the socket.
func (s *Server) Stop() error {
	return s.listener.Close()
}

func (s *Server) unlinkSocket() {
	err := os.Remove(s.cfg.SocketPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log.Debugf("removing socket: %s", err)
	}
}
