// Package runner is the user-facing entry point: it resolves the command to
// a socket, spawns a server for it on demand, and runs a client session
// against it. The runner does no record I/O of its own.
package runner

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/guseggert/viasock/client"
	"github.com/guseggert/viasock/internal/fingerprint"
	"github.com/guseggert/viasock/internal/logging"
	"github.com/guseggert/viasock/internal/socketdir"
	"go.uber.org/zap"
)

type Config struct {
	// Command is the command to serve, with framing and timeout options.
	Command fingerprint.Config

	// WorkDir roots the socket cache. Defaults to the working directory.
	WorkDir string

	// Stdin and Stdout are handed to the client session; defaults are the
	// process's own.
	Stdin  io.Reader
	Stdout io.Writer
}

type Runner struct {
	log *zap.SugaredLogger
	cfg Config

	// spawnServer, runClient, and retryWait are replaceable for tests.
	spawnServer func(socketPath, hash string) error
	runClient   func(socketPath string) error
	retryWait   time.Duration
}

type Option func(r *Runner)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(r *Runner) {
		r.log = l.Named("runner")
	}
}

func New(cfg Config, opts ...Option) (*Runner, error) {
	if cfg.WorkDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("getting working directory: %w", err)
		}
		cfg.WorkDir = wd
	}
	r := &Runner{
		log:       logging.Nop(),
		cfg:       cfg,
		retryWait: time.Second,
	}
	r.spawnServer = r.execServer
	r.runClient = func(socketPath string) error {
		return client.Run(client.Config{
			SocketPath:       socketPath,
			InputTerminator:  cfg.Command.InputTerminator,
			OutputTerminator: cfg.Command.OutputTerminator,
			PreludeCount:     cfg.Command.PreludeCount,
			Stdin:            cfg.Stdin,
			Stdout:           cfg.Stdout,
		}, client.WithLogger(r.log))
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Run attempts a client session against the command's socket. When nothing
// is listening it spawns a detached server and retries exactly once.
//
// Two runners racing to spawn a server for the same fingerprint is fine:
// the loser's server finds the path already bound and exits silently, and
// the loser's retry lands on the winner's socket.
func (r *Runner) Run() error {
	if _, err := socketdir.Ensure(r.cfg.WorkDir); err != nil {
		return fmt.Errorf("creating socket directory: %w", err)
	}
	hash := fingerprint.Sum(r.cfg.Command)
	socketPath := socketdir.Path(r.cfg.WorkDir, hash)
	r.log.Debugw("resolved socket", "Socket", socketPath)

	err := r.runClient(socketPath)
	if err == nil {
		return nil
	}
	refused := errors.Is(err, syscall.ECONNREFUSED)
	if !refused && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	if refused {
		// A socket nothing accepts on is a leftover from a crashed server.
		r.log.Infow("removing stale socket", "Socket", socketPath)
		if err := os.Remove(socketPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("removing stale socket: %w", err)
		}
	}

	r.log.Infow("starting server", "Program", r.cfg.Command.Program)
	if err := r.spawnServer(socketPath, hash); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	// Give the server time to bind and capture the prelude.
	time.Sleep(r.retryWait)

	if err := r.runClient(socketPath); err != nil {
		return fmt.Errorf("connecting after starting server: %w", err)
	}
	return nil
}

// execServer starts this same binary's server subcommand, detached, with no
// inherited stdio. Its diagnostics go to the log path, if any.
func (r *Runner) execServer(socketPath, hash string) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("finding own executable: %w", err)
	}
	c := r.cfg.Command
	args := []string{"server"}
	if c.InputTerminator != "" {
		args = append(args, "-t", c.InputTerminator)
	}
	if c.OutputTerminator != "" {
		args = append(args, "-T", c.OutputTerminator)
	}
	if c.PreludeCount > 0 {
		args = append(args, "-P", strconv.Itoa(c.PreludeCount))
	}
	if c.ProcessTimeout > 0 {
		args = append(args, "-w", formatSeconds(c.ProcessTimeout))
	}
	args = append(args, "-W", formatSeconds(c.ServerTimeout))
	if c.LogPath != "" {
		args = append(args, "-l", c.LogPath)
	}
	args = append(args, socketPath, hash, c.Program)
	args = append(args, c.Args...)

	cmd := exec.Command(exe, args...)
	cmd.Dir = r.cfg.WorkDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return err
	}
	// The server outlives us; don't reap it.
	return cmd.Process.Release()
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}
