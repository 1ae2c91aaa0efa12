// viasock keeps slow-starting filter programs alive behind unix-domain
// sockets so repeated invocations skip the startup cost.
package main

import (
	"fmt"
	"log"
	"math"
	"os"
	"time"

	"github.com/guseggert/viasock/client"
	"github.com/guseggert/viasock/internal/fingerprint"
	"github.com/guseggert/viasock/internal/logging"
	"github.com/guseggert/viasock/runner"
	"github.com/guseggert/viasock/server"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func framingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "t",
			Usage: "Input record terminator `PATTERN`. Empty matches every line.",
		},
		&cli.StringFlag{
			Name:  "T",
			Usage: "Output record terminator `PATTERN`. Empty matches every line.",
		},
		&cli.IntFlag{
			Name:  "P",
			Usage: "Number of prelude records the program emits at startup.",
		},
	}
}

func serverFlags() []cli.Flag {
	return append(framingFlags(),
		&cli.Float64Flag{
			Name:  "w",
			Usage: "Seconds to wait for the program's response to a record. Zero means no limit.",
		},
		&cli.Float64Flag{
			Name:  "W",
			Usage: "Seconds without requests after which the server exits.",
			Value: 60,
		},
		&cli.StringFlag{
			Name:  "l",
			Usage: "Server log `PATH` (rotating file).",
		},
	)
}

func commandConfig(ctx *cli.Context, program string, args []string) fingerprint.Config {
	return fingerprint.Config{
		Program:          program,
		Args:             args,
		InputTerminator:  ctx.String("t"),
		OutputTerminator: ctx.String("T"),
		PreludeCount:     ctx.Int("P"),
		ProcessTimeout:   seconds(ctx.Float64("w")),
		ServerTimeout:    seconds(ctx.Float64("W")),
		LogPath:          ctx.String("l"),
	}
}

// seconds rounds instead of truncating so that a seconds value printed by
// the runner and re-parsed by the spawned server yields the same duration,
// and therefore the same fingerprint.
func seconds(s float64) time.Duration {
	return time.Duration(math.Round(s * float64(time.Second)))
}

func main() {
	app := &cli.App{
		Name:  "viasock",
		Usage: "serve a filter program over a unix socket to skip its startup cost",
		Commands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "run a record exchange against the program's server, starting it if needed",
				ArgsUsage: "program [args...]",
				Flags:     serverFlags(),
				Action: func(ctx *cli.Context) error {
					if ctx.NArg() < 1 {
						return fmt.Errorf("usage: viasock run program [args...]")
					}
					logger, err := logging.New("")
					if err != nil {
						return err
					}
					logger = logger.WithOptions(zap.IncreaseLevel(zapcore.InfoLevel))
					r, err := runner.New(runner.Config{
						Command: commandConfig(ctx, ctx.Args().First(), ctx.Args().Tail()),
					}, runner.WithLogger(logger))
					if err != nil {
						return err
					}
					return r.Run()
				},
			},
			{
				Name:      "server",
				Usage:     "serve a program on a unix socket (normally started by run)",
				ArgsUsage: "socket hash program [args...]",
				Flags:     serverFlags(),
				Action: func(ctx *cli.Context) error {
					if ctx.NArg() < 3 {
						return fmt.Errorf("usage: viasock server socket hash program [args...]")
					}
					logger, err := logging.New(ctx.String("l"))
					if err != nil {
						return err
					}
					s, err := server.New(server.Config{
						SocketPath: ctx.Args().Get(0),
						Hash:       ctx.Args().Get(1),
						Command:    commandConfig(ctx, ctx.Args().Get(2), ctx.Args().Slice()[3:]),
					}, server.WithLogger(logger))
					if err != nil {
						return err
					}
					return s.Run()
				},
			},
			{
				Name:      "client",
				Usage:     "run a record exchange against an existing server socket",
				ArgsUsage: "socket",
				Flags:     framingFlags(),
				Action: func(ctx *cli.Context) error {
					if ctx.NArg() != 1 {
						return fmt.Errorf("usage: viasock client socket")
					}
					logger, err := logging.New("")
					if err != nil {
						return err
					}
					logger = logger.WithOptions(zap.IncreaseLevel(zapcore.InfoLevel))
					return client.Run(client.Config{
						SocketPath:       ctx.Args().First(),
						InputTerminator:  ctx.String("t"),
						OutputTerminator: ctx.String("T"),
						PreludeCount:     ctx.Int("P"),
					}, client.WithLogger(logger))
				},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
