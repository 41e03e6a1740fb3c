// Command harvester archives social-media content into a local, resumable
// state store.
//
// Usage:
//
//	harvester run [flags] TARGET       start or resume a session
//	harvester sessions [flags]         list sessions
//	harvester export SESSION_ID        re-run exporters for a session
//	harvester verify SESSION_ID        re-hash completed downloads and repair counters
//	harvester prune [flags]            delete old finished sessions
//	harvester plugins list|schema      show loaded plugins or the manifest schema
//	harvester serve                    run the management API
//
// Process settings come from HARVESTER_* environment variables; the run file
// named by -run-file or HARVESTER_RUN_FILE configures plugins and handlers.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/p-blackswan/harvester/internal/config"
)

const usage = `usage: harvester <command> [flags] [args]

commands:
  run       start or resume archiving a target (user:NAME, community:NAME, URL)
  sessions  list sessions
  export    re-run exporters for a session
  verify    re-hash completed downloads and repair session counters
  prune     delete finished sessions older than the retention period
  plugins   list loaded plugins, or print the manifest JSON schema
  serve     run the management API
`

type command func(ctx context.Context, a *app, args []string) (int, error)

var commands = map[string]command{
	"run":      runCmd,
	"sessions": sessionsCmd,
	"export":   exportCmd,
	"verify":   verifyCmd,
	"prune":    pruneCmd,
	"plugins":  pluginsCmd,
	"serve":    serveCmd,
}

func main() {
	os.Exit(realMain(os.Args[1:]))
}

func realMain(args []string) int {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load config")
		return 2
	}
	if cfg.Environment == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	log.Logger = logger

	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return 2
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", args[0], usage)
		return 2
	}
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("Invalid configuration")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := &app{cfg: cfg, logger: logger}
	defer a.close()

	code, err := cmd(ctx, a, args[1:])
	if err != nil {
		var ue usageError
		if errors.As(err, &ue) {
			fmt.Fprintf(os.Stderr, "%s\n\n%s", ue, usage)
			return 2
		}
		logger.Error().Err(err).Str("command", args[0]).Msg("Command failed")
		if code == 0 {
			code = 1
		}
	}
	return code
}

type usageError string

func (e usageError) Error() string { return string(e) }
