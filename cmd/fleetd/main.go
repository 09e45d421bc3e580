package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `Usage: fleetd [command] [flags]

COMMANDS:
  serve                       Run the coordinator (default)
  tail [--url] [--topic]...   Print the live event stream
  events [--since] [--limit]  Print the event log from the database
  doctor [--json]             Run diagnostic checks
  backup <dest>               Write an online copy of the event log
  version                     Print the version

ENVIRONMENT VARIABLES:
  FLEET_HOME                  Data directory (default: ~/.fleet)
  FLEET_BIND_ADDR             Override bind_addr
  FLEET_DB_PATH               Override db_path
  FLEET_LOG_LEVEL             Override log_level
  FLEET_REDIS_ADDR            Enable the Redis relay at this address

Run 'fleetd <command> --help' for command flags.
`)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run dispatches to a subcommand and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = strings.ToLower(strings.TrimSpace(args[0])), args[1:]
	}
	switch cmd {
	case "serve":
		return runServe(ctx, args, stderr)
	case "tail":
		return runTail(ctx, args, stdout, stderr)
	case "events":
		return runEvents(ctx, args, stdout, stderr)
	case "doctor":
		return runDoctor(ctx, args, stdout, stderr)
	case "backup":
		return runBackup(ctx, args, stdout, stderr)
	case "version":
		fmt.Fprintln(stdout, "fleetd", Version)
		return 0
	case "help":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", cmd)
		printUsage(stderr)
		return 2
	}
}

// fatalStartup reports a startup failure with an explicit reason code and
// returns the exit code.
func fatalStartup(logger *slog.Logger, stderr io.Writer, reasonCode string, err error) int {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			stderr,
			`{"timestamp":"%s","level":"ERROR","component":"fleetd","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	return 1
}
