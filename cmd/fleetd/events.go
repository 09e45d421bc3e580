package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/pflag"

	"github.com/basket/go-fleet/internal/config"
	"github.com/basket/go-fleet/internal/persistence"
	"github.com/basket/go-fleet/internal/tui"
)

func runEvents(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("events", pflag.ContinueOnError)
	since := fs.Int64("since", 0, "print envelopes with seq greater than this")
	limit := fs.Int("limit", persistence.DefaultReplayLimit, "maximum envelopes to print")
	asJSON := fs.Bool("json", false, "print one JSON envelope per line")
	dbPath := fs.String("db", "", "database path (overrides db_path)")
	if done, code := parseFlags(fs, args, stderr); done {
		return code
	}
	if *since < 0 || *limit <= 0 {
		fmt.Fprintln(stderr, "events: --since must be >= 0 and --limit > 0")
		return 2
	}

	path := *dbPath
	if path == "" {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(stderr, "config load: %v\n", err)
			return 1
		}
		path = cfg.DBPath
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintf(stderr, "events: %v\n", err)
		return 1
	}
	store, err := persistence.Open(path)
	if err != nil {
		fmt.Fprintf(stderr, "events: %v\n", err)
		return 1
	}
	defer store.Close()

	envs, err := store.EventsSince(ctx, *since, *limit)
	if err != nil {
		fmt.Fprintf(stderr, "events: %v\n", err)
		return 1
	}
	if *asJSON {
		enc := json.NewEncoder(stdout)
		for _, env := range envs {
			if err := enc.Encode(env); err != nil {
				fmt.Fprintf(stderr, "events: %v\n", err)
				return 1
			}
		}
		return 0
	}

	feed := tui.NewFeed(isTerminal(stdout))
	for _, env := range envs {
		if line, ok := feed.Add(env); ok {
			fmt.Fprintln(stdout, line)
		}
	}
	fmt.Fprintln(stdout, feed.Summary())
	return 0
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}
