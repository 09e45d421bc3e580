package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/pflag"

	"github.com/basket/go-fleet/internal/config"
	"github.com/basket/go-fleet/internal/persistence"
)

func runBackup(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("backup", pflag.ContinueOnError)
	dbPath := fs.String("db", "", "database path (overrides db_path)")
	if done, code := parseFlags(fs, args, stderr); done {
		return code
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: fleetd backup [--db path] <dest>")
		return 2
	}
	dest := fs.Arg(0)

	path := *dbPath
	if path == "" {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(stderr, "config load: %v\n", err)
			return 1
		}
		path = cfg.DBPath
	}
	store, err := persistence.Open(path)
	if err != nil {
		fmt.Fprintf(stderr, "backup: %v\n", err)
		return 1
	}
	defer store.Close()

	seq, err := store.CurrentSeq(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "backup: %v\n", err)
		return 1
	}
	if err := store.Backup(ctx, dest); err != nil {
		fmt.Fprintf(stderr, "backup: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "backup written to %s (seq %d)\n", dest, seq)
	return 0
}
