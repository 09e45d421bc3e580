package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/pflag"

	"github.com/basket/go-fleet/internal/config"
	"github.com/basket/go-fleet/internal/doctor"
)

func runDoctor(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("doctor", pflag.ContinueOnError)
	jsonOutput := fs.Bool("json", false, "print the diagnosis as JSON")
	if done, code := parseFlags(fs, args, stderr); done {
		return code
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "Error loading config: %v\n", err)
		// Continue anyway to diagnose why.
	}

	diag := doctor.Run(ctx, &cfg, Version)

	if *jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(stderr, "Error encoding json: %v\n", err)
			return 1
		}
		return 0
	}

	fmt.Fprintf(stdout, "fleetd doctor report (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(stdout, "System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
	fmt.Fprintln(stdout, "---")
	for _, res := range diag.Results {
		icon := "✅"
		switch res.Status {
		case doctor.StatusFail:
			icon = "❌"
		case doctor.StatusWarn:
			icon = "⚠️ "
		case doctor.StatusSkip:
			icon = "⏩"
		}
		fmt.Fprintf(stdout, "%s %-15s: %s\n", icon, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintf(stdout, "    %s\n", res.Detail)
		}
	}
	if diag.Failed() > 0 {
		return 1
	}
	return 0
}
