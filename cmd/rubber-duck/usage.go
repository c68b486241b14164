// ABOUTME: usage command: prints token usage per duck from the record store
// ABOUTME: Accepts --duck, --since and --until filters

package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/beanlab/rubber-duck-sub000/internal/config"
	"github.com/beanlab/rubber-duck-sub000/internal/store"
)

func runUsage(ctx context.Context, args []string) error {
	filter, err := parseUsageArgs(args)
	if err != nil {
		return err
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	records, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening record store: %w", err)
	}
	defer records.Close()

	stats, err := records.GetUsageStats(ctx, filter)
	if err != nil {
		return fmt.Errorf("querying usage: %w", err)
	}
	if len(stats) == 0 {
		fmt.Println("No usage recorded.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DUCK\tTHREADS\tREQUESTS\tINPUT\tCACHED\tOUTPUT\tREASONING")
	for _, s := range stats {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\n",
			s.DuckType, s.Threads, s.Requests, s.InputTokens, s.CachedTokens, s.OutputTokens, s.ReasoningTokens)
	}
	return w.Flush()
}

// parseUsageArgs accepts "--flag value" and "--flag=value".
func parseUsageArgs(args []string) (store.UsageFilter, error) {
	var filter store.UsageFilter
	for i := 0; i < len(args); i++ {
		name, value, hasValue := strings.Cut(args[i], "=")
		if !hasValue {
			if i+1 >= len(args) {
				return filter, fmt.Errorf("%s requires a value", name)
			}
			value = args[i+1]
			i++
		}

		switch name {
		case "--duck":
			filter.DuckType = &value
		case "--since", "--until":
			t, err := time.Parse(time.RFC3339, value)
			if err != nil {
				return filter, fmt.Errorf("%s must be RFC 3339: %w", name, err)
			}
			if name == "--since" {
				filter.Since = &t
			} else {
				filter.Until = &t
			}
		default:
			return filter, fmt.Errorf("unknown flag: %s", name)
		}
	}
	return filter, nil
}
