package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/eventstore"
)

func runJournal(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("journal", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to configuration file")
	limit := fs.Int("limit", 20, "Number of entries to show")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if cfg.Journal.RetentionMode != "persistent" {
		fmt.Fprintln(stderr, "journal.retention_mode is not persistent; nothing is recorded")
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	store, err := eventstore.Open(ctx, cfg.Journal, logger)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer store.Close()

	entries, err := store.Recent(ctx, *limit)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tKIND\tSTATE\tCODE\tDETAIL")
	for _, e := range entries {
		detail := e.Detail
		if e.Kind == eventstore.KindTranscript {
			detail = fmt.Sprintf("%d chars copied=%t pasted=%t", e.Chars, e.Copied, e.Pasted)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.CreatedAt.Local().Format(time.DateTime), e.Kind, e.State, e.Code, detail)
	}
	_ = tw.Flush()
	return 0
}
