package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	ffnats "github.com/Strob0t/forgeflow/internal/adapter/nats"
	"github.com/Strob0t/forgeflow/internal/adapter/postgres"
	"github.com/Strob0t/forgeflow/internal/config"
	"github.com/Strob0t/forgeflow/internal/domain/event"
)

// runAdmin dispatches admin subcommands (migrate, rollback, version, runs, tail).
func runAdmin(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printAdminHelp()
		return nil
	}

	switch args[0] {
	case "migrate":
		return runAdminMigrate(args[1:])
	case "rollback":
		return runAdminRollback(args[1:])
	case "version":
		return runAdminVersion(args[1:])
	case "runs":
		return runAdminRuns(args[1:])
	case "tail":
		return runAdminTail(args[1:])
	default:
		printAdminHelp()
		return fmt.Errorf("unknown admin command: %s", args[0])
	}
}

func printAdminHelp() {
	fmt.Fprintf(os.Stderr, `Usage: forgeflow admin <command> [options]

Commands:
  migrate    Apply pending database migrations
  rollback   Roll back database migrations
  version    Print the current migration version
  runs       List recent runs from the database
  tail       Stream a run's relayed events from NATS
  help       Show this help message

Examples:
  forgeflow admin migrate
  forgeflow admin rollback --steps 2
  forgeflow admin runs --limit 20
  forgeflow admin tail --run 3f2c...
`)
}

// adminDSN loads configuration and returns the PostgreSQL DSN.
func adminDSN() (*config.Config, string, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, "", fmt.Errorf("load config: %w", err)
	}
	if cfg.Postgres.DSN == "" {
		return nil, "", fmt.Errorf("postgres dsn is not configured (DATABASE_URL)")
	}
	return cfg, cfg.Postgres.DSN, nil
}

func runAdminMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	_, dsn, err := adminDSN()
	if err != nil {
		return err
	}

	ctx := context.Background()
	if err := postgres.RunMigrations(ctx, dsn); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	v, err := postgres.MigrationVersion(ctx, dsn)
	if err != nil {
		return fmt.Errorf("migration version: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Migrations applied, version %d\n", v)
	return nil
}

func runAdminRollback(args []string) error {
	fs := flag.NewFlagSet("rollback", flag.ContinueOnError)
	steps := fs.Int("steps", 1, "number of migrations to roll back")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *steps <= 0 {
		return fmt.Errorf("--steps must be positive")
	}
	_, dsn, err := adminDSN()
	if err != nil {
		return err
	}

	ctx := context.Background()
	if err := postgres.RollbackMigrations(ctx, dsn, *steps); err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	v, err := postgres.MigrationVersion(ctx, dsn)
	if err != nil {
		return fmt.Errorf("migration version: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Rolled back %d migration(s), version %d\n", *steps, v)
	return nil
}

func runAdminVersion(args []string) error {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	_, dsn, err := adminDSN()
	if err != nil {
		return err
	}

	v, err := postgres.MigrationVersion(context.Background(), dsn)
	if err != nil {
		return fmt.Errorf("migration version: %w", err)
	}
	fmt.Println(v)
	return nil
}

func runAdminRuns(args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "maximum number of runs to list")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, _, err := adminDSN()
	if err != nil {
		return err
	}

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	runs, err := postgres.NewStore(pool).ListRuns(ctx, *limit)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	if len(runs) == 0 {
		fmt.Println("No runs found.")
		return nil
	}

	descWidth := descriptionWidth()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tREASON\tROUNDS\tTOKENS\tCREATED\tDESCRIPTION")
	for i := range runs {
		r := &runs[i]
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			r.ID, r.Status, r.Reason, len(r.Rounds),
			r.Usage.InputTokens+r.Usage.OutputTokens,
			r.CreatedAt.Format(time.RFC3339), truncate(r.Description, descWidth))
	}
	return w.Flush()
}

// descriptionWidth sizes the description column to the terminal. Output
// that is not a terminal is never truncated.
func descriptionWidth() int {
	fd := int(os.Stdout.Fd()) //nolint:gosec // fd fits in int
	if !term.IsTerminal(fd) {
		return 0
	}
	width, _, err := term.GetSize(fd)
	if err != nil || width < 120 {
		return 40
	}
	return width - 80
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

func runAdminTail(args []string) error {
	fs := flag.NewFlagSet("tail", flag.ContinueOnError)
	runID := fs.String("run", "", "run ID (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID == "" {
		return fmt.Errorf("--run is required")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.NATS.URL == "" {
		return fmt.Errorf("nats url is not configured (NATS_URL)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := ffnats.Connect(ctx, cfg.NATS.URL, cfg.NATS.EventMaxAge)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	done := make(chan struct{})
	enc := json.NewEncoder(os.Stdout)
	stopTail, err := conn.Tail(ctx, *runID, func(ev event.Event) {
		_ = enc.Encode(ev)
		if ev.Type.IsTerminal() {
			select {
			case <-done:
			default:
				close(done)
			}
		}
	})
	if err != nil {
		return err
	}
	defer stopTail()

	select {
	case <-ctx.Done():
	case <-done:
	}
	return nil
}
