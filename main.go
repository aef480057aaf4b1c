package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskshoot/calsync/pkg/auth"
	"github.com/taskshoot/calsync/pkg/config"
	"github.com/taskshoot/calsync/pkg/gcal"
	"github.com/taskshoot/calsync/pkg/mapper"
	"github.com/taskshoot/calsync/pkg/state"
	"github.com/taskshoot/calsync/pkg/sync"
	"github.com/taskshoot/calsync/pkg/taskfile"
)

var (
	flagOwner     string
	flagCalendars []string
	flagDirection string
	flagFull      bool
	flagSince     string
	flagLimit     int
)

var rootCmd = &cobra.Command{
	Use:   "calsync",
	Short: "Two-way synchronization between local tasks and Google Calendar",
	Long: `calsync keeps a local task store and Google Calendar consistent in
both directions: it authenticates per owner, chooses full or incremental
sync, converts between tasks and events, resolves conflicts, and persists
enough state to resume safely after any interruption.`,
}

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Authorize an owner with Google Calendar",
	Long: `Run the browser-based OAuth flow for an owner and store the obtained
tokens. Re-running replaces any existing tokens and re-enables auto-sync for
the owner.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		creds := auth.NewStore(cfg.CredentialsDir, nil)
		if _, err := creds.Authorize(cmd.Context(), flagOwner); err != nil {
			return fmt.Errorf("authentication failed: %w", err)
		}
		fmt.Printf("Authentication successful for owner %s\n", flagOwner)
		return nil
	},
}

var calendarsCmd = &cobra.Command{
	Use:   "calendars",
	Short: "List the owner's calendars",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		creds := auth.NewStore(cfg.CredentialsDir, nil)
		client, err := gcal.NewClient(ctx, creds.TokenSource(ctx, flagOwner), nil,
			gcal.WithRetry(cfg.RetryAttempts, cfg.RetryBaseDelay))
		if err != nil {
			return err
		}
		items, err := client.ListCalendars(ctx)
		if err != nil {
			return err
		}
		for _, item := range items {
			fmt.Printf("%s\t%s\n", item.Id, item.Summary)
		}
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a synchronization for an owner",
	Long: `Synchronize the owner's tasks with the named calendars. Direction is
one of gcal_to_taskshoot, taskshoot_to_gcal, or both. --full forces a full
resync instead of an incremental one.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		runTimeout := cfg.RunTimeout
		if runTimeout <= 0 {
			runTimeout = 10 * time.Minute
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), runTimeout)
		defer cancel()

		creds := auth.NewStore(cfg.CredentialsDir, nil)
		if creds.AutoSyncDisabled(flagOwner) {
			return fmt.Errorf("auto-sync is disabled for owner %s: reconnect with 'calsync auth --owner %s'", flagOwner, flagOwner)
		}

		client, err := gcal.NewClient(ctx, creds.TokenSource(ctx, flagOwner), nil,
			gcal.WithRetry(cfg.RetryAttempts, cfg.RetryBaseDelay))
		if err != nil {
			return err
		}

		calendarIDs := flagCalendars
		if len(calendarIDs) == 0 {
			id, err := client.ResolveCalendarID(ctx, cfg.Calendar)
			if err != nil {
				return err
			}
			calendarIDs = []string{id}
		}

		store, err := state.Open(cfg.DatabasePath, nil)
		if err != nil {
			return err
		}
		defer store.Close()

		tasks := taskfile.NewStore(filepath.Join(cfg.CredentialsDir, "tasks"))
		m := mapper.New(cfg.ExcludePatterns)
		orch := sync.New(creds, client, tasks, store, m, nil, sync.WithWorkers(cfg.Workers))

		req := sync.Request{
			OwnerID:       flagOwner,
			CalendarIDs:   calendarIDs,
			Direction:     flagDirection,
			ForceFullSync: flagFull,
		}
		if flagSince != "" {
			min, err := time.Parse(time.RFC3339, flagSince)
			if err != nil {
				return fmt.Errorf("invalid --since value %q: %w", flagSince, err)
			}
			req.Window.Min = min
		}

		results, err := orch.Sync(ctx, req)
		for _, run := range results {
			if run == nil {
				continue
			}
			printRun(run)
		}
		if err != nil {
			var expired *auth.AuthExpiredError
			if errors.As(err, &expired) {
				return fmt.Errorf("authorization expired: reconnect with 'calsync auth --owner %s'", flagOwner)
			}
			return err
		}
		return nil
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Show recent sync runs for an owner",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := state.Open(cfg.DatabasePath, nil)
		if err != nil {
			return err
		}
		defer store.Close()

		results, err := store.ListRunResults(cmd.Context(), flagOwner, flagLimit)
		if err != nil {
			return err
		}
		for _, run := range results {
			printRun(run)
		}
		return nil
	},
}

func printRun(run *state.RunResult) {
	fmt.Printf("%s  %s  %-9s  %s  processed=%d created=%d updated=%d deleted=%d\n",
		run.StartedAt.Local().Format("2006-01-02 15:04:05"),
		run.CalendarID, run.Status, run.Direction,
		run.EventsProcessed, run.EventsCreated, run.EventsUpdated, run.EventsDeleted)
	for _, c := range run.Conflicts {
		fmt.Printf("    conflict: task=%s event=%s winner=%s\n", c.TaskID, c.EventID, c.Winner)
	}
	for _, e := range run.Errors {
		fmt.Printf("    error [%s] %s: %s\n", e.Stage, e.ItemID, e.Message)
	}
}

func main() {
	log.SetFlags(log.LstdFlags)

	authCmd.Flags().StringVar(&flagOwner, "owner", "", "owner id to authorize")
	authCmd.MarkFlagRequired("owner")

	calendarsCmd.Flags().StringVar(&flagOwner, "owner", "", "owner id")
	calendarsCmd.MarkFlagRequired("owner")

	syncCmd.Flags().StringVar(&flagOwner, "owner", "", "owner id")
	syncCmd.Flags().StringSliceVar(&flagCalendars, "calendar-id", nil, "calendar id to sync (repeatable; default: configured calendar)")
	syncCmd.Flags().StringVar(&flagDirection, "direction", sync.DirectionBoth, "sync direction: gcal_to_taskshoot, taskshoot_to_gcal, or both")
	syncCmd.Flags().BoolVar(&flagFull, "full", false, "force a full resync")
	syncCmd.Flags().StringVar(&flagSince, "since", "", "lower time bound for full syncs (RFC3339)")
	syncCmd.MarkFlagRequired("owner")

	runsCmd.Flags().StringVar(&flagOwner, "owner", "", "owner id")
	runsCmd.Flags().IntVar(&flagLimit, "limit", 20, "number of runs to show")
	runsCmd.MarkFlagRequired("owner")

	rootCmd.AddCommand(authCmd, calendarsCmd, syncCmd, runsCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
