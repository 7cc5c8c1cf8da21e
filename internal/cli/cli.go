package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/relayrun/relayrun/internal/http"
	"github.com/relayrun/relayrun/internal/log"
	internal_storage "github.com/relayrun/relayrun/internal/storage"
	"github.com/relayrun/relayrun/pkg/backend"
	"github.com/relayrun/relayrun/pkg/models"
	"github.com/relayrun/relayrun/pkg/relay"
	"github.com/relayrun/relayrun/pkg/runner"
	"github.com/relayrun/relayrun/pkg/storage"
)

func SetupCLI(rootCmd *cobra.Command) {
	rootCmd.PersistentFlags().String("db", "", "Record store connection string (optional if DB_* env vars are set)")
	rootCmd.AddCommand(
		listRunnersCmd(),
		removeRunnerCmd(),
		startCmd(),
		stopCmd(),
		submitCmd(),
		cancelCmd(),
		statusCmd(),
		graphicalStatusCmd(),
		serveCmd(),
	)
}

func fail(format string, args ...interface{}) {
	log.GetLogger().Errorf(format, args...)
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func connStr(cmd *cobra.Command) string {
	s, err := cmd.Flags().GetString("db")
	if err != nil {
		fail("retrieving db flag: %v", err)
	}
	if s != "" {
		return s
	}
	if err := godotenv.Load(); err != nil {
		log.GetLogger().Debugf("No .env file found: %v", err)
	}
	dbUsername := os.Getenv("DB_USERNAME")
	dbPassword := os.Getenv("DB_PASSWORD")
	dbHost := os.Getenv("DB_HOST")
	dbPort := os.Getenv("DB_PORT")
	dbName := os.Getenv("DB_NAME")
	if dbUsername == "" || dbPassword == "" || dbHost == "" || dbPort == "" || dbName == "" {
		fail("--db flag or complete DB_* env vars (DB_USERNAME, DB_PASSWORD, DB_HOST, DB_PORT, DB_NAME) required")
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		dbUsername, dbPassword, dbHost, dbPort, dbName)
}

func initStore(cmd *cobra.Command) storage.Store {
	store, err := internal_storage.InitStore(connStr(cmd))
	if err != nil {
		fail("failed to initialize store: %v", err)
	}
	return store
}

func listRunnersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-runners",
		Short: "List registered runners",
		Run: func(cmd *cobra.Command, args []string) {
			store := initStore(cmd)
			defer store.Close()
			regs, err := runner.ListRunners(store)
			if err != nil {
				fail("failed to list runners: %v", err)
			}
			if len(regs) == 0 {
				fmt.Println("No runners registered.")
				return
			}
			for _, reg := range regs {
				state := "idle"
				if reg.Running {
					state = "running"
				}
				if reg.ExplicitStop {
					state += " (stop requested)"
				}
				fmt.Printf("- %s: %s, max jobs %d, cycle %ds, folder %s\n",
					reg.Name, state, reg.Settings.MaxJobs, reg.Settings.CycleTime, reg.Settings.RunFolder)
			}
		},
	}
}

func removeRunnerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove-runner [name]",
		Short: "Remove a runner registration",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			force, _ := cmd.Flags().GetBool("force")
			store := initStore(cmd)
			defer store.Close()
			if err := runner.RemoveRunner(store, args[0], force); err != nil {
				fail("failed to remove runner: %v", err)
			}
			fmt.Printf("Removed runner %q\n", args[0])
		},
	}
	cmd.Flags().Bool("force", false, "Remove even while the runner is marked running")
	return cmd
}

func startCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start [name]",
		Short: "Start a runner's poll loop (name must carry the backend prefix, e.g. slurm:prod)",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			name := args[0]
			if !backend.KnownType(name) {
				fail("runner %q: type %q not in %v", name, backend.TypeOf(name), backend.Types)
			}
			store := initStore(cmd)
			defer store.Close()

			update, _ := cmd.Flags().GetBool("update")
			cfg, err := runner.LoadConfig(name, store)
			switch {
			case err != nil && !errors.Is(err, storage.ErrNotFound):
				fail("failed to load runner config: %v", err)
			case errors.Is(err, storage.ErrNotFound) || update:
				cfg = configFromFlags(cmd, name)
			}

			be, err := backend.New(backend.TypeOf(name), cfg.Interpreter)
			if err != nil {
				fail("%v", err)
			}
			r, err := runner.NewRunner(cfg, store, be, log.GetLogger())
			if err != nil {
				fail("%v", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			log.GetLogger().Infof("Starting runner %q", r.Name())
			if err := r.Spool(ctx, true); err != nil {
				fail("runner stopped with error: %v", err)
			}
		},
	}
	cmd.Flags().Int("max-jobs", 50, "Soft cap on concurrently running jobs")
	cmd.Flags().Duration("cycle-time", 30*time.Second, "Sleep between poll cycles")
	cmd.Flags().Bool("keep-run", false, "Keep working directories of finished jobs")
	cmd.Flags().String("run-folder", ".", "Parent directory for per-row working directories")
	cmd.Flags().Int("multi-fail", 0, "Automatic resubmissions per row before giving up")
	cmd.Flags().String("interpreter", "", "Shebang line for generated launch scripts")
	cmd.Flags().Bool("update", false, "Overwrite the stored registration with the flag values")
	return cmd
}

func configFromFlags(cmd *cobra.Command, name string) runner.Config {
	maxJobs, _ := cmd.Flags().GetInt("max-jobs")
	cycleTime, _ := cmd.Flags().GetDuration("cycle-time")
	keepRun, _ := cmd.Flags().GetBool("keep-run")
	runFolder, _ := cmd.Flags().GetString("run-folder")
	multiFail, _ := cmd.Flags().GetInt("multi-fail")
	interpreter, _ := cmd.Flags().GetString("interpreter")
	return runner.Config{
		Name:        name,
		MaxJobs:     maxJobs,
		CycleTime:   cycleTime,
		KeepRun:     keepRun,
		RunFolder:   runFolder,
		MultiFail:   multiFail,
		Interpreter: interpreter,
	}
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop [name]",
		Short: "Ask a running runner to stop before its next cycle",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store := initStore(cmd)
			defer store.Close()
			if err := runner.StopRunner(store, args[0]); err != nil {
				fail("failed to stop runner: %v", err)
			}
			fmt.Printf("Stop requested for runner %q\n", args[0])
		},
	}
}

func submitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit [name]",
		Short: "Queue rows for a runner",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			name := args[0]
			store := initStore(cmd)
			defer store.Close()

			ids := selectTargets(cmd, store, name, map[string]models.Status{
				"cancelled": models.CancelStatus,
				"failed":    models.FailedStatus,
			})
			for _, id := range ids {
				if err := runner.SubmitRow(store, id, name); err != nil {
					fail("failed to submit row %d: %v", id, err)
				}
			}
			fmt.Printf("Submitted %d row(s) to %q\n", len(ids), name)
		},
	}
	cmd.Flags().String("id", "", "Row id or range a:b[:c]")
	cmd.Flags().BoolP("cancelled", "c", false, "Resubmit all rows awaiting cancel")
	cmd.Flags().BoolP("failed", "f", false, "Resubmit all failed rows")
	return cmd
}

func cancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel [name]",
		Short: "Record cancel directives on rows of a runner",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			name := args[0]
			store := initStore(cmd)
			defer store.Close()

			statuses := map[string]models.Status{
				"submitted": models.SubmitStatus,
				"running":   models.RunningStatus,
			}
			if all, _ := cmd.Flags().GetBool("all"); all {
				var ids []int64
				for _, status := range []models.Status{models.SubmitStatus, models.RunningStatus} {
					selected, err := store.SelectIDs(status, name)
					if err != nil {
						fail("failed to select rows: %v", err)
					}
					ids = append(ids, selected...)
				}
				cancelRows(store, ids)
				fmt.Printf("Cancelled %d row(s)\n", len(ids))
				return
			}
			ids := selectTargets(cmd, store, name, statuses)
			cancelRows(store, ids)
			fmt.Printf("Cancelled %d row(s)\n", len(ids))
		},
	}
	cmd.Flags().String("id", "", "Row id or range a:b[:c]")
	cmd.Flags().BoolP("all", "a", false, "Cancel all queued and running rows")
	cmd.Flags().BoolP("submitted", "s", false, "Cancel all queued rows")
	cmd.Flags().BoolP("running", "r", false, "Cancel all running rows")
	return cmd
}

func cancelRows(store storage.Store, ids []int64) {
	for _, id := range ids {
		if err := runner.CancelRow(store, id); err != nil {
			fail("failed to cancel row %d: %v", id, err)
		}
	}
}

// selectTargets resolves the row selection flags: one status-batch flag, or
// an explicit --id value.
func selectTargets(cmd *cobra.Command, store storage.Store, name string, batches map[string]models.Status) []int64 {
	for flag, status := range batches {
		set, _ := cmd.Flags().GetBool(flag)
		if !set {
			continue
		}
		ids, err := store.SelectIDs(status, name)
		if err != nil {
			fail("failed to select rows: %v", err)
		}
		return ids
	}
	arg, _ := cmd.Flags().GetString("id")
	if arg == "" {
		fail("pass --id or one of the batch selection flags")
	}
	maxID, err := store.MaxRowID()
	if err != nil {
		fail("failed to read row ids: %v", err)
	}
	ids, err := parseIDs(arg, maxID)
	if err != nil {
		fail("%v", err)
	}
	return ids
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [id|range]",
		Short: "Print row status over an id or a:b[:c] range",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store := initStore(cmd)
			defer store.Close()
			maxID, err := store.MaxRowID()
			if err != nil {
				fail("failed to read row ids: %v", err)
			}
			ids, err := parseIDs(args[0], maxID)
			if err != nil {
				fail("%v", err)
			}
			fmt.Printf("%-8s %-10s %-20s %-20s %s\n", "id", "status", "runner", "label", "run name")
			for _, id := range ids {
				row, err := store.GetRow(id)
				if errors.Is(err, storage.ErrNotFound) {
					continue
				}
				if err != nil {
					fail("failed to read row %d: %v", id, err)
				}
				status := string(row.Status)
				if status == "" {
					status = "-"
				}
				fmt.Printf("%-8d %-10s %-20s %-20s %s\n", row.ID, status, row.Runner, row.Label, row.RunName)
			}
		},
	}
}

func graphicalStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graphical-status [id]",
		Short: "Render a row's parent DAG as DOT, colored by status",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				fail("bad row id %q: %v", args[0], err)
			}
			store := initStore(cmd)
			defer store.Close()

			node, err := relay.FromStore(store, id)
			if err != nil {
				fail("failed to load graph: %v", err)
			}
			tasks, _ := cmd.Flags().GetBool("tasks")
			out := os.Stdout
			if path, _ := cmd.Flags().GetString("output"); path != "" {
				f, err := os.Create(path)
				if err != nil {
					fail("failed to create %q: %v", path, err)
				}
				defer f.Close()
				out = f
			}
			if err := node.WriteGraph(out, tasks); err != nil {
				fail("failed to render graph: %v", err)
			}
		},
	}
	cmd.Flags().Bool("tasks", false, "Include task nodes in the graph")
	cmd.Flags().StringP("output", "o", "", "Write DOT to a file instead of stdout")
	return cmd
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve row and runner status over HTTP",
		Run: func(cmd *cobra.Command, args []string) {
			port, _ := cmd.Flags().GetString("port")
			store := initStore(cmd)
			defer store.Close()
			if err := http.StartServer(port, store); err != nil {
				fail("server stopped: %v", err)
			}
		},
	}
	cmd.Flags().String("port", "8080", "Listen port")
	return cmd
}

// parseIDs expands an id argument: a bare id, or a python-style slice
// a:b[:c] with an exclusive upper bound. Empty bounds run from the first to
// past the last row.
func parseIDs(arg string, maxID int64) ([]int64, error) {
	if !strings.Contains(arg, ":") {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return nil, errors.Errorf("bad row id %q", arg)
		}
		return []int64{id}, nil
	}
	parts := strings.Split(arg, ":")
	if len(parts) > 3 {
		return nil, errors.Errorf("bad range %q, expected a:b[:c]", arg)
	}
	start, stop, step := int64(1), maxID+1, int64(1)
	bounds := []*int64{&start, &stop, &step}
	for i, part := range parts {
		if part == "" {
			continue
		}
		v, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, errors.Errorf("bad range %q, expected a:b[:c]", arg)
		}
		*bounds[i] = v
	}
	if step <= 0 {
		return nil, errors.Errorf("bad range %q, step must be positive", arg)
	}
	var ids []int64
	for id := start; id < stop; id += step {
		ids = append(ids, id)
	}
	return ids, nil
}
