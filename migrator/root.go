package migrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tigrisdata/bbm/configuration"
	"github.com/tigrisdata/bbm/log"
	"github.com/tigrisdata/bbm/migrator/bbm"
	"github.com/tigrisdata/bbm/migrator/datastore/migrations"
	_ "github.com/tigrisdata/bbm/migrator/datastore/migrations/premigrations"
	"github.com/tigrisdata/bbm/migrator/datastore/models"
	"github.com/tigrisdata/bbm/version"
)

func init() {
	RootCmd.AddCommand(MigrateCmd)
	RootCmd.AddCommand(BBMCmd)
	RootCmd.Flags().BoolVarP(&showVersion, "version", "v", false, "show the version and exit")

	MigrateCmd.AddCommand(MigrateVersionCmd)
	MigrateStatusCmd.Flags().BoolVarP(&upToDateCheck, "up-to-date", "u", false, "check if all known migrations are applied")
	MigrateCmd.AddCommand(MigrateStatusCmd)
	MigrateUpCmd.Flags().BoolVarP(&dryRun, "dry-run", "d", false, "do not commit changes to the database")
	MigrateUpCmd.Flags().VarP(nullableInt{&maxNumMigrations}, "limit", "n", "limit the number of migrations (all by default)")
	MigrateCmd.AddCommand(MigrateUpCmd)
	MigrateDownCmd.Flags().BoolVarP(&force, "force", "f", false, "no confirmation message")
	MigrateDownCmd.Flags().BoolVarP(&dryRun, "dry-run", "d", false, "do not commit changes to the database")
	MigrateDownCmd.Flags().VarP(nullableInt{&maxNumMigrations}, "limit", "n", "limit the number of migrations (all by default)")
	MigrateCmd.AddCommand(MigrateDownCmd)

	BBMCmd.AddCommand(BBMStatusCmd)
	BBMCmd.AddCommand(BBMPauseCmd)
	BBMCmd.AddCommand(BBMResumeCmd)
	BBMCmd.AddCommand(BBMRunCmd)
	BBMRunCmd.Flags().VarP(nullableInt{&maxBBMJobRetry}, "max-job-retry", "r", "Set the maximum number of job retry attempts (default 3, must be between 1 and 10)")
	BBMRunCmd.Flags().BoolVarP(&logToSTDOUT, "log-to-stdout", "l", false, "write detailed log to std instead of showing progress bars")
	BBMCmd.AddCommand(BBMFinalizeCmd)
	BBMFinalizeCmd.Flags().BoolVarP(&inline, "inline", "i", false, "execute the remaining batches in this process instead of waiting for the workers")
	BBMFinalizeCmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "give up after this duration (no limit by default)")
	BBMFinalizeCmd.Flags().DurationVarP(&pollInterval, "poll-interval", "p", 5*time.Second, "interval between two checks of the remaining batches when waiting")
	BBMFinalizeCmd.Flags().BoolVarP(&logToSTDOUT, "log-to-stdout", "l", false, "write detailed log to std instead of showing progress bars")
	BBMFinalizeCmd.PreRunE = setBoolFlagWithEnv("BBM_FINALIZE_INLINE", "inline")
	BBMCmd.AddCommand(BBMSampleCmd)
	BBMSampleCmd.Flags().DurationVarP(&sampleDuration, "duration", "d", time.Minute, "how long to execute batches for")
	BBMCmd.AddCommand(BBMDeleteCmd)
	BBMDeleteCmd.Flags().BoolVarP(&force, "force", "f", false, "no confirmation message")
	BBMCmd.AddCommand(BBMQueueCmd)
	BBMQueueCmd.Flags().StringVarP(&queueOpts.JobName, "job", "j", "", "name of the registered work function")
	BBMQueueCmd.Flags().StringVarP(&queueOpts.Table, "table", "t", "", "table to migrate, optionally schema qualified")
	BBMQueueCmd.Flags().StringSliceVarP(&queueOpts.KeyColumns, "columns", "c", nil, "key columns of a unique index of the table, in index order")
	BBMQueueCmd.Flags().StringVarP(&queueArgs, "arguments", "a", "", "JSON encoded job arguments")
	BBMQueueCmd.Flags().StringVarP(&queueOpts.Name, "name", "n", "", "name of the migration (derived from the job, table and columns by default)")
	BBMQueueCmd.Flags().IntVarP(&queueOpts.BatchSize, "batch-size", "b", 0, "number of rows per batch (configured default if unset)")
	BBMQueueCmd.Flags().IntVarP(&queueOpts.SubBatchSize, "sub-batch-size", "s", 0, "number of rows per chunk (configured default if unset)")
	BBMQueueCmd.Flags().DurationVarP(&queueOpts.JobInterval, "interval", "i", 0, "interval between two ticks of the migration (configured default if unset)")
	BBMQueueCmd.Flags().BoolVarP(&queueOpts.TrackJobs, "track-jobs", "", false, "record every batch status transition")
	BBMQueueCmd.Flags().BoolVarP(&queueOpts.ChunkCommits, "chunk-commits", "", false, "commit every chunk of a batch on its own")
	BBMQueueCmd.Flags().IntVarP(&queueOpts.PlanAhead, "plan-ahead", "", 0, "number of batches planned at a time (all when queueing by default)")
	BBMCmd.AddCommand(BBMWorkerCmd)

	RootCmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		return fmt.Errorf("%w\n\n%s", err, c.UsageString())
	})

	viper.AutomaticEnv()
}

// Command flag vars
var (
	dryRun           bool
	force            bool
	inline           bool
	logToSTDOUT      bool
	maxBBMJobRetry   *int
	maxNumMigrations *int
	pollInterval     time.Duration
	queueArgs        string
	queueOpts        bbm.QueueOptions
	sampleDuration   time.Duration
	showVersion      bool
	timeout          time.Duration
	upToDateCheck    bool
)

var extraWork []bbm.Work

// RegisterWork adds work functions to the ones every command of the binary knows about. It must be called before
// RootCmd is executed.
func RegisterWork(work ...bbm.Work) {
	extraWork = append(extraWork, work...)
}

func workMap() (bbm.WorkMap, error) {
	return bbm.NewWorkMap(append(bbm.AllWork(), extraWork...))
}

// nullableInt implements spf13/pflag#Value as a custom nullable integer to capture spf13/cobra command flags.
// https://pkg.go.dev/github.com/spf13/pflag?tab=doc#Value
type nullableInt struct {
	ptr **int
}

func (f nullableInt) String() string {
	if *f.ptr == nil {
		return "0"
	}
	return strconv.Itoa(**f.ptr)
}

func (nullableInt) Type() string {
	return "int"
}

func (f nullableInt) Set(s string) error {
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	*f.ptr = &v
	return nil
}

// setBoolFlagWithEnv binds a boolean flag to an environment variable and overrides the flag if the env var is set.
// It returns an error if the binding or setting fails.
func setBoolFlagWithEnv(envVarKey, flagName string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		if err := viper.BindPFlag(envVarKey, cmd.Flags().Lookup(flagName)); err != nil {
			return fmt.Errorf("error binding env var %q to flag %q: %w", envVarKey, flagName, err)
		}

		if !cmd.Flags().Changed(flagName) {
			if viper.IsSet(envVarKey) {
				value := viper.GetBool(envVarKey)
				if err := cmd.Flags().Set(flagName, strconv.FormatBool(value)); err != nil {
					return fmt.Errorf("error setting flag %q from env var %q: %w", flagName, envVarKey, err)
				}
			}
		}
		return nil
	}
}

// RootCmd is the main command for the 'bbm' binary.
var RootCmd = &cobra.Command{
	Use:           "bbm",
	Short:         "`bbm` runs batched background migrations",
	Long:          "`bbm` runs batched background migrations",
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if showVersion {
			version.PrintVersion()
			return nil
		}
		return cmd.Usage()
	},
}

// MigrateCmd is the `migrate` command that manages the schema of the background migration tables.
var MigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage schema migrations",
	Long:  "Manage the schema migrations of the background migration tables",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Usage()
	},
}

var MigrateUpCmd = &cobra.Command{
	Use:   "up <config>",
	Short: "Apply up migrations",
	Long:  "Apply up migrations",
	RunE: func(_ *cobra.Command, args []string) error {
		n, err := migrationLimit()
		if err != nil {
			return err
		}

		config, err := resolveConfiguration(args)
		if err != nil {
			return fmt.Errorf("configuration error: %w", err)
		}

		db, err := migrationDBFromConfig(config)
		if err != nil {
			return fmt.Errorf("failed to construct database connection: %w", err)
		}
		defer db.Close()

		m := migrations.NewMigrator(db.DB)
		plan, err := m.UpNPlan(n)
		if err != nil {
			return fmt.Errorf("failed to prepare Up plan: %w", err)
		}
		if len(plan) > 0 {
			fmt.Println(strings.Join(plan, "\n"))
		}

		if !dryRun {
			start := time.Now()
			applied, err := m.UpN(n)
			if err != nil {
				return fmt.Errorf("failed to run database migrations: %w", err)
			}
			fmt.Printf("OK: applied %d migration(s) in %.3fs\n", applied, time.Since(start).Seconds())
		}
		return nil
	},
}

var MigrateDownCmd = &cobra.Command{
	Use:   "down <config>",
	Short: "Apply down migrations",
	Long:  "Apply down migrations",
	RunE: func(_ *cobra.Command, args []string) error {
		n, err := migrationLimit()
		if err != nil {
			return err
		}

		config, err := resolveConfiguration(args)
		if err != nil {
			return fmt.Errorf("configuration error: %w", err)
		}

		db, err := migrationDBFromConfig(config)
		if err != nil {
			return fmt.Errorf("failed to construct database connection: %w", err)
		}
		defer db.Close()

		m := migrations.NewMigrator(db.DB)
		plan, err := m.DownNPlan(n)
		if err != nil {
			return fmt.Errorf("failed to prepare Down plan: %w", err)
		}
		if len(plan) == 0 {
			return nil
		}
		fmt.Println(strings.Join(plan, "\n"))

		if dryRun {
			return nil
		}
		if !force {
			ok, err := confirm(os.Stdin, "Preparing to apply the above down migrations. Are you sure? [y/N] ")
			if err != nil || !ok {
				return err
			}
		}

		start := time.Now()
		reverted, err := m.DownN(n)
		if err != nil {
			return fmt.Errorf("failed to run database migrations: %w", err)
		}
		fmt.Printf("OK: applied %d down migration(s) in %.3fs\n", reverted, time.Since(start).Seconds())
		return nil
	},
}

// MigrateVersionCmd is the `version` sub-command of `migrate` that shows the current migration version.
var MigrateVersionCmd = &cobra.Command{
	Use:   "version <config>",
	Short: "Show current migration version",
	Long:  "Show current migration version",
	RunE: func(_ *cobra.Command, args []string) error {
		config, err := resolveConfiguration(args)
		if err != nil {
			return fmt.Errorf("configuration error: %w", err)
		}

		db, err := migrationDBFromConfig(config)
		if err != nil {
			return fmt.Errorf("failed to construct database connection: %w", err)
		}
		defer db.Close()

		v, err := migrations.NewMigrator(db.DB).Version()
		if err != nil {
			return fmt.Errorf("failed to detect database version: %w", err)
		}
		if v == "" {
			v = "Unknown"
		}
		fmt.Println(v)
		return nil
	},
}

// MigrateStatusCmd is the `status` sub-command of `migrate` that shows the migrations status.
var MigrateStatusCmd = &cobra.Command{
	Use:   "status <config>",
	Short: "Show migration status",
	Long:  "Show migration status",
	RunE: func(_ *cobra.Command, args []string) error {
		config, err := resolveConfiguration(args)
		if err != nil {
			return fmt.Errorf("configuration error: %w", err)
		}

		db, err := migrationDBFromConfig(config)
		if err != nil {
			return fmt.Errorf("failed to construct database connection: %w", err)
		}
		defer db.Close()

		statuses, err := migrations.NewMigrator(db.DB).Status()
		if err != nil {
			return fmt.Errorf("failed to detect database status: %w", err)
		}

		if upToDateCheck {
			upToDate := true
			for _, s := range statuses {
				if s.AppliedAt == nil {
					upToDate = false
					break
				}
			}
			fmt.Println(upToDate)
			return nil
		}

		return renderMigrationStatus(os.Stdout, statuses)
	},
}

func migrationLimit() (int, error) {
	if maxNumMigrations == nil {
		return 0, nil
	}
	if *maxNumMigrations < 1 {
		return 0, errors.New("limit must be greater than or equal to 1")
	}
	return *maxNumMigrations, nil
}

func renderMigrationStatus(w io.Writer, statuses map[string]*migrations.MigrationStatus) error {
	table := tablewriter.NewWriter(w)
	table.Header([]string{"Migration", "Applied"})

	// rows sorted by migration ID
	ids := make([]string, 0, len(statuses))
	for id := range statuses {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		name := id
		if statuses[id].Unknown {
			name += " (unknown)"
		}

		var appliedAt string
		if statuses[id].AppliedAt != nil {
			appliedAt = statuses[id].AppliedAt.String()
		}

		if err := table.Append([]string{name, appliedAt}); err != nil {
			return fmt.Errorf("appending table: %w", err)
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("rendering table: %w", err)
	}
	return nil
}

func confirm(in io.Reader, prompt string) (bool, error) {
	var response string
	fmt.Print(prompt)
	if _, err := fmt.Fscanln(in, &response); err != nil && errors.Is(err, io.EOF) {
		return false, fmt.Errorf("failed to scan user input: %w", err)
	}
	return regexp.MustCompile(`(?i)^y(es)?$`).MatchString(response), nil
}

// BBMCmd is the cobra command that corresponds to the background-migrate subcommand
var BBMCmd = &cobra.Command{
	Use:   "background-migrate <config> {status|pause|resume|run|finalize|sample|delete|queue|worker}",
	Short: "Manage batched background migrations",
	Long:  "Manage batched background migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Usage()
	},
}

// withApp resolves the configuration in args, builds an App and passes it to fn. The app is closed once fn returns.
func withApp(args []string, fn func(ctx context.Context, app *App) error) error {
	config, err := resolveConfiguration(args)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx, err = configureLogging(ctx, config)
	if err != nil {
		return fmt.Errorf("unable to configure logging with config: %w", err)
	}
	if err := configureReporting(config); err != nil {
		return err
	}

	work, err := workMap()
	if err != nil {
		return err
	}

	app, err := NewApp(ctx, config, work)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			log.GetLogger(ctx).WithError(err).Warn("failed to release resources")
		}
	}()

	return fn(ctx, app)
}

// splitNameArg splits the positional arguments of commands taking a migration name after the optional config path.
func splitNameArg(args []string) (configArgs []string, name string) {
	return args[:len(args)-1], args[len(args)-1]
}

// BBMStatusCmd is the `status` sub-command of `background-migrate` that shows the batched background migrations status.
var BBMStatusCmd = &cobra.Command{
	Use:   "status <config>",
	Short: "Show the current status of all batched background migrations",
	Long:  "Show the current status of all batched background migrations.",
	RunE: func(_ *cobra.Command, args []string) error {
		return withApp(args, func(ctx context.Context, app *App) error {
			statuses, err := app.Manager().Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to fetch background migrations: %w", err)
			}
			return renderStatus(os.Stdout, statuses)
		})
	},
}

func renderStatus(w io.Writer, statuses []*bbm.MigrationStatus) error {
	table := tablewriter.NewWriter(w)
	table.Header([]string{"Batched Background Migration", "Status", "Table", "Progress", "Pending", "Running", "Succeeded", "Failed", "Error"})

	for _, s := range statuses {
		progress := fmt.Sprintf("%.1f%%", s.Progress)
		if s.Capped {
			progress += " (capped)"
		}
		row := []string{
			s.Migration.Name,
			s.Migration.Status.String(),
			s.Migration.TableName,
			progress,
			strconv.Itoa(s.Jobs[models.JobPending]),
			strconv.Itoa(s.Jobs[models.JobRunning]),
			strconv.Itoa(s.Jobs[models.JobSucceeded]),
			strconv.Itoa(s.Jobs[models.JobFailed]),
			s.Migration.ErrorCode.String(),
		}
		if err := table.Append(row); err != nil {
			return fmt.Errorf("appending table: %w", err)
		}
	}

	if err := table.Render(); err != nil {
		return fmt.Errorf("rendering table: %w", err)
	}
	return nil
}

// BBMPauseCmd is the `pause` sub-command of `background-migrate` that pauses all active batched background migrations.
var BBMPauseCmd = &cobra.Command{
	Use:   "pause <config>",
	Short: "Pause all active batched background migrations",
	Long:  "Pause all active batched background migrations",
	RunE: func(_ *cobra.Command, args []string) error {
		return withApp(args, func(ctx context.Context, app *App) error {
			n, err := app.Manager().Pause(ctx)
			if err != nil {
				return fmt.Errorf("failed to pause background migrations: %w", err)
			}
			fmt.Printf("OK: paused %d background migration(s)\n", n)
			return nil
		})
	},
}

// BBMResumeCmd is the `resume` sub-command of `background-migrate` that resumes all previously paused batched background migrations.
var BBMResumeCmd = &cobra.Command{
	Use:   "resume <config>",
	Short: "Resume all paused batched background migrations",
	Long:  "Resume all paused batched background migrations",
	RunE: func(_ *cobra.Command, args []string) error {
		return withApp(args, func(ctx context.Context, app *App) error {
			n, err := app.Manager().Resume(ctx)
			if err != nil {
				return fmt.Errorf("failed to resume background migrations: %w", err)
			}
			fmt.Printf("OK: resumed %d background migration(s)\n", n)
			return nil
		})
	},
}

// BBMRunCmd is the `run` sub-command of `background-migrate` that runs all unfinished background migrations inline.
var BBMRunCmd = &cobra.Command{
	Use:   "run <config> [--max-job-retry <n>]",
	Short: "Run all unfinished batched background migrations",
	Long:  "Run all unfinished batched background migrations in this process, in queue order",
	RunE: func(_ *cobra.Command, args []string) error {
		var attempts int
		if maxBBMJobRetry != nil {
			if *maxBBMJobRetry < 1 || *maxBBMJobRetry > 10 {
				return errors.New("limit must be greater than 0 and less than 10")
			}
			attempts = *maxBBMJobRetry
		}

		return withApp(args, func(ctx context.Context, app *App) error {
			m := app.Manager()

			// paused migrations are not active and would be skipped
			if _, err := m.Resume(ctx); err != nil {
				return fmt.Errorf("failed to resume background migrations: %w", err)
			}

			bar := newProgressBar("running background migrations")
			defer finishProgressBar(bar)

			err := m.RunAll(ctx, bbm.FinalizeOptions{MaxAttempts: attempts, Progress: progressFunc(bar)})
			if err != nil {
				return fmt.Errorf("running background migrations failed: %w", err)
			}
			return nil
		})
	},
}

// BBMFinalizeCmd is the `finalize` sub-command of `background-migrate` that brings a migration to completion.
var BBMFinalizeCmd = &cobra.Command{
	Use:   "finalize <config> <name> [--inline]",
	Short: "Finalize a batched background migration",
	Long: "Finalize a batched background migration, either by waiting for the workers to complete it or by executing " +
		"its remaining batches inline.",
	Args: cobra.RangeArgs(1, 2),
	RunE: func(_ *cobra.Command, args []string) error {
		configArgs, name := splitNameArg(args)
		return withApp(configArgs, func(ctx context.Context, app *App) error {
			bar := newProgressBar("finalizing " + name)
			defer finishProgressBar(bar)

			err := app.Manager().Finalize(ctx, name, bbm.FinalizeOptions{
				Inline:       inline,
				PollInterval: pollInterval,
				Timeout:      timeout,
				Progress:     progressFunc(bar),
			})
			if err != nil {
				return fmt.Errorf("failed to finalize background migration %q: %w", name, err)
			}
			return nil
		})
	},
}

// BBMSampleCmd is the `sample` sub-command of `background-migrate` that executes batches of a migration for a while
// to observe their behavior.
var BBMSampleCmd = &cobra.Command{
	Use:   "sample <config> <name> [--duration <d>]",
	Short: "Execute the batches of a batched background migration for a limited time",
	Long:  "Execute the batches of a batched background migration inline for a limited time, leaving its status unchanged",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(_ *cobra.Command, args []string) error {
		if sampleDuration <= 0 {
			return errors.New("duration must be positive")
		}
		configArgs, name := splitNameArg(args)
		return withApp(configArgs, func(ctx context.Context, app *App) error {
			n, err := app.Manager().Sample(ctx, name, sampleDuration)
			if err != nil {
				return fmt.Errorf("failed to sample background migration %q: %w", name, err)
			}
			fmt.Printf("OK: executed %d batch(es) in %s\n", n, sampleDuration)
			return nil
		})
	},
}

// BBMDeleteCmd is the `delete` sub-command of `background-migrate` that deletes a migration and its batches.
var BBMDeleteCmd = &cobra.Command{
	Use:   "delete <config> <name>",
	Short: "Delete a batched background migration",
	Long:  "Delete a batched background migration and all its batches",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(_ *cobra.Command, args []string) error {
		configArgs, name := splitNameArg(args)
		if !force {
			ok, err := confirm(os.Stdin, fmt.Sprintf("Preparing to delete background migration %q. Are you sure? [y/N] ", name))
			if err != nil || !ok {
				return err
			}
		}
		return withApp(configArgs, func(ctx context.Context, app *App) error {
			deleted, err := app.Manager().DeleteByName(ctx, name)
			if err != nil {
				return fmt.Errorf("failed to delete background migration %q: %w", name, err)
			}
			if !deleted {
				fmt.Printf("background migration %q not found\n", name)
				return nil
			}
			fmt.Printf("OK: deleted background migration %q\n", name)
			return nil
		})
	},
}

// BBMQueueCmd is the `queue` sub-command of `background-migrate` that queues a migration.
var BBMQueueCmd = &cobra.Command{
	Use:   "queue <config> --job <name> --table <table> --columns <columns>",
	Short: "Queue a batched background migration",
	Long:  "Queue a batched background migration. Queueing a migration identical to an existing one is a noop.",
	RunE: func(_ *cobra.Command, args []string) error {
		opts := queueOpts
		if queueArgs != "" {
			opts.JobArguments = models.Payload(queueArgs)
		}
		return withApp(args, func(ctx context.Context, app *App) error {
			bm, err := app.Manager().Queue(ctx, opts)
			if err != nil {
				return fmt.Errorf("failed to queue background migration: %w", err)
			}
			fmt.Printf("OK: background migration %q is %s\n", bm.Name, bm.Status)
			return nil
		})
	},
}

// BBMWorkerCmd is the `worker` sub-command of `background-migrate` that runs the scheduler until interrupted.
var BBMWorkerCmd = &cobra.Command{
	Use:   "worker <config>",
	Short: "Run the batched background migration worker",
	Long:  "Run the batched background migration worker until interrupted. Metrics and health are served on the debug address.",
	RunE: func(_ *cobra.Command, args []string) error {
		return withApp(args, func(ctx context.Context, app *App) error {
			if !app.Config.Database.BackgroundMigrations.Enabled {
				return errors.New("background migrations are disabled, set database.backgroundmigrations.enabled to run the worker")
			}

			pending, err := migrations.NewMigrator(app.DB().DB).HasPending()
			if err != nil {
				return fmt.Errorf("failed to check database migrations status: %w", err)
			}
			if pending {
				return errors.New("there are pending database migrations, use the 'bbm migrate' CLI command to check and apply them")
			}

			serveDebug(ctx, app.Config, newDebugRouter(app.Config, app.gate, app.dbStatus, app.Config.Log.Output.Descriptor()))

			done, err := app.Worker().ListenForBackgroundMigration(ctx, nil)
			if err != nil {
				return fmt.Errorf("failed to start background migration worker: %w", err)
			}
			<-done
			return nil
		})
	},
}

var commonBarOptions = []progressbar.Option{
	progressbar.OptionSetElapsedTime(true),
	progressbar.OptionShowCount(),
	progressbar.OptionSetPredictTime(false),
	progressbar.OptionShowElapsedTimeOnFinish(),
	progressbar.OptionShowDescriptionAtLineEnd(),
	progressbar.OptionSetItsString("batches"),
	progressbar.OptionSetTheme(progressbar.Theme{
		Saucer:        "=",
		SaucerHead:    ">",
		SaucerPadding: " ",
		BarStart:      "[",
		BarEnd:        "]",
	}),
}

func newProgressBar(description string) *progressbar.ProgressBar {
	opts := make([]progressbar.Option, len(commonBarOptions), len(commonBarOptions)+2)
	copy(opts, commonBarOptions)
	opts = append(opts,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetVisibility(!logToSTDOUT),
	)
	return progressbar.NewOptions(0, opts...)
}

func finishProgressBar(bar *progressbar.ProgressBar) {
	_ = bar.Finish()
	_ = bar.Close()
}

// progressFunc reports finalization progress on bar. The total changes when a new migration starts.
func progressFunc(bar *progressbar.ProgressBar) func(done, total int) {
	return func(done, total int) {
		if int64(total) != bar.GetMax64() {
			bar.ChangeMax(total)
		}
		_ = bar.Set(done)
	}
}

func resolveConfiguration(args []string) (*configuration.Configuration, error) {
	var configurationPath string

	if len(args) > 0 {
		configurationPath = args[0]
	} else if os.Getenv("BBM_CONFIGURATION_PATH") != "" {
		configurationPath = os.Getenv("BBM_CONFIGURATION_PATH")
	}

	if configurationPath == "" {
		return nil, fmt.Errorf("configuration path unspecified")
	}

	// nolint: gosec
	fp, err := os.Open(configurationPath)
	if err != nil {
		return nil, err
	}
	defer fp.Close()

	config, err := configuration.Parse(fp)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", configurationPath, err)
	}

	if err := validate(config); err != nil {
		return nil, fmt.Errorf("validation: %w", err)
	}

	return config, nil
}
