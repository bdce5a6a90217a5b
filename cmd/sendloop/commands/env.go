package commands

import (
	"database/sql"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/sendloop/sendloop/clock"
	"github.com/sendloop/sendloop/config"
	"github.com/sendloop/sendloop/db"
	"github.com/sendloop/sendloop/errors"
	"github.com/sendloop/sendloop/executor"
	"github.com/sendloop/sendloop/health"
	"github.com/sendloop/sendloop/internal/httpclient"
	"github.com/sendloop/sendloop/jobs"
	"github.com/sendloop/sendloop/logger"
	"github.com/sendloop/sendloop/runner"
	"github.com/sendloop/sendloop/scheduler"
	"github.com/sendloop/sendloop/trigger"
	"github.com/sendloop/sendloop/workflow"
)

// env is what every command that touches the database needs.
type env struct {
	cfg       *config.Config
	viper     *viper.Viper
	conn      *sql.DB
	dialect   db.Dialect
	clock     clock.Clock
	tz        *clock.Service
	jobs      *jobs.Store
	workflows *workflow.Store
	log       *zap.SugaredLogger
}

// loadConfig reads --config when given, otherwise the nearest sendloop.toml,
// and initializes the global logger from it and the -v count.
func loadConfig(cmd *cobra.Command) (*config.Config, *viper.Viper, error) {
	path, _ := cmd.Flags().GetString("config")

	var (
		cfg *config.Config
		v   *viper.Viper
		err error
	)
	if path != "" {
		cfg, v, err = config.LoadFromFile(path)
	} else {
		cfg, v, err = config.Load()
	}
	if err != nil {
		return nil, nil, err
	}

	if err := logger.Initialize(cfg.Log.JSON, cfg.Log.Level); err != nil {
		return nil, nil, errors.Wrap(err, "failed to initialize logger")
	}
	verbosity, _ := cmd.Flags().GetCount("verbose")
	if lvl, ok := logger.VerbosityToLevel(verbosity); ok {
		logger.SetZapLevel(lvl)
	}
	return cfg, v, nil
}

// openEnv loads configuration and opens the migrated database.
func openEnv(cmd *cobra.Command) (*env, error) {
	cfg, v, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	log := logger.Logger

	conn, dialect, err := db.OpenWithMigrations(cfg.Database.Driver, cfg.Database.DSN, log)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	loc, err := time.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "unknown timezone %s", cfg.Scheduler.Timezone)
	}
	clk := clock.System{}

	return &env{
		cfg:       cfg,
		viper:     v,
		conn:      conn,
		dialect:   dialect,
		clock:     clk,
		tz:        clock.NewServiceIn(loc, clk),
		jobs:      jobs.NewStore(conn, dialect),
		workflows: workflow.NewStore(conn, dialect),
		log:       log,
	}, nil
}

// Close releases the database and flushes the logger.
func (e *env) Close() {
	if err := e.conn.Close(); err != nil {
		e.log.Warnw("Failed to close database", "error", err)
	}
	logger.Cleanup()
}

func (e *env) registrar() *scheduler.Registrar {
	return scheduler.NewRegistrar(e.jobs, e.workflows, e.tz, e.cfg.Scheduler.DefaultMaxRetries, logger.ComponentLogger("registrar"))
}

func (e *env) monitor() *health.Monitor {
	return health.NewMonitor(e.conn, e.dialect, e.clock, e.cfg.Health.StalenessWindow(), logger.ComponentLogger("health"))
}

// runner returns the HTTP runner for runner.url, or a dry-run runner that
// only logs when dryRun is set.
func (e *env) runner(dryRun bool) (executor.Runner, error) {
	if dryRun {
		return runner.NewDryRun(logger.ComponentLogger("runner")), nil
	}
	if e.cfg.Runner.URL == "" {
		return nil, errors.WithHint(errors.New("runner.url is not set"),
			"set SENDLOOP_RUNNER_URL or pass --dry-run")
	}
	return runner.NewHTTP(e.cfg.Runner.URL, e.cfg.Runner.Token, httpclient.Options{
		Timeout:      e.cfg.Runner.RunnerTimeout(),
		AllowPrivate: e.cfg.Runner.AllowPrivate,
	}, logger.ComponentLogger("runner"))
}

// executor wires an executor that reschedules recurring workflows through
// reg after each terminal outcome.
func (e *env) executor(run executor.Runner, reg *scheduler.Registrar) *executor.Executor {
	s := e.cfg.Scheduler
	exec := executor.New(e.jobs, run, e.clock, executor.Options{
		BatchSize:   s.BatchSize,
		Concurrency: s.Concurrency,
		BackoffBase: s.BackoffBase(),
		BackoffMax:  s.BackoffMax(),
		StuckAfter:  s.StuckAfter(),
	}, logger.ComponentLogger("executor"))
	exec.SetRescheduler(reg)
	return exec
}

// pollTrigger wires the full poll path: executor plus health signal.
func (e *env) pollTrigger(dryRun bool) (*trigger.PollTrigger, *executor.Executor, error) {
	run, err := e.runner(dryRun)
	if err != nil {
		return nil, nil, err
	}
	exec := e.executor(run, e.registrar())
	return trigger.NewPollTrigger(exec, e.monitor(), e.clock, logger.ComponentLogger("poll")), exec, nil
}
