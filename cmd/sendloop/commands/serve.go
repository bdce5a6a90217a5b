package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sendloop/sendloop/config"
	"github.com/sendloop/sendloop/errors"
	"github.com/sendloop/sendloop/health"
	"github.com/sendloop/sendloop/jobs"
	"github.com/sendloop/sendloop/logger"
	"github.com/sendloop/sendloop/server"
	"github.com/sendloop/sendloop/trigger"
)

// CallerInternalCron identifies polls driven by serve's own schedule.
const CallerInternalCron = "sendloop-internal-cron"

// ServeCmd runs the HTTP API.
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "Run the scheduler HTTP API",
	Long: `Run the scheduler HTTP API.

Polling is normally driven by an external cron calling /scheduler/poll.
Set scheduler.poll_schedule (for example "@every 1m") to poll from inside
this process instead. Signals and finished jobs older than
health.retention_days are purged daily.

Examples:
  sendloop serve                      # Production, all secrets required
  sendloop serve --insecure --dry-run # Local development`,
	RunE: runServe,
}

var (
	serveInsecure bool
	serveDryRun   bool
)

func init() {
	ServeCmd.Flags().BoolVar(&serveInsecure, "insecure", false, "Allow unset tokens and webhook secret (development only)")
	ServeCmd.Flags().BoolVar(&serveDryRun, "dry-run", false, "Log executions instead of calling the execution service")
}

func runServe(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	if !serveInsecure {
		if err := e.cfg.RequireSecrets(); err != nil {
			return err
		}
	} else {
		pterm.Warning.Println("Running with --insecure: endpoints without a configured token are open")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	run, err := e.runner(serveDryRun)
	if err != nil {
		return err
	}
	reg := e.registrar()
	exec := e.executor(run, reg)
	monitor := e.monitor()
	poll := trigger.NewPollTrigger(exec, monitor, e.clock, logger.ComponentLogger("poll"))

	guard, err := deliveryGuard(ctx, e)
	if err != nil {
		return err
	}
	webhook := trigger.NewWebhookTrigger(e.workflows, reg, exec, trigger.WebhookOptions{
		Secret:       e.cfg.Auth.WebhookSecret,
		MaxPerMinute: e.cfg.Webhook.MaxPerMinute,
		Guard:        guard,
		DeliveryTTL:  e.cfg.Webhook.DeliveryTTL(),
	}, logger.ComponentLogger("webhook"))

	srv := server.New(server.Deps{
		Jobs:      e.jobs,
		Registrar: reg,
		Cleaner:   exec,
		Poller:    poll,
		Manual:    trigger.NewManualTrigger(e.workflows, reg, exec, logger.ComponentLogger("manual")),
		Webhook:   webhook,
		Health:    monitor,
		Clock:     e.clock,
	}, server.Options{
		PollToken:      e.cfg.Auth.PollToken,
		AdminToken:     e.cfg.Auth.AdminToken,
		AllowedOrigins: e.cfg.Server.AllowedOrigins,
		Insecure:       serveInsecure,
	}, logger.ComponentLogger("server"))
	exec.SetBroadcaster(srv.Hub())

	// Reconcile once so recurring workflows have their next occurrence
	// before the first poll arrives
	if sum, err := reg.ReconcileAll(ctx); err != nil {
		e.log.Warnw("Startup registration failed", "error", err)
	} else {
		e.log.Infow("Startup registration",
			"created", sum.Created, "replaced", sum.Replaced, "skipped", sum.Skipped, "failed", sum.Failed)
	}

	c := cron.New(cron.WithLocation(e.tz.Location()))
	if err := scheduleMaintenance(ctx, c, e, monitor, poll); err != nil {
		return err
	}
	c.Start()
	defer func() { <-c.Stop().Done() }()

	config.Watch(e.viper, e.log, func(cfg *config.Config) {
		monitor.SetStalenessWindow(cfg.Health.StalenessWindow())
		if err := logger.SetLevel(cfg.Log.Level); err != nil {
			e.log.Warnw("Ignoring invalid log level", "level", cfg.Log.Level, "error", err)
		}
	})

	addr := fmt.Sprintf(":%d", e.cfg.Server.Port)
	pterm.Info.Printf("sendloop listening on %s (timezone %s)\n", addr, e.tz.Location())
	if err := srv.ListenAndServe(ctx, addr); err != nil {
		return errors.Wrap(err, "server stopped")
	}
	return nil
}

// deliveryGuard uses Redis when redis.addr is set so that dedup holds
// across replicas; otherwise deliveries are remembered in memory.
func deliveryGuard(ctx context.Context, e *env) (trigger.DeliveryGuard, error) {
	if e.cfg.Redis.Addr == "" {
		return trigger.NewMemoryGuard(e.clock), nil
	}
	client, err := trigger.NewRedisClient(ctx, e.cfg.Redis.Addr, e.cfg.Redis.Password, e.cfg.Redis.DB)
	if err != nil {
		return nil, errors.WithHint(err, "unset redis.addr to deduplicate webhook deliveries in memory")
	}
	e.log.Infow("Webhook delivery dedup backed by Redis", "addr", e.cfg.Redis.Addr)
	return trigger.NewRedisGuard(client, "sendloop:delivery:"), nil
}

// scheduleMaintenance registers the optional in-process poll and the daily
// retention purge.
func scheduleMaintenance(ctx context.Context, c *cron.Cron, e *env, monitor *health.Monitor, poll *trigger.PollTrigger) error {
	if expr := e.cfg.Scheduler.PollSchedule; expr != "" {
		_, err := c.AddFunc(expr, func() {
			if _, err := poll.Run(ctx, CallerInternalCron); err != nil {
				e.log.Errorw("Scheduled poll failed", "error", err)
			}
		})
		if err != nil {
			return errors.Wrapf(err, "invalid scheduler.poll_schedule %q", expr)
		}
		e.log.Infow("In-process polling enabled", "schedule", expr)
	}

	_, err := c.AddFunc("@daily", func() {
		purge(ctx, e.log, monitor, e.jobs, e.clock.Now().Add(-e.cfg.Health.Retention()))
	})
	return errors.Wrap(err, "schedule retention purge")
}

func purge(ctx context.Context, log *zap.SugaredLogger, monitor *health.Monitor, store *jobs.Store, cutoff time.Time) {
	signals, err := monitor.Prune(ctx, cutoff)
	if err != nil {
		log.Warnw("Failed to prune poll signals", "error", err)
	}
	finished, err := store.PurgeFinished(ctx, cutoff)
	if err != nil {
		log.Warnw("Failed to purge finished jobs", "error", err)
	}
	log.Infow("Retention purge", "signals", signals, "jobs", finished, "cutoff", cutoff)
}
