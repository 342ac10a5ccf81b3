package cli

import (
	"context"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/davarch/approval-gate/internal/application"
	"github.com/davarch/approval-gate/internal/domain"
	"github.com/davarch/approval-gate/internal/infrastructure/approvers"
	"github.com/davarch/approval-gate/internal/infrastructure/config"
	"github.com/davarch/approval-gate/internal/infrastructure/deploy_exec"
	"github.com/davarch/approval-gate/internal/infrastructure/github_http"
	"github.com/davarch/approval-gate/internal/infrastructure/history_fs"
	"github.com/davarch/approval-gate/internal/infrastructure/http_api"
	"github.com/davarch/approval-gate/internal/infrastructure/logging"
	"github.com/davarch/approval-gate/internal/infrastructure/metrics"
	"github.com/davarch/approval-gate/internal/infrastructure/params_fs"
	"github.com/davarch/approval-gate/internal/infrastructure/slack_http"
	"github.com/davarch/approval-gate/internal/infrastructure/store_memory"
	"github.com/davarch/approval-gate/internal/infrastructure/store_sqlite"
	"github.com/davarch/approval-gate/internal/infrastructure/tracing"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gate: callback endpoint, orchestrator and expiry sweeper",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		log := logging.New()
		defer func() { _ = log.Sync() }()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			log.Fatal("config", zap.Error(err))
		}
		if err := cfg.Validate(); err != nil {
			log.Fatal("config", zap.Error(err))
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		params, err := params_fs.Open(cfg.Params.Path)
		if err != nil {
			log.Fatal("params", zap.Error(err))
		}
		for _, v := range []*string{
			&cfg.Slack.Token, &cfg.Slack.Channel, &cfg.Slack.SigningSecret, &cfg.Slack.SharedToken,
			&cfg.Source.Token, &cfg.Server.APIToken,
		} {
			if *v, err = params.Resolve(ctx, *v); err != nil {
				log.Fatal("params", zap.Error(err))
			}
		}

		if cfg.Tracing.Enabled {
			shutdown, err := tracing.Init("approval-gate", version, cfg.Tracing.Output)
			if err != nil {
				log.Fatal("tracing", zap.Error(err))
			}
			defer func() {
				sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer scancel()
				_ = shutdown(sctx)
			}()
		}

		var (
			registry   domain.ApprovalRegistry
			executions domain.ExecutionStore
			health     func(context.Context) error
		)
		switch cfg.Storage.Driver {
		case "sqlite":
			db, err := store_sqlite.Open(ctx, cfg.Storage.DSN, 0)
			if err != nil {
				log.Fatal("storage", zap.Error(err))
			}
			defer func() { _ = db.Close() }()
			registry, executions, health = store_sqlite.NewRegistry(db), store_sqlite.NewExecutions(db), db.Ping
		default:
			log.Warn("memory storage: approvals will not survive a restart")
			registry, executions = store_memory.NewRegistry(), store_memory.NewExecutions()
		}

		rec := metrics.New()
		notifier := slack_http.New(cfg.Slack.APIURL, cfg.Slack.Token, cfg.Slack.Channel, cfg.Slack.Timeout)
		approverSet := approvers.New(cfg.Approval.Approvers)

		deps := application.Deps{
			Executions: executions,
			Registry:   registry,
			Notifier:   notifier,
			Deployer: deploy_exec.New(cfg.Deploy.Command, cfg.Deploy.Args, cfg.Deploy.Dir,
				cfg.Deploy.Env, cfg.Deploy.Timeout, cfg.Stage),
			Metrics: rec,
		}
		if cfg.Source.Verify {
			deps.Source = github_http.New(cfg.Source.BaseURL, cfg.Source.Token, cfg.Source.Timeout)
		}
		if cfg.History.Dir != "" {
			deps.History = history_fs.New(cfg.History.Dir)
		}

		orch := application.NewOrchestrator(log, deps, application.Options{
			Pipeline:        cfg.Pipeline.Name,
			Owner:           cfg.Pipeline.Owner,
			Repo:            cfg.Pipeline.Repo,
			Branch:          cfg.Pipeline.Branch,
			ApprovalTimeout: cfg.Approval.Timeout,
			NotifyRetry: application.RetryPolicy{
				InitialInterval: cfg.Notify.InitialInterval,
				MaxInterval:     cfg.Notify.MaxInterval,
				MaxElapsedTime:  cfg.Notify.MaxElapsed,
				MaxRetries:      cfg.Notify.MaxRetries,
			},
		})
		callbacks := application.NewCallbackHandler(log, registry, approverSet, notifier, orch.Bus(), rec)
		sweeper := application.NewSweeper(log, registry, orch, cfg.Approval.SweepInterval)

		server := http_api.New(log, http_api.Deps{
			Orchestrator: orch,
			Callbacks:    callbacks,
			Registry:     registry,
			Executions:   executions,
			Verifier: slack_http.Verifier{
				SigningSecret: cfg.Slack.SigningSecret,
				SharedToken:   cfg.Slack.SharedToken,
			},
			Metrics: rec,
			Health:  health,
		}, http_api.Options{
			Addr:         cfg.Server.Addr,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			APIToken:     cfg.Server.APIToken,
		})
		if cfg.Server.APIToken == "" {
			log.Warn("server.api_token is empty: operator routes are unauthenticated")
		}

		go orch.Run(ctx)
		if err := orch.Recover(ctx); err != nil {
			log.Error("recover", zap.Error(err))
		}
		go sweeper.Run(ctx)
		watchAndReload(cfgPath, log, approverSet)

		log.Info("start",
			zap.String("version", version),
			zap.String("stage", cfg.Stage),
			zap.String("pipeline", cfg.Pipeline.Name),
			zap.String("addr", cfg.Server.Addr),
			zap.String("storage", cfg.Storage.Driver),
			zap.Int("approvers", len(approverSet.List())),
			zap.Duration("approval_timeout", cfg.Approval.Timeout),
		)
		if err := server.Run(ctx); err != nil {
			log.Error("http server", zap.Error(err))
		}
		log.Info("waiting for submitted executions")
		orch.Wait()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// watchAndReload picks up approver list changes without a restart. Everything
// else in the config needs one.
func watchAndReload(cfgPath string, log *zap.Logger, set *approvers.Set) {
	if cfgPath == "" {
		return
	}

	dir := filepath.Dir(cfgPath)
	base := filepath.Base(cfgPath)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn("fsnotify init failed", zap.Error(err))
		return
	}

	fire := func() {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			log.Warn("config reload failed", zap.Error(err))
			return
		}
		if len(cfg.Approval.Approvers) == 0 {
			log.Warn("config reload: approver list is empty, keeping the previous one")
		} else {
			set.Update(cfg.Approval.Approvers)
		}
		log.Info("config reloaded", zap.Strings("approvers", set.List()))
	}

	go func() {
		defer func() { _ = w.Close() }()

		var timer *time.Timer
		debounce := func() {
			if timer == nil {
				timer = time.AfterFunc(300*time.Millisecond, fire)
				return
			}
			timer.Reset(300 * time.Millisecond)
		}

		if err := w.Add(dir); err != nil {
			log.Warn("fsnotify add dir failed", zap.String("dir", dir), zap.Error(err))
			return
		}

		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					debounce()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn("fsnotify error", zap.Error(err))
			}
		}
	}()
}
