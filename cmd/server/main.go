package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/example/subscription-approval/internal/adapter/awsconf"
	"github.com/example/subscription-approval/internal/adapter/cache"
	"github.com/example/subscription-approval/internal/adapter/datazone"
	"github.com/example/subscription-approval/internal/adapter/gate"
	"github.com/example/subscription-approval/internal/adapter/httpapi"
	"github.com/example/subscription-approval/internal/adapter/jira"
	"github.com/example/subscription-approval/internal/adapter/jsqueue"
	"github.com/example/subscription-approval/internal/adapter/memqueue"
	"github.com/example/subscription-approval/internal/adapter/natsstan"
	"github.com/example/subscription-approval/internal/adapter/repo"
	"github.com/example/subscription-approval/internal/adapter/secrets"
	"github.com/example/subscription-approval/internal/adapter/ticketmock"
	"github.com/example/subscription-approval/internal/clock"
	"github.com/example/subscription-approval/internal/config"
	"github.com/example/subscription-approval/internal/domain"
	"github.com/example/subscription-approval/internal/metrics"
	"github.com/example/subscription-approval/internal/usecase"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// advisoryKey serializes ticket API calls across replicas sharing one database.
const advisoryKey int64 = 0x5ab5c41

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		dev        bool
	)
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the subscription approval orchestrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			logger, err := newLogger(dev)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return serve(cmd.Context(), cfg, logger)
		},
	}
	checkCmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration ok: workflow %s, mode %s, storage %s\n",
				cfg.Workflow.Type, cfg.Mode(), cfg.Storage.Driver)
			return nil
		},
	}
	root := &cobra.Command{
		Use:          "approval-server",
		Short:        "Data catalog subscription approval orchestrator",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CONFIG_FILE"), "path to a YAML config file")
	root.PersistentFlags().BoolVar(&dev, "dev", false, "human-readable development logging")
	root.AddCommand(serveCmd, checkCmd)
	return root
}

func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func serve(parent context.Context, cfg config.Config, logger *zap.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := buildApp(ctx, cfg, clock.NewSystem(), logger)
	if err != nil {
		return err
	}
	defer a.close()

	a.orchestrator.Attach(ctx)
	n, err := a.orchestrator.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover executions: %w", err)
	}
	logger.Info("recovered live executions", zap.Int("count", n))

	if a.consumer != nil {
		go func() {
			if err := a.consumer.Run(ctx); err != nil {
				logger.Error("queue consumer stopped", zap.Error(err))
			}
		}()
	}
	if cfg.Trigger.Enabled {
		sub := &natsstan.Subscriber{
			ClusterID: cfg.Trigger.ClusterID,
			ClientID:  cfg.Trigger.ClientID,
			URL:       cfg.Trigger.NatsURL,
			Subject:   cfg.Trigger.Subject,
			Durable:   cfg.Trigger.Durable,
			Logger:    logger.Named("stan"),
		}
		if err := sub.Subscribe(ctx, a.trigger.Handle); err != nil {
			return fmt.Errorf("stan subscribe: %w", err)
		}
	}

	srv := &http.Server{Addr: cfg.HTTP.Address, Handler: a.server.Router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Info("http listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = srv.Shutdown(shutdownCtx)
	a.orchestrator.Wait()
	logger.Info("stopped")
	return nil
}

type app struct {
	orchestrator *usecase.Orchestrator
	consumer     *usecase.ResiliencyConsumer
	trigger      usecase.HandleOccurrence
	server       *httpapi.Server
	metrics      *metrics.Metrics
	closers      []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

type storage struct {
	tickets    domain.TicketStore
	executions domain.ExecutionStore
	ledger     domain.ReportLedger
	gate       domain.Gate
}

func buildApp(ctx context.Context, cfg config.Config, clk clock.Clock, logger *zap.Logger) (*app, error) {
	a := &app{metrics: metrics.New()}

	st, err := buildStorage(ctx, cfg, a)
	if err != nil {
		a.close()
		return nil, err
	}
	client, err := buildTicketClient(ctx, cfg)
	if err != nil {
		a.close()
		return nil, err
	}
	catalog, reader, err := buildCatalog(ctx, cfg, logger)
	if err != nil {
		a.close()
		return nil, err
	}

	var queue domain.WorkQueue
	if cfg.Workflow.ResiliencyEnabled {
		switch cfg.Queue.Driver {
		case config.DriverJetStream:
			q, err := jsqueue.Connect(ctx, cfg.Queue.NatsURL, jsqueue.Options{
				Stream:        cfg.Queue.Stream,
				Subject:       cfg.Queue.Subject,
				DeadSubject:   cfg.Queue.DeadSubject,
				Visibility:    cfg.Queue.Visibility,
				DeliveryDelay: cfg.Queue.DeliveryDelay,
				DedupWindow:   cfg.Queue.DedupWindow,
				MaxWait:       cfg.Queue.FetchWait,
			}, clk, logger)
			if err != nil {
				a.close()
				return nil, fmt.Errorf("connect jetstream: %w", err)
			}
			a.closers = append(a.closers, q.Close)
			queue = q
		default:
			queue = memqueue.New(clk, memqueue.Options{
				Visibility:    cfg.Queue.Visibility,
				DeliveryDelay: cfg.Queue.DeliveryDelay,
				DedupWindow:   cfg.Queue.DedupWindow,
			})
		}
	}

	var throttle *rate.Limiter
	if cfg.Workflow.ThrottleInterval > 0 {
		throttle = rate.NewLimiter(rate.Every(cfg.Workflow.ThrottleInterval), 1)
	}
	worker := &usecase.TicketWorker{
		Client:     client,
		Store:      st.tickets,
		Gate:       st.gate,
		Catalog:    reader,
		Throttle:   throttle,
		Clock:      clk,
		ProjectKey: cfg.Jira.ProjectKey,
		IssueType:  cfg.Jira.IssueTypeID,
		Logger:     logger.Named("worker"),
		Metrics:    a.metrics,
	}
	reporter := &usecase.StatusReporter{
		Catalog: catalog,
		Ledger:  st.ledger,
		Scope: domain.CredentialScope{
			DomainID:   cfg.Catalog.DomainID,
			Operations: []string{domain.OpAcceptSubscription, domain.OpRejectSubscription},
		},
		Logger: logger.Named("reporter"),
	}
	a.orchestrator = usecase.NewOrchestrator(usecase.OrchestratorConfig{
		Mode:             cfg.Mode(),
		ApproverID:       cfg.Workflow.DefaultApproverID,
		PollingFrequency: cfg.Workflow.PollingFrequency,
		ExecutionTimeout: cfg.Workflow.ExecutionTimeout,
		ReportTimeout:    cfg.Workflow.ReportTimeout,
	}, st.executions, worker, reporter, queue, clk, logger, a.metrics)

	if queue != nil {
		a.consumer = &usecase.ResiliencyConsumer{
			Queue:        queue,
			Worker:       worker,
			Orchestrator: a.orchestrator,
			MaxReceive:   cfg.Queue.MaxReceiveCount,
			BatchSize:    cfg.Queue.BatchSize,
			Idle:         cfg.Queue.Idle,
			Clock:        clk,
			Logger:       logger.Named("consumer"),
			Metrics:      a.metrics,
		}
	}
	a.trigger = usecase.HandleOccurrence{Orchestrator: a.orchestrator, Logger: logger.Named("trigger")}
	a.server = httpapi.NewServer(usecase.GetExecution{Store: st.executions}, a.trigger, a.orchestrator, a.metrics, logger)
	return a, nil
}

func buildStorage(ctx context.Context, cfg config.Config, a *app) (storage, error) {
	if cfg.Storage.Driver != config.DriverPostgres {
		return storage{
			tickets:    cache.NewMemoryTicketStore(),
			executions: cache.NewMemoryExecutionStore(),
			ledger:     cache.NewMemoryReportLedger(),
			gate:       gate.NewSemaphore(1),
		}, nil
	}
	pool, err := pgxpool.New(ctx, cfg.Storage.DatabaseURL)
	if err != nil {
		return storage{}, fmt.Errorf("db connect: %w", err)
	}
	a.closers = append(a.closers, pool.Close)
	if err := repo.EnsureSchema(ctx, pool); err != nil {
		return storage{}, fmt.Errorf("init schema: %w", err)
	}
	return storage{
		tickets:    repo.NewPostgresTicketStore(pool),
		executions: repo.NewPostgresExecutionStore(pool),
		ledger:     repo.NewPostgresReportLedger(pool),
		gate:       &repo.AdvisoryGate{Pool: pool, Key: advisoryKey},
	}, nil
}

func buildTicketClient(ctx context.Context, cfg config.Config) (domain.TicketClient, error) {
	switch cfg.Workflow.Type {
	case config.WorkflowMockAccept:
		return ticketmock.New(true), nil
	case config.WorkflowMockReject:
		return ticketmock.New(false), nil
	}
	username, token := cfg.Jira.Username, cfg.Jira.Token
	if cfg.Jira.SecretID != "" {
		awsCfg, err := awsconf.Load(ctx, awsconf.Options{
			Region:          cfg.Catalog.Region,
			AccessKeyID:     cfg.Catalog.AccessKeyID,
			SecretAccessKey: cfg.Catalog.SecretAccessKey,
		})
		if err != nil {
			return nil, domain.Credential("jira credential", err)
		}
		cred, err := secrets.LoadJiraCredential(ctx, secretsmanager.NewFromConfig(awsCfg), cfg.Jira.SecretID)
		if err != nil {
			return nil, err
		}
		username, token = cred.Username, cred.Token
	}
	baseURL := cfg.Jira.Domain
	if !strings.Contains(baseURL, "://") {
		baseURL = "https://" + baseURL
	}
	return jira.New(jira.Config{
		BaseURL:          baseURL,
		Username:         username,
		Token:            token,
		ApprovedStatuses: cfg.Jira.ApprovedStatuses,
		RejectedStatuses: cfg.Jira.RejectedStatuses,
	})
}

func buildCatalog(ctx context.Context, cfg config.Config, logger *zap.Logger) (domain.Catalog, domain.CatalogReader, error) {
	if cfg.Catalog.Driver != config.DriverDataZone {
		return datazone.LogCatalog{Logger: logger.Named("catalog")}, nil, nil
	}
	base, err := awsconf.Load(ctx, awsconf.Options{
		Region:          cfg.Catalog.Region,
		AccessKeyID:     cfg.Catalog.AccessKeyID,
		SecretAccessKey: cfg.Catalog.SecretAccessKey,
	})
	if err != nil {
		return nil, nil, domain.Credential("catalog credential", err)
	}
	dz := datazone.New(awsconf.AssumeRole(base, cfg.Catalog.SubscriptionRoleARN, awsconf.SessionName), logger)
	return dz, dz, nil
}
