package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/stripe/stripe-go/v82"
	"github.com/suaiden-dev/matriculausa-mvp-sub015/internal/alert"
	"github.com/suaiden-dev/matriculausa-mvp-sub015/internal/config"
	"github.com/suaiden-dev/matriculausa-mvp-sub015/internal/db"
	"github.com/suaiden-dev/matriculausa-mvp-sub015/internal/gateway"
	"github.com/suaiden-dev/matriculausa-mvp-sub015/internal/kafka"
	"github.com/suaiden-dev/matriculausa-mvp-sub015/internal/logging"
	"github.com/suaiden-dev/matriculausa-mvp-sub015/internal/metrics"
	"github.com/suaiden-dev/matriculausa-mvp-sub015/internal/notification"
	"github.com/suaiden-dev/matriculausa-mvp-sub015/internal/reconcile"
	"github.com/suaiden-dev/matriculausa-mvp-sub015/internal/server"
	"github.com/suaiden-dev/matriculausa-mvp-sub015/internal/sink"
	"github.com/suaiden-dev/matriculausa-mvp-sub015/internal/webhook"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:          "payment-reconciler",
		Short:        "Reconciles Stripe payment events into the student ledger",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", ".", "directory containing config.yaml")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the webhook server and notification pipeline",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return serve(cmd.Context(), config.MustLoadConfig(configPath))
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply database migrations and exit",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg := config.MustLoadConfig(configPath)
				return db.RunMigrations(cfg.Database.ConnString())
			},
		},
		sinkCommand(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		log.Fatal(err)
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := logging.GetLogger(cfg.Logs)
	metrics.Setup(cfg.Metrics, logger)

	connString := cfg.Database.ConnString()
	if err := db.RunMigrations(connString); err != nil {
		return err
	}

	pool, err := db.GetPool(ctx, connString)
	if err != nil {
		return err
	}
	defer pool.Close()

	ledger := db.NewLedgerRepository(pool)
	outboxRepo := db.NewOutboxRepository(pool)

	environments := make([]webhook.Environment, 0, len(cfg.Stripe.Environments))
	secretKeys := make(map[string]string, len(cfg.Stripe.Environments))
	for _, env := range cfg.Stripe.Environments {
		environments = append(environments, webhook.Environment{Name: env.Name, SecretKey: env.SecretKey, Secrets: env.WebhookSecrets})
		secretKeys[env.Name] = env.SecretKey
	}

	backends := stripe.NewBackendsWithConfig(&stripe.BackendConfig{
		HTTPClient: &http.Client{Timeout: time.Duration(cfg.Stripe.TimeoutMs) * time.Millisecond},
	})
	provider := gateway.NewStripe(secretKeys, []stripe.ClientOption{stripe.WithBackends(backends)}, logger)

	reconciler := reconcile.New(
		webhook.NewVerifier(environments, time.Duration(cfg.Stripe.SignatureToleranceSeconds)*time.Second),
		ledger,
		provider,
		notification.NewOutbox(outboxRepo, cfg.Notification.URL, logger),
		alert.New(cfg.Alert, logger),
		reconcile.Options{
			ReferralReward:      cfg.Fees.ReferralReward,
			BaseCurrency:        cfg.Fees.BaseCurrency,
			AsyncPaymentMethods: cfg.Fees.AsyncPaymentMethods,
		},
		logger,
	)

	writer := kafka.NewWriter(cfg.Kafka)
	defer writer.Close()
	notification.NewProducer(outboxRepo, writer, cfg.Notification.Producer, logger).Start(ctx)

	processor := notification.NewProcessor(outboxRepo,
		notification.NewSender(time.Duration(cfg.Notification.Sender.TimeoutMs)*time.Millisecond, logger),
		cfg.Notification.Processor, logger)
	reader := kafka.NewReader(cfg.Kafka.Broker.URL, cfg.Kafka.Topic.Notifications, cfg.Kafka.Reader.GroupID)
	defer reader.Close()
	kafka.ReadNotifications(ctx, reader, processor, logger)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           server.NewRouter(reconciler, ledger, cfg.Server.MaxBodyBytes, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", "port", cfg.Server.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutMs)*time.Millisecond)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	processor.Wait()
	return err
}

func sinkCommand() *cobra.Command {
	var (
		port      string
		errorRate float64
		maxDelay  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "sink",
		Short: "Run a local notification endpoint that records deliveries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "notification-sink")
			srv := &http.Server{
				Addr:              ":" + port,
				Handler:           sink.New(errorRate, maxDelay, logger).Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() {
				<-cmd.Context().Done()
				_ = srv.Shutdown(context.Background())
			}()

			logger.Info("Starting notification sink", "port", port)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&port, "port", "8085", "listen port")
	cmd.Flags().Float64Var(&errorRate, "error-rate", 0.5, "failure probability of /random-fail")
	cmd.Flags().DurationVar(&maxDelay, "max-delay", 8*time.Second, "upper bound of the /success-delayed delay")
	return cmd
}
