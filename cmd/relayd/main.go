// relayd is the gasless payment relay service: an HTTP API for creating
// and relaying payments, a confirmation poller and a webhook delivery
// worker.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/msqpay/relay-go/config"
	"github.com/msqpay/relay-go/eip712"
	"github.com/msqpay/relay-go/httpapi"
	"github.com/msqpay/relay-go/payments"
	"github.com/msqpay/relay-go/pkg/logger"
	"github.com/msqpay/relay-go/relayer"
	"github.com/msqpay/relay-go/store"
	"github.com/msqpay/relay-go/webhook"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "relayd",
		Short:         "MSQPay gasless payment relay service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
	root.AddCommand(serveCmd(), workerCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the relay confirmation poller",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp()
			if err != nil {
				return err
			}
			defer app.shutdown()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			go app.runPoller(ctx)

			server := &http.Server{
				Addr:         fmt.Sprintf(":%d", app.cfg.Server.Port),
				Handler:      httpapi.NewServer(app.service, app.store, app.relay, logger.L()).Router(),
				ReadTimeout:  app.cfg.Server.ReadTimeout,
				WriteTimeout: app.cfg.Server.WriteTimeout,
			}

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()

			logger.L().Info("relayd listening", "port", app.cfg.Server.Port)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		},
	}
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run only the confirmation poller and webhook delivery workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp()
			if err != nil {
				return err
			}
			defer app.shutdown()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.L().Info("relayd worker started")
			app.runPoller(ctx)
			return nil
		},
	}
}

// app holds the wired components shared by the serve and worker commands.
type app struct {
	cfg     *config.Config
	store   *store.Store
	relay   *relayer.Client
	service *payments.Service
	queue   *webhook.Queue
}

func buildApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger.Init(cfg.Environment)
	log := logger.L()

	var dialector gorm.Dialector
	if cfg.Database.Driver == "postgres" {
		dialector = postgres.Open(cfg.Database.Source)
	} else {
		dialector = sqlite.Open(cfg.Database.Source)
	}
	st, err := store.Open(dialector, store.WithLogger(log))
	if err != nil {
		return nil, err
	}

	signer, err := eip712.NewSigner(cfg.Chain.SignerPrivateKey)
	if err != nil {
		return nil, err
	}
	verifier, err := eip712.NewVerifier(cfg.Chain.ChainID,
		cfg.Chain.GatewayAddress, cfg.Chain.ForwarderAddress, signer.Address().Hex())
	if err != nil {
		return nil, err
	}

	relay, err := relayer.NewClient(cfg.Relayer.BaseURL, cfg.Relayer.APIKey,
		cfg.Relayer.Address, relayer.WithLogger(log))
	if err != nil {
		return nil, err
	}

	queue := webhook.NewQueue(webhook.NewHTTPSender(nil),
		webhook.WithWorkers(cfg.Webhook.Workers),
		webhook.WithFailureStore(st),
		webhook.WithLogger(log))
	queue.Start(context.Background())

	service, err := payments.NewService(st, signer, verifier, relay, queue, payments.Config{
		ChainID:          cfg.Chain.ChainID,
		GatewayAddress:   cfg.Chain.GatewayAddress,
		ForwarderAddress: cfg.Chain.ForwarderAddress,
	},
		payments.WithMerchantWebhooks(cfg.Webhook.MerchantURLs),
		payments.WithLogger(log))
	if err != nil {
		return nil, err
	}

	return &app{cfg: cfg, store: st, relay: relay, service: service, queue: queue}, nil
}

// runPoller sweeps active relays on a fixed interval until ctx is done.
func (a *app) runPoller(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Relayer.PollInterval)
	defer ticker.Stop()

	waitOpts := relayer.WaitOptions{
		Timeout:      a.cfg.Relayer.WaitTimeout,
		PollInterval: a.cfg.Relayer.PollInterval,
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.service.PollActiveRelays(ctx, waitOpts); err != nil {
				logger.L().Error("relay poll sweep failed", "error", err)
			}
		}
	}
}

// shutdown drains the webhook queue so pending notifications finish their
// retry sequences.
func (a *app) shutdown() {
	a.queue.Close()
}
