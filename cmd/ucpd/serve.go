package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/sumup/ucp"
	"github.com/sumup/ucp/checkout"
	"github.com/sumup/ucp/internal/config"
	"github.com/sumup/ucp/internal/logger"
	"github.com/sumup/ucp/memstore"
	"github.com/sumup/ucp/orchestrator"
	"github.com/sumup/ucp/order"
	"github.com/sumup/ucp/redisstore"
	"github.com/sumup/ucp/settlement"
	"github.com/sumup/ucp/signature"
	"github.com/sumup/ucp/signing"
	"github.com/sumup/ucp/sqlstore"
	"github.com/sumup/ucp/webhook"
)

// engineStore is satisfied by both memstore and sqlstore.
type engineStore interface {
	checkout.Store
	order.Store
	settlement.Store
	settlement.TokenStore
	settlement.MandateStore
}

// flagKeys maps serve flags onto config keys.
var flagKeys = map[string]string{
	"addr":     "http.addr",
	"log-mode": "log_mode",
	"store":    "store.driver",
	"dsn":      "store.dsn",
	"redis":    "redis.addr",
	"webhook":  "webhook.url",
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the UCP HTTP API and run the settlement sweeper",
		Long: `Start the UCP server.

Settings come from defaults, the --config file, UCP_* environment variables
and flags, later sources winning.

Examples:
  ucpd serve --addr :8080
  ucpd serve --store sqlite --dsn ucp.db --redis localhost:6379
  UCP_AUTH_API_KEYS=key-acme=acme ucpd serve -c ucpd.yaml`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
	cmd.Flags().String("addr", "", "listen address")
	cmd.Flags().String("log-mode", "", "production for JSON logs, anything else for development output")
	cmd.Flags().String("store", "", "store driver: memory or sqlite")
	cmd.Flags().String("dsn", "", "sqlite database file")
	cmd.Flags().String("redis", "", "Redis address for settlement tokens")
	cmd.Flags().String("webhook", "", "URL receiving signed webhook events")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	file, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(file, func(v *viper.Viper) error {
		for name, key := range flagKeys {
			if err := v.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	var tokens settlement.TokenStore = store
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = client.Close() }()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
		}
		tokens = redisstore.NewTokenStore(client,
			redisstore.WithPrefix(cfg.Redis.Prefix),
			redisstore.WithRetention(cfg.Redis.Retention),
		)
		log.Info("settlement tokens stored in redis", "addr", cfg.Redis.Addr)
	}

	signer, err := newSigner(cfg.Signing, log)
	if err != nil {
		return err
	}

	var emitter webhook.Emitter
	if cfg.Webhook.URL != "" {
		hookLog := log.With("component", "webhook")
		transport := webhook.NewHTTPTransport(cfg.Webhook.URL,
			webhook.WithAPIVersion(ucp.APIVersion),
			webhook.WithBreaker(cfg.Webhook.BreakerFailures, cfg.Webhook.BreakerOpenFor),
			webhook.WithBreakerStateHook(func(from, to string) {
				hookLog.Warn("webhook circuit breaker changed state", "from", from, "to", to)
			}),
		)
		emitter = webhook.NewPublisher(signer, transport, webhook.WithLogger(hookLog))
	}

	tokenService := settlement.NewTokenService(tokens,
		settlement.WithTokenTTL(cfg.Settlement.TokenTTL),
		settlement.WithTokenLogger(log.With("component", "tokens")),
	)
	settlements := settlement.NewService(store, tokenService,
		settlement.WithMandates(store),
		settlement.WithDelays(cfg.Settlement.ProcessingDelay, cfg.Settlement.CompletionDelay),
		withEmitter(emitter, settlement.WithEmitter),
		settlement.WithLogger(log.With("component", "settlement")),
	)
	orders := order.NewService(store,
		order.WithPermalinkBase(cfg.Orders.PermalinkBase),
		withEmitter(emitter, order.WithEmitter),
		order.WithLogger(log.With("component", "orders")),
	)
	registry := orchestrator.NewRegistry(orchestrator.NewSettlementHandler(settlements))
	checkouts := orchestrator.NewService(store, orders,
		orchestrator.WithHandlers(registry),
		withEmitter(emitter, orchestrator.WithEmitter),
		orchestrator.WithSideEffects(
			orchestrator.MandateDebit(store),
			orchestrator.AgentAttribution(orchestrator.NewMemoryCounter()),
		),
		orchestrator.WithTTL(cfg.Checkout.TTL),
		orchestrator.WithAutoComplete(cfg.Checkout.AutoComplete),
		orchestrator.WithRequireBilling(cfg.Checkout.RequireBilling),
		orchestrator.WithLogger(log.With("component", "checkout")),
	)

	opts, err := handlerOptions(cfg, log)
	if err != nil {
		return err
	}
	handler := ucp.NewHandler(ucp.Services{
		Checkouts:       checkouts,
		Orders:          orders,
		Refunds:         checkouts,
		Settlements:     settlements,
		Keys:            signer,
		PaymentHandlers: registry,
	}, opts...)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
	}
	sweeper := settlement.NewSweeper(settlements,
		settlement.WithSweepInterval(cfg.Settlement.SweepInterval),
		settlement.WithRecovery(cfg.Settlement.RecoveryInterval, cfg.Settlement.StaleAfter),
		settlement.WithSweeperLogger(log.With("component", "sweeper")),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", "addr", cfg.HTTP.Addr, "store", cfg.Store.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return sweeper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		log.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg config.StoreConfig) (engineStore, func(), error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		db, err := sqlstore.OpenSQLite(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		store, err := sqlstore.New(ctx, db)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return memstore.New(), func() {}, nil
	}
}

func newSigner(cfg config.SigningConfig, log *logger.Logger) (*signing.Service, error) {
	signLog := log.With("component", "signing")
	if cfg.KeyFile == "" {
		signLog.Warn("no signing key configured, using a key that lives only as long as this process")
		return signing.New(signing.WithLogger(signLog)), nil
	}
	data, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	key, err := signing.ParsePrivateKeyPEM(data)
	if err != nil {
		return nil, fmt.Errorf("parse signing key %s: %w", cfg.KeyFile, err)
	}
	return signing.New(signing.WithKey(key), signing.WithLogger(signLog)), nil
}

func handlerOptions(cfg *config.Config, log *logger.Logger) ([]ucp.Option, error) {
	opts := []ucp.Option{
		ucp.WithLogger(log.With("component", "http")),
		ucp.WithDefaultTenant(cfg.Auth.DefaultTenant),
		ucp.WithMaxClockSkew(cfg.Signing.MaxClockSkew),
	}
	if len(cfg.Auth.APIKeys) > 0 {
		opts = append(opts, ucp.WithAuthenticator(ucp.APIKeys(cfg.Auth.APIKeys)))
	}
	if cfg.Signing.HMACSecret != "" {
		opts = append(opts, ucp.WithSignatureVerifier(signature.HMACVerifier{Key: []byte(cfg.Signing.HMACSecret)}))
	}
	if cfg.Signing.TrustedKeysFile != "" {
		data, err := os.ReadFile(cfg.Signing.TrustedKeysFile)
		if err != nil {
			return nil, fmt.Errorf("read trusted keys: %w", err)
		}
		var set signing.KeySet
		if err := json.Unmarshal(data, &set); err != nil {
			return nil, fmt.Errorf("parse trusted keys %s: %w", cfg.Signing.TrustedKeysFile, err)
		}
		opts = append(opts, ucp.WithDetachedSignatureVerifier(signature.DetachedJWSVerifier{Keys: signature.StaticKeys(set.Keys...)}))
	}
	if cfg.Signing.RequireSigned {
		opts = append(opts, ucp.WithRequireSignedRequests())
	}
	return opts, nil
}

// withEmitter returns nil when no webhook URL is configured; every service
// skips nil options.
func withEmitter[O any](e webhook.Emitter, opt func(webhook.Emitter) O) O {
	var zero O
	if e == nil {
		return zero
	}
	return opt(e)
}
