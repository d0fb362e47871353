// Package bootstrap assembles the escrow services from configuration. It is
// shared by the API server and escrowctl.
package bootstrap

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	httpapi "github.com/escrow-hub/escrow-hub/internal/api/http"
	"github.com/escrow-hub/escrow-hub/internal/application/actions"
	"github.com/escrow-hub/escrow-hub/internal/application/document"
	"github.com/escrow-hub/escrow-hub/internal/application/engine"
	appNotification "github.com/escrow-hub/escrow-hub/internal/application/notification"
	"github.com/escrow-hub/escrow-hub/internal/application/scheduler"
	"github.com/escrow-hub/escrow-hub/internal/config"
	"github.com/escrow-hub/escrow-hub/internal/domain/escrow"
	"github.com/escrow-hub/escrow-hub/internal/domain/notification"
	"github.com/escrow-hub/escrow-hub/internal/infrastructure/amqp"
	"github.com/escrow-hub/escrow-hub/internal/infrastructure/breaker"
	"github.com/escrow-hub/escrow-hub/internal/infrastructure/docservice"
	"github.com/escrow-hub/escrow-hub/internal/infrastructure/kyc"
	"github.com/escrow-hub/escrow-hub/internal/infrastructure/mailgun"
	"github.com/escrow-hub/escrow-hub/internal/infrastructure/memory"
	"github.com/escrow-hub/escrow-hub/internal/infrastructure/postgres"
	"github.com/escrow-hub/escrow-hub/internal/infrastructure/raftledger"
	"github.com/escrow-hub/escrow-hub/internal/infrastructure/redislock"
	"github.com/escrow-hub/escrow-hub/internal/infrastructure/sse"
	"github.com/escrow-hub/escrow-hub/internal/infrastructure/webhook"
)

// App is the wired service graph.
type App struct {
	Ledger        escrow.Ledger
	Engine        *engine.Engine
	Actions       *actions.Service
	Notifications *appNotification.Service
	Scheduler     *scheduler.Scheduler
	Documents     *document.Trigger
	SSEHub        *sse.Hub
	// Node is set for the raft backend.
	Node *raftledger.Node

	closers []func() error
	logger  zerolog.Logger
}

// NewLogger builds the root logger at level, defaulting to info.
func NewLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).Level(lvl).With().Timestamp().Logger()
}

// Build wires every service. Close releases what Build opened.
func Build(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*App, error) {
	app := &App{logger: logger}
	ok := false
	defer func() {
		if !ok {
			app.Close()
		}
	}()

	ledger, notificationRepo, err := app.openStores(ctx, cfg)
	if err != nil {
		return nil, err
	}
	app.Ledger = ledger

	engineOpts := []engine.Option{engine.WithPaymentWindow(cfg.PaymentWindow)}
	key, err := SigningKey(cfg.SigningKey)
	if err != nil {
		return nil, err
	}
	if key != nil {
		engineOpts = append(engineOpts, engine.WithSigningKey(key))
	}
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		app.closers = append(app.closers, client.Close)
		opts := redislock.DefaultOptions()
		opts.Expiry = cfg.Redis.LockExpiry
		engineOpts = append(engineOpts, engine.WithLocker(redislock.New(client, opts, logger)))
	}
	app.Engine = engine.NewEngine(ledger, logger, engineOpts...)

	app.SSEHub = sse.NewHub()
	notifyOpts, err := app.notificationOptions(cfg)
	if err != nil {
		return nil, err
	}
	app.Notifications = appNotification.NewService(notificationRepo, app.SSEHub, logger, notifyOpts...)
	app.Engine.AddHook(app.Notifications)

	app.Documents = document.NewTrigger(Documents(cfg.Documents, logger), app.Engine, ledger, logger)
	app.Engine.AddHook(app.Documents)

	policies := scheduler.DefaultPolicies()
	if cfg.PolicyFile != "" {
		if policies, err = scheduler.LoadPolicyFile(cfg.PolicyFile); err != nil {
			return nil, fmt.Errorf("load policies: %w", err)
		}
	}
	app.Scheduler, err = scheduler.New(ledger, app.Engine, policies, logger, scheduler.WithReminder(app.Notifications))
	if err != nil {
		return nil, fmt.Errorf("compile policies: %w", err)
	}

	app.Actions = actions.NewService(app.Engine, ledger, Verifier(cfg.KYC, logger), logger,
		actions.WithBankAccount(BankAccount(cfg.Bank)))
	ok = true
	return app, nil
}

func (a *App) openStores(ctx context.Context, cfg *config.Config) (escrow.Ledger, notification.Repository, error) {
	switch cfg.LedgerBackend {
	case config.BackendPostgres:
		if cfg.AutoMigrate {
			if err := postgres.RunMigrations(cfg.DatabaseURL, a.logger); err != nil {
				return nil, nil, err
			}
		}
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, postgres.PoolConfig{MaxConns: cfg.DBMaxConns})
		if err != nil {
			return nil, nil, fmt.Errorf("db error: %w", err)
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		return postgres.NewLedgerRepository(pool), postgres.NewNotificationRepository(pool), nil

	case config.BackendRaft:
		node, err := raftledger.NewNode(raftledger.Config{
			NodeID:    cfg.Raft.NodeID,
			RaftAddr:  cfg.Raft.Addr,
			DataDir:   cfg.Raft.DataDir,
			Bootstrap: cfg.Raft.Bootstrap,

			ApplyTimeout: cfg.Raft.ApplyTimeout,
			LogOutput:    io.Discard,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("raft node: %w", err)
		}
		a.closers = append(a.closers, node.Shutdown)
		a.Node = node
		if !cfg.Raft.Bootstrap && cfg.Raft.JoinEndpoint != "" {
			if err := joinCluster(ctx, cfg, node); err != nil {
				return nil, nil, fmt.Errorf("join cluster: %w", err)
			}
			a.logger.Info().Str("endpoint", cfg.Raft.JoinEndpoint).Msg("joined raft cluster")
		}
		waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		leader, err := node.WaitForLeader(waitCtx, 100*time.Millisecond)
		if err != nil {
			return nil, nil, fmt.Errorf("wait for raft leader: %w", err)
		}
		a.logger.Info().Str("node_id", node.ID()).Str("leader", leader).Msg("raft ledger ready")
		// The outbox is node local; only the ledger is replicated.
		return raftledger.NewLedger(node), memory.NewNotificationRepository(), nil
	}
	a.logger.Warn().Msg("using in-memory ledger, state is lost on restart")
	return memory.NewLedger(), memory.NewNotificationRepository(), nil
}

// joinCluster asks the existing member at JoinEndpoint to add node, using a
// short lived system token signed with the shared JWT secret.
func joinCluster(ctx context.Context, cfg *config.Config, node *raftledger.Node) error {
	auth := httpapi.NewAuthenticator([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer, time.Minute)
	token, err := auth.Issue(escrow.SystemActor(node.ID()))
	if err != nil {
		return err
	}
	joinCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	return raftledger.Join(joinCtx, cfg.Raft.JoinEndpoint, token, raftledger.JoinRequest{
		NodeID:   node.ID(),
		RaftAddr: node.RaftAddr(),
	}, cfg.Raft.JoinRetryDelay)
}

func (a *App) notificationOptions(cfg *config.Config) ([]appNotification.Option, error) {
	nc := cfg.Notifications
	opts := []appNotification.Option{
		appNotification.WithTTL(nc.TTL),
		appNotification.WithRetryBackoff(nc.RetryInitial, nc.RetryMax),
		appNotification.WithInlineDelivery(nc.Inline),
		appNotification.WithChannels(appNotification.Channels{
			Users:  channels(nc.UserChannels),
			Admins: channels(nc.AdminChannels),
			System: channels(nc.SystemChannels),
		}),
	}
	for _, ch := range nc.AllChannels() {
		switch notification.Channel(ch) {
		case notification.ChannelEmail:
			sender := mailgun.NewSender(mailgun.Config{
				Domain:     cfg.Mailgun.Domain,
				APIKey:     cfg.Mailgun.APIKey,
				APIBase:    cfg.Mailgun.APIBase,
				Sender:     cfg.Mailgun.Sender,
				SenderName: cfg.Mailgun.SenderName,
			}, mailgun.StaticAddressBook{
				Domain: cfg.Mailgun.RecipientDomain,
				Admins: cfg.Mailgun.AdminAddress,
			}, a.logger)
			opts = append(opts, appNotification.WithSender(notification.ChannelEmail, sender))
		case notification.ChannelBroker:
			provider, closeConn := amqp.DialProvider(cfg.AMQP.URL)
			publisher := amqp.NewPublisher(provider, cfg.AMQP.Exchange, cfg.AMQP.ConfirmTimeout, a.logger)
			a.closers = append(a.closers, publisher.Close, closeConn)
			opts = append(opts, appNotification.WithSender(notification.ChannelBroker, publisher))
		case notification.ChannelWebhook:
			sender := webhook.NewSender(webhook.Config{
				URL:     cfg.Webhook.URL,
				Secret:  cfg.Webhook.Secret,
				Timeout: cfg.Webhook.Timeout,
				Breaker: breaker.DefaultConfig(),
			}, a.logger)
			opts = append(opts, appNotification.WithSender(notification.ChannelWebhook, sender))
		case notification.ChannelSSE:
		default:
			return nil, fmt.Errorf("unknown notification channel %q", ch)
		}
	}
	return opts, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	if a.Documents != nil {
		a.Documents.Wait()
	}
	if a.SSEHub != nil {
		a.SSEHub.Stop()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn().Err(err).Msg("close failed")
		}
	}
	a.closers = nil
}

// Documents returns the document collaborator for cfg.
func Documents(cfg config.DocumentConfig, logger zerolog.Logger) document.Documents {
	if cfg.URL == "" {
		return docservice.Static{Prefix: cfg.StaticPrefix}
	}
	return docservice.NewClient(cfg.URL, cfg.Token, cfg.Timeout, breaker.DefaultConfig(), logger)
}

// Verifier returns the KYC collaborator for cfg.
func Verifier(cfg config.KYCConfig, logger zerolog.Logger) kyc.Verifier {
	switch cfg.Mode {
	case config.KYCStatic:
		return kyc.NewAllowList(cfg.AllowList...)
	case config.KYCHTTP:
		return kyc.NewClient(cfg.URL, cfg.Token, cfg.CacheTTL, 0, logger)
	}
	return kyc.Disabled{}
}

// SigningKey decodes the hex log signing key. Empty disables signing.
func SigningKey(hexKey string) ([]byte, error) {
	hexKey = strings.TrimSpace(hexKey)
	if hexKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("LOG_SIGNING_KEY must be hex: %w", err)
	}
	if len(key) < 16 {
		return nil, errors.New("LOG_SIGNING_KEY must be at least 16 bytes")
	}
	return key, nil
}

func channels(names []string) []notification.Channel {
	out := make([]notification.Channel, 0, len(names))
	for _, n := range names {
		out = append(out, notification.Channel(n))
	}
	return out
}

// BankAccount maps the configured escrow account.
func BankAccount(cfg config.BankConfig) actions.BankAccount {
	return actions.BankAccount{IBAN: cfg.IBAN, BIC: cfg.BIC, Holder: cfg.Holder, Bank: cfg.Name}
}
