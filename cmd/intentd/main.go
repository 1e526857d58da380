package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/sync/errgroup"

	"Intent-Ledger/internal/access"
	"Intent-Ledger/internal/api"
	"Intent-Ledger/internal/auth"
	"Intent-Ledger/internal/config"
	"Intent-Ledger/internal/eventlog"
	"Intent-Ledger/internal/executor"
	"Intent-Ledger/internal/intent"
	"Intent-Ledger/internal/ledger"
	"Intent-Ledger/internal/observability/alerting"
	"Intent-Ledger/internal/observability/metrics"
	"Intent-Ledger/internal/proofs"
	"Intent-Ledger/internal/relay"
	"Intent-Ledger/internal/settlement"
	"Intent-Ledger/internal/storage/mysql"
	"Intent-Ledger/internal/web3"
	"Intent-Ledger/internal/web3/ethereum"
	"Intent-Ledger/internal/web3/provider"
	"Intent-Ledger/pkg/logger"
)

// main 是 intentd 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("intentd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(config.Path())
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer logger.Sync()
	lg := logger.Named("intentd")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	m := metrics.New()
	alerter := newAlerter(cfg.Alerting)

	chainID := new(big.Int).SetUint64(cfg.Domain.ChainID)
	admins := cfg.Domain.AdminAddresses()
	executorID := common.HexToAddress(cfg.Domain.ExecutorIdentity)
	relayerID := common.HexToAddress(cfg.Domain.RelayerIdentity)

	ledgerSvc, err := ledger.New(
		proofs.Domain{ChainID: chainID, Contract: common.HexToAddress(cfg.Domain.LedgerContract)},
		admins,
		ledger.WithObserver(m),
	)
	if err != nil {
		return err
	}
	registry, err := intent.NewRegistry(
		proofs.Domain{ChainID: chainID, Contract: common.HexToAddress(cfg.Domain.RegistryContract)},
		admins,
		intent.WithObserver(m),
	)
	if err != nil {
		return err
	}
	exec, err := executor.New(executorID, admins, ledgerSvc, registry,
		executor.WithObserver(m),
		executor.WithAlertDispatcher(alerter),
	)
	if err != nil {
		return err
	}

	settled, err := newSettledSet(cfg.Settlement.SettledSet)
	if err != nil {
		return err
	}
	if closer, ok := settled.(interface{ Close() error }); ok {
		defer closer.Close()
	}
	pool, closePool, err := newPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer closePool()

	receiver, err := settlement.NewReceiver(common.HexToAddress(cfg.Domain.ReceiverContract), admins, settled, pool,
		settlement.WithObserver(m),
		settlement.WithAlertDispatcher(alerter),
	)
	if err != nil {
		return err
	}

	if err := grantServiceRoles(admins[0], executorID, relayerID, ledgerSvc, registry, receiver); err != nil {
		return err
	}

	store, err := newEventStore(ctx, cfg)
	if err != nil {
		return err
	}
	if closer, ok := store.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	queue, err := newQueue(cfg.Relay)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			lg.Warn("关闭投递队列失败", slog.Any("error", err))
		}
	}()

	exporter := eventlog.NewExporter(
		[]*eventlog.Journal{ledgerSvc.Journal(), registry.Journal(), exec.Journal(), receiver.Journal()},
		[]eventlog.Sink{relay.NewDispatcher(queue), mysql.Sink{Store: store}},
		eventlog.WithInterval(time.Duration(cfg.Relay.ExportIntervalMs)*time.Millisecond),
		eventlog.WithBatchSize(cfg.Relay.ExportBatchSize),
		eventlog.WithErrorHook(m.ObserveExportFailure),
	)

	relayer := relay.NewRelayer(relayerID, receiver, queue, queue,
		relay.WithWorkerCount(cfg.Relay.Workers),
		relay.WithMaxAttempts(cfg.Relay.MaxAttempts),
		relay.WithFinalizer(relay.RegistryFinalizer{Registry: registry, Caller: relayerID}),
		relay.WithAlertDispatcher(alerter),
		relay.WithOutcomeHook(m.ObserveDelivery),
	)

	authSvc, err := auth.NewService(auth.Config{
		Mode:      auth.Mode(cfg.Auth.Mode),
		Secret:    cfg.Auth.Secret,
		Issuer:    cfg.Auth.Issuer,
		Audience:  cfg.Auth.Audience,
		AccessTTL: cfg.Auth.AccessTTL,
		DevIssuer: cfg.Auth.DevIssuer,
	})
	if err != nil {
		return err
	}
	if authSvc.Mode() == auth.ModeDisabled {
		lg.Warn("API 认证已关闭，调用方身份取自 " + auth.CallerHeader)
	}

	server, err := api.NewServer(cfg.Server.Address, api.Dependencies{
		Ledger:   ledgerSvc,
		Registry: registry,
		Executor: exec,
		Receiver: receiver,
		Roles: map[eventlog.Component]api.RoleManager{
			eventlog.ComponentLedger:   ledgerSvc,
			eventlog.ComponentRegistry: registry,
			eventlog.ComponentExecutor: exec,
			eventlog.ComponentReceiver: receiver,
		},
		Journals: map[eventlog.Component]*eventlog.Journal{
			eventlog.ComponentLedger:   ledgerSvc.Journal(),
			eventlog.ComponentRegistry: registry.Journal(),
			eventlog.ComponentExecutor: exec.Journal(),
			eventlog.ComponentReceiver: receiver.Journal(),
		},
		Archive: store,
		Auth:    authSvc,
	}, api.WithMetrics(m), api.WithAlertDispatcher(alerter))
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return exporter.Run(gctx) })
	g.Go(func() error { return ignoreCanceled(relayer.Start(gctx)) })
	g.Go(func() error { return ignoreCanceled(server.Start(gctx)) })
	if cfg.Metrics.Enabled {
		g.Go(func() error { return ignoreCanceled(metrics.StartServer(gctx, cfg.Metrics.Address, m.Handler())) })
	}

	lg.Info("intentd 已启动",
		slog.String("address", cfg.Server.Address),
		slog.Uint64("chain_id", cfg.Domain.ChainID),
		slog.String("relay_driver", cfg.Relay.Driver),
		slog.String("archive_driver", cfg.Storage.EventArchive.Driver),
		slog.String("pool_driver", cfg.Settlement.Pool.Driver),
	)
	return g.Wait()
}

func ignoreCanceled(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// grantServiceRoles gives the executor and relayer identities the roles they
// act with. A fresh process starts with admins only.
func grantServiceRoles(admin, executorID, relayerID common.Address, l *ledger.Ledger, r *intent.Registry, recv *settlement.Receiver) error {
	grants := []struct {
		name  string
		grant func(common.Address, access.Role, common.Address) error
		role  access.Role
		to    common.Address
	}{
		{"ledger", l.GrantRole, access.RoleExecutor, executorID},
		{"registry", r.GrantRole, access.RoleExecutor, executorID},
		{"registry", r.GrantRole, access.RoleRelayer, relayerID},
		{"receiver", recv.GrantRole, access.RoleRelayer, relayerID},
	}
	for _, g := range grants {
		if err := g.grant(admin, g.role, g.to); err != nil {
			return fmt.Errorf("为 %s 授予 %s 角色失败: %w", g.name, g.role, err)
		}
	}
	return nil
}

func newAlerter(cfg config.AlertingConfig) alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.DingTalkWebhook != "" {
		notifiers = append(notifiers, &alerting.DingTalkNotifier{Sender: alerting.NewWebhookSender(cfg.DingTalkWebhook)})
	}
	if cfg.SlackWebhook != "" {
		notifiers = append(notifiers, &alerting.SlackNotifier{
			Sender:    alerting.NewWebhookSender(cfg.SlackWebhook).SlackSender(),
			ChannelID: cfg.SlackChannel,
		})
	}
	return alerting.NewFanout(notifiers...)
}

func newEventStore(ctx context.Context, cfg *config.Config) (mysql.EventStore, error) {
	archive := cfg.Storage.EventArchive
	switch archive.Driver {
	case "memory", "":
		return mysql.NewMemoryEventStore(cfg.Runtime.DataDir)
	case "mysql":
		return mysql.NewSQLEventStore(ctx, mysql.Config{
			DSN:             archive.DSN,
			MaxOpenConns:    archive.MaxOpenConns,
			MaxIdleConns:    archive.MaxIdleConns,
			ConnMaxLifetime: time.Duration(archive.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(archive.ConnMaxIdleTimeSeconds) * time.Second,
		})
	default:
		return nil, fmt.Errorf("未知的事件归档驱动: %s", archive.Driver)
	}
}

func newQueue(cfg config.RelayConfig) (relay.Queue, error) {
	switch cfg.Driver {
	case "memory", "":
		return relay.NewMemoryQueue(cfg.QueueSize), nil
	case "redis":
		return relay.NewRedisQueue(relay.RedisQueueConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Queue:     cfg.Redis.Key,
			BlockWait: time.Duration(cfg.Redis.BlockWait) * time.Second,
		})
	case "rabbitmq":
		return relay.NewRabbitMQQueue(relay.RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Queue:      cfg.RabbitMQ.Queue,
			Prefetch:   cfg.RabbitMQ.Prefetch,
			Durable:    cfg.RabbitMQ.Durable,
			AutoDelete: cfg.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Driver)
	}
}

func newSettledSet(cfg config.SettledSetConfig) (settlement.SettledSet, error) {
	switch cfg.Driver {
	case "memory", "":
		return settlement.NewMemorySettledSet(), nil
	case "redis":
		return settlement.NewRedisSettledSet(settlement.RedisSettledSetConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Key,
		})
	default:
		return nil, fmt.Errorf("未知的结算集合驱动: %s", cfg.Driver)
	}
}

// newPool returns the payout pool and a release func for its chain clients.
func newPool(ctx context.Context, cfg *config.Config) (settlement.Pool, func(), error) {
	pc := cfg.Settlement.Pool
	switch pc.Driver {
	case "memory", "":
		funds := new(big.Int)
		if pc.InitialFunds != "" {
			funds.SetString(pc.InitialFunds, 10)
		}
		return settlement.NewMemoryPool(funds), func() {}, nil
	case "evm":
		defs, err := web3.LoadChainDefinitions(cfg.Web3.ChainsFile)
		if err != nil {
			return nil, nil, err
		}
		_, def, ok := defs.ByDomain(pc.DestDomainID)
		if !ok {
			return nil, nil, fmt.Errorf("目标域 %d 未在 %s 中配置", pc.DestDomainID, cfg.Web3.ChainsFile)
		}
		key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(pc.PrivateKey), "0x"))
		if err != nil {
			return nil, nil, fmt.Errorf("解析资金池私钥失败: %w", err)
		}
		chains, err := provider.NewRegistry(ctx, defs, provider.DialEVM)
		if err != nil {
			return nil, nil, err
		}
		backend, err := chains.ForDomain(pc.DestDomainID)
		if err != nil {
			chains.Close()
			return nil, nil, err
		}
		gasLimit := pc.GasLimit
		if gasLimit == 0 {
			gasLimit = def.GasLimit
		}
		pool, err := ethereum.NewPool(ctx, backend, key, ethereum.WithGasLimit(gasLimit))
		if err != nil {
			chains.Close()
			return nil, nil, err
		}
		return pool, chains.Close, nil
	default:
		return nil, nil, fmt.Errorf("未知的资金池驱动: %s", pc.Driver)
	}
}
