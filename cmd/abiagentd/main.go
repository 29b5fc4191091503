package main

import (
	"context"
	"errors"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"ABIAgent-Chain/internal/agent"
	"ABIAgent-Chain/internal/api"
	"ABIAgent-Chain/internal/chat"
	"ABIAgent-Chain/internal/config"
	xerrors "ABIAgent-Chain/internal/errors"
	"ABIAgent-Chain/internal/events"
	"ABIAgent-Chain/internal/inference"
	"ABIAgent-Chain/internal/lease"
	"ABIAgent-Chain/internal/observability/alerting"
	"ABIAgent-Chain/internal/observability/tracing"
	"ABIAgent-Chain/internal/storage/agentstore"
	"ABIAgent-Chain/internal/web3"
	"ABIAgent-Chain/internal/web3/erc20"
	"ABIAgent-Chain/internal/web3/invoke"
	"ABIAgent-Chain/internal/web3/provider"
	"ABIAgent-Chain/internal/web3/session"
	"ABIAgent-Chain/internal/web3/wallet"
	"ABIAgent-Chain/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

// main 是 abiagentd 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("abiagentd 运行失败: %v", err)
	}
}

func loadConfig() (*config.Config, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, err
	}
	configPath := os.Getenv("ABIAGENT_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "abiagent.json")
	}

	var cfg *config.Config
	if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
		cfg = config.Default(".")
	} else {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func initLogging(cfg *config.Config) error {
	rotation := logger.RotationConfig{
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	}
	return logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.Outputs,
		Rotation:    rotation,
		Audit: logger.AuditConfig{
			Enabled:  cfg.Logging.Audit.Enabled,
			Path:     cfg.Logging.Audit.Path,
			Rotation: rotation,
		},
	})
}

func run(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := initLogging(cfg); err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Named("main")

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		ServiceName: cfg.Observability.ServiceName,
		Path:        cfg.Observability.TracePath,
	})
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.Observability.AlertWebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.Observability.AlertWebhookURL})
	}
	alerts := alerting.NewFanout(notifiers...)

	bus, err := events.Open(ctx, cfg.Events)
	if err != nil {
		return err
	}
	defer bus.Close()
	if cfg.Events.ConsumeLocally {
		go func() {
			if err := bus.Consume(ctx, 1, events.AuditHandler); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn("事件消费退出", slog.Any("error", err))
			}
		}()
	}

	repo, err := agentstore.Open(ctx, cfg.Storage.Agents, cfg.Runtime.DataDir)
	if err != nil {
		return err
	}
	defer repo.Close()

	inf, err := inference.NewHTTPClient(inference.Config{
		ChatURL:      cfg.Inference.ChatURL,
		AgentSpecURL: cfg.Inference.AgentSpecURL,
		APIKey:       cfg.Inference.APIKey,
		Timeout:      time.Duration(cfg.Inference.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		return err
	}

	agents := agent.NewService(repo, inf,
		agent.WithScriptURL(cfg.Agents.ScriptURL),
		agent.WithEvents(bus),
		agent.WithAlerts(alerts))
	sessions := chat.NewManager(agents)
	invoker := invoke.New(invoke.WithDefaultGasLimit(cfg.Web3.DefaultGasLimit))

	deps := api.Deps{
		Agents:         agents,
		Sessions:       sessions,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}
	dispatchOpts := []chat.DispatcherOption{
		chat.WithExplorer(cfg.Web3.ExplorerTxURL),
		chat.WithAgentContracts(agents),
		chat.WithEventPublisher(bus),
	}
	var connector chat.Connector = offline{}

	registry, err := provider.NewRegistry(ctx, cfg.Web3, nil)
	if err != nil {
		log.Warn("未配置可用的区块链节点，合约调用不可用", slog.Any("error", err))
	} else {
		defer registry.Close()
		deps.Chains = registry

		chain, err := registry.Default()
		if err != nil {
			return err
		}
		if chain.ExplorerTxURL != "" {
			dispatchOpts = append(dispatchOpts, chat.WithExplorer(chain.ExplorerTxURL))
		}
		signer, err := wallet.Select(wallet.Config{
			PrivateKeys:        cfg.Wallet.PrivateKeys,
			KeystoreDir:        cfg.Wallet.KeystoreDir,
			KeystorePassphrase: cfg.Wallet.KeystorePassphrase,
		})
		if err != nil {
			log.Warn("钱包不可用，需要签名的调用将被拒绝", slog.Any("error", err))
		}
		manager := session.NewManager(chain.Client, signer, session.Config{
			PresaleAddress: common.HexToAddress(cfg.Web3.PresaleAddress),
			TokenAddress:   common.HexToAddress(cfg.Web3.TokenAddress),
			TokenDecimals:  cfg.Web3.TokenDecimals,
			ReceiptTimeout: time.Duration(cfg.Web3.ReceiptTimeoutSeconds) * time.Second,
		})
		deps.Contracts = manager
		connector = chat.SessionConnector{Manager: manager}

		locker, err := lease.Open(ctx, cfg.Lease)
		if err != nil {
			return err
		}
		if closer, ok := locker.(io.Closer); ok {
			defer closer.Close()
		}
		amount, err := web3.ParseUnits(cfg.Approval.Amount, cfg.Web3.TokenDecimals)
		if err != nil {
			return err
		}
		dispatchOpts = append(dispatchOpts, chat.WithApprover(chat.FlowApprover{
			Spender: common.HexToAddress(cfg.Approval.Spender),
			Amount:  amount,
			Options: []erc20.FlowOption{
				erc20.WithLocker(locker),
				erc20.WithLeaseTTL(time.Duration(cfg.Lease.TTLSeconds) * time.Second),
				erc20.WithGasLimit(cfg.Approval.GasLimit),
			},
		}))
	}

	deps.Dispatcher = chat.NewDispatcher(sessions, inf, connector, invoker, dispatchOpts...)

	server := api.NewServer(cfg.Server.Address, deps, api.Options{
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadHeaderTimeoutSeconds) * time.Second,
		ShutdownTimeout:   time.Duration(cfg.Server.ShutdownTimeoutSeconds) * time.Second,
	})
	return server.Start(ctx)
}

// offline 在没有链节点时拒绝所有合约调用。
type offline struct{}

func (offline) Ensure(context.Context, common.Address) (chat.ContractSession, error) {
	return nil, xerrors.New(xerrors.CodeWalletUnavailable, "no chain configured")
}
