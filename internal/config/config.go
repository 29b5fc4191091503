package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Config 描述了 abiagentd 在启动阶段需要加载的全部配置。
type Config struct {
	Server        ServerConfig        `json:"server"`
	Logging       LoggingConfig       `json:"logging"`
	Storage       StorageConfig       `json:"storage"`
	Events        EventsConfig        `json:"events"`
	Lease         LeaseConfig         `json:"lease"`
	Inference     InferenceConfig     `json:"inference"`
	Web3          Web3Config          `json:"web3"`
	Wallet        WalletConfig        `json:"wallet"`
	Approval      ApprovalConfig      `json:"approval"`
	Agents        AgentsConfig        `json:"agents"`
	Observability ObservabilityConfig `json:"observability"`
	Runtime       RuntimeConfig       `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address                  string   `json:"address"`
	ReadHeaderTimeoutSeconds int      `json:"read_header_timeout_seconds"`
	ShutdownTimeoutSeconds   int      `json:"shutdown_timeout_seconds"`
	AllowedOrigins           []string `json:"allowed_origins"`
}

// LoggingConfig 对应 pkg/logger 的初始化参数。
type LoggingConfig struct {
	Level      string      `json:"level"`
	Format     string      `json:"format"`
	Outputs    []string    `json:"outputs"`
	MaxSizeMB  int         `json:"max_size_mb"`
	MaxBackups int         `json:"max_backups"`
	MaxAgeDays int         `json:"max_age_days"`
	Compress   bool        `json:"compress"`
	Audit      AuditConfig `json:"audit"`
}

// AuditConfig 控制审计日志。
type AuditConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig 描述 Agent 存储后端。
type StorageConfig struct {
	Agents AgentStoreConfig `json:"agents"`
}

// AgentStoreConfig 支持 memory、mysql 与 sqlite 三种驱动。
type AgentStoreConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
}

// RedisConfig 是 Redis 连接的通用描述，URL 优先于 Address。
type RedisConfig struct {
	URL      string `json:"url"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Key      string `json:"key"`
}

// RabbitMQConfig 描述 RabbitMQ 连接。
type RabbitMQConfig struct {
	URL     string `json:"url"`
	Queue   string `json:"queue"`
	Durable bool   `json:"durable"`
}

// EventsConfig 控制领域事件的投递方式。
type EventsConfig struct {
	Driver         string         `json:"driver"`
	BufferSize     int            `json:"buffer_size"`
	ConsumeLocally bool           `json:"consume_locally"`
	Redis          RedisConfig    `json:"redis"`
	RabbitMQ       RabbitMQConfig `json:"rabbitmq"`
}

// LeaseConfig 控制授权流程的互斥租约。
type LeaseConfig struct {
	Driver     string      `json:"driver"`
	TTLSeconds int         `json:"ttl_seconds"`
	Redis      RedisConfig `json:"redis"`
}

// InferenceConfig 描述外部推理服务与 agent-spec 存储端点。
type InferenceConfig struct {
	ChatURL        string `json:"chat_url"`
	AgentSpecURL   string `json:"agent_spec_url"`
	APIKey         string `json:"-"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Web3Config 包含访问区块链节点以及固定合约所需的参数。
type Web3Config struct {
	ChainConfig           string `json:"chain_config"`
	DefaultChain          string `json:"default_chain"`
	RPCURL                string `json:"rpc_url"`
	ChainID               int64  `json:"chain_id"`
	ExplorerTxURL         string `json:"explorer_tx_url"`
	PresaleAddress        string `json:"presale_address"`
	TokenAddress          string `json:"token_address"`
	TokenDecimals         int    `json:"token_decimals"`
	DefaultGasLimit       uint64 `json:"default_gas_limit"`
	ReceiptTimeoutSeconds int    `json:"receipt_timeout_seconds"`
}

// WalletConfig 描述签名钱包来源。私钥与口令只允许来自环境变量。
type WalletConfig struct {
	PrivateKeys        []string `json:"-"`
	KeystoreDir        string   `json:"keystore_dir"`
	KeystorePassphrase string   `json:"-"`
}

// ApprovalConfig 描述 get_approve 意图使用的固定授权参数。
type ApprovalConfig struct {
	Amount   string `json:"amount"`
	GasLimit uint64 `json:"gas_limit"`
	Spender  string `json:"spender"`
}

// AgentsConfig 控制嵌入脚本的生成。
type AgentsConfig struct {
	ScriptURL string `json:"script_url"`
}

// ObservabilityConfig 描述追踪与告警。
type ObservabilityConfig struct {
	ServiceName     string `json:"service_name"`
	TracePath       string `json:"trace_path"`
	AlertWebhookURL string `json:"alert_webhook_url"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	return &cfg, nil
}

// Default 返回仅包含默认值的配置，baseDir 用于解析相对路径。
func Default(baseDir string) *Config {
	var cfg Config
	cfg.applyDefaults(baseDir)
	return &cfg
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadHeaderTimeoutSeconds <= 0 {
		c.Server.ReadHeaderTimeoutSeconds = 5
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 10
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, "logs", "audit.log")
	}

	if c.Storage.Agents.Driver == "" {
		c.Storage.Agents.Driver = "memory"
	}
	if c.Storage.Agents.Driver == "sqlite" && c.Storage.Agents.DSN == "" {
		c.Storage.Agents.DSN = filepath.Join(c.Runtime.DataDir, "agents.db")
	}

	if c.Events.Driver == "" {
		c.Events.Driver = "memory"
	}
	if c.Events.BufferSize <= 0 {
		c.Events.BufferSize = 256
	}
	if c.Events.Redis.Key == "" {
		c.Events.Redis.Key = "abiagent:events"
	}
	if c.Events.RabbitMQ.Queue == "" {
		c.Events.RabbitMQ.Queue = "abiagent.events"
	}

	if c.Lease.Driver == "" {
		c.Lease.Driver = "memory"
	}
	if c.Lease.TTLSeconds <= 0 {
		c.Lease.TTLSeconds = 300
	}
	if c.Lease.Redis.Key == "" {
		c.Lease.Redis.Key = "abiagent:lease"
	}

	if c.Inference.TimeoutSeconds <= 0 {
		c.Inference.TimeoutSeconds = 60
	}

	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}
	if c.Web3.ExplorerTxURL == "" {
		c.Web3.ExplorerTxURL = "https://sepolia.etherscan.io/tx/"
	}
	if c.Web3.TokenDecimals <= 0 {
		c.Web3.TokenDecimals = 6
	}
	if c.Web3.DefaultGasLimit == 0 {
		c.Web3.DefaultGasLimit = 300000
	}
	if c.Web3.ReceiptTimeoutSeconds <= 0 {
		c.Web3.ReceiptTimeoutSeconds = 120
	}

	if c.Wallet.KeystoreDir != "" && !filepath.IsAbs(c.Wallet.KeystoreDir) {
		c.Wallet.KeystoreDir = filepath.Join(baseDir, c.Wallet.KeystoreDir)
	}

	if c.Approval.Amount == "" {
		c.Approval.Amount = "100"
	}
	if c.Approval.GasLimit == 0 {
		c.Approval.GasLimit = 100000
	}
	if c.Approval.Spender == "" {
		c.Approval.Spender = c.Web3.PresaleAddress
	}

	if c.Agents.ScriptURL == "" {
		c.Agents.ScriptURL = "https://abi-script.vercel.app/ChatBot.js"
	}

	if c.Observability.ServiceName == "" {
		c.Observability.ServiceName = "abiagentd"
	}
	if c.Observability.TracePath != "" && !filepath.IsAbs(c.Observability.TracePath) {
		c.Observability.TracePath = filepath.Join(baseDir, c.Observability.TracePath)
	}
}

// Validate 检查配置是否可用，错误会合并后一次返回。
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Agents.Driver {
	case "memory":
	case "mysql", "sqlite":
		if strings.TrimSpace(c.Storage.Agents.DSN) == "" {
			errs = append(errs, fmt.Errorf("storage.agents.dsn 不能为空 (driver=%s)", c.Storage.Agents.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的存储驱动: %s", c.Storage.Agents.Driver))
	}

	switch c.Events.Driver {
	case "memory", "none":
	case "redis":
		if c.Events.Redis.URL == "" && c.Events.Redis.Address == "" {
			errs = append(errs, errors.New("events.redis 需要 url 或 address"))
		}
	case "rabbitmq":
		if c.Events.RabbitMQ.URL == "" {
			errs = append(errs, errors.New("events.rabbitmq.url 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的事件驱动: %s", c.Events.Driver))
	}

	switch c.Lease.Driver {
	case "memory":
	case "redis":
		if c.Lease.Redis.URL == "" && c.Lease.Redis.Address == "" {
			errs = append(errs, errors.New("lease.redis 需要 url 或 address"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的租约驱动: %s", c.Lease.Driver))
	}

	for name, addr := range map[string]string{
		"web3.presale_address": c.Web3.PresaleAddress,
		"web3.token_address":   c.Web3.TokenAddress,
		"approval.spender":     c.Approval.Spender,
	} {
		if addr != "" && !common.IsHexAddress(addr) {
			errs = append(errs, fmt.Errorf("%s 不是合法地址: %s", name, addr))
		}
	}

	if amount, ok := new(big.Rat).SetString(c.Approval.Amount); !ok || amount.Sign() <= 0 {
		errs = append(errs, fmt.Errorf("approval.amount 必须为正数: %q", c.Approval.Amount))
	}

	return errors.Join(errs...)
}
