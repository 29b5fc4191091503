package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix 是所有环境变量覆盖项的前缀。
const EnvPrefix = "ABIAGENT"

// Secrets 列出只允许通过环境变量提供的敏感配置与部署相关覆盖项。
type Secrets struct {
	WalletPrivateKeys  []string `envconfig:"WALLET_PRIVATE_KEYS"`
	KeystorePassphrase string   `envconfig:"KEYSTORE_PASSPHRASE"`
	InferenceAPIKey    string   `envconfig:"INFERENCE_API_KEY"`
	MySQLDSN           string   `envconfig:"MYSQL_DSN"`
	RedisURL           string   `envconfig:"REDIS_URL"`
	RedisPassword      string   `envconfig:"REDIS_PASSWORD"`
	RabbitMQURL        string   `envconfig:"RABBITMQ_URL"`
	RPCURL             string   `envconfig:"RPC_URL"`
}

// LoadDotEnv 加载 .env 文件，文件不存在时静默跳过。
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("加载 %s 失败: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv 读取 ABIAGENT_* 环境变量并覆盖到配置上。
func (c *Config) ApplyEnv() error {
	var s Secrets
	if err := envconfig.Process(EnvPrefix, &s); err != nil {
		return fmt.Errorf("解析环境变量失败: %w", err)
	}
	c.applySecrets(s)
	return nil
}

func (c *Config) applySecrets(s Secrets) {
	keys := make([]string, 0, len(s.WalletPrivateKeys))
	for _, k := range s.WalletPrivateKeys {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	if len(keys) > 0 {
		c.Wallet.PrivateKeys = keys
	}
	if s.KeystorePassphrase != "" {
		c.Wallet.KeystorePassphrase = s.KeystorePassphrase
	}
	if s.InferenceAPIKey != "" {
		c.Inference.APIKey = s.InferenceAPIKey
	}
	if s.MySQLDSN != "" && c.Storage.Agents.Driver == "mysql" {
		c.Storage.Agents.DSN = s.MySQLDSN
	}
	if s.RedisURL != "" {
		c.Events.Redis.URL = s.RedisURL
		c.Lease.Redis.URL = s.RedisURL
	}
	if s.RedisPassword != "" {
		c.Events.Redis.Password = s.RedisPassword
		c.Lease.Redis.Password = s.RedisPassword
	}
	if s.RabbitMQURL != "" {
		c.Events.RabbitMQ.URL = s.RabbitMQURL
	}
	if s.RPCURL != "" {
		c.Web3.RPCURL = s.RPCURL
	}
}
