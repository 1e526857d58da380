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

	"Intent-Ledger/pkg/logger"
)

// Environment variables read by Load.
const (
	EnvConfigPath = "INTENT_LEDGER_CONFIG"
	EnvJWTSecret  = "INTENT_LEDGER_JWT_SECRET"
	EnvMySQLDSN   = "INTENT_LEDGER_MYSQL_DSN"
	EnvPoolKey    = "INTENT_LEDGER_POOL_KEY"
)

// DefaultPath 是未设置环境变量时使用的配置文件路径。
const DefaultPath = "configs/intent-ledger.json"

// Config 描述了 intentd 在启动阶段需要加载的核心配置。
type Config struct {
	Server     ServerConfig     `json:"server"`
	Auth       AuthConfig       `json:"auth"`
	Domain     DomainConfig     `json:"domain"`
	Storage    StorageConfig    `json:"storage"`
	Relay      RelayConfig      `json:"relay"`
	Settlement SettlementConfig `json:"settlement"`
	Web3       Web3Config       `json:"web3"`
	Logging    logger.Config    `json:"logging"`
	Metrics    MetricsConfig    `json:"metrics"`
	Alerting   AlertingConfig   `json:"alerting"`
	Runtime    RuntimeConfig    `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// AuthConfig 配置 API 的身份认证。
type AuthConfig struct {
	Mode      string `json:"mode"`
	Secret    string `json:"secret"`
	Issuer    string `json:"issuer"`
	Audience  string `json:"audience"`
	AccessTTL int64  `json:"access_ttl"`
	DevIssuer bool   `json:"dev_issuer"`
}

// DomainConfig 描述源链域以及各组件的地址和身份。
type DomainConfig struct {
	ChainID          uint64   `json:"chain_id"`
	LedgerContract   string   `json:"ledger_contract"`
	RegistryContract string   `json:"registry_contract"`
	ReceiverContract string   `json:"receiver_contract"`
	Admins           []string `json:"admins"`
	// ExecutorIdentity is the executor contract address. It is granted
	// EXECUTOR on the ledger and the registry.
	ExecutorIdentity string `json:"executor_identity"`
	// RelayerIdentity is granted RELAYER on the receiver and EXECUTOR on the
	// registry so delivered intents can be marked Settled.
	RelayerIdentity string `json:"relayer_identity"`
}

// StorageConfig 描述事件归档的存储后端。
type StorageConfig struct {
	EventArchive EventArchiveConfig `json:"event_archive"`
}

// EventArchiveConfig 支持 memory 与 mysql 两种驱动。
type EventArchiveConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
}

// RelayConfig 描述投递队列与中继器参数。
type RelayConfig struct {
	Driver           string         `json:"driver"`
	Workers          int            `json:"workers"`
	MaxAttempts      int            `json:"max_attempts"`
	QueueSize        int            `json:"queue_size"`
	ExportIntervalMs int            `json:"export_interval_ms"`
	ExportBatchSize  int            `json:"export_batch_size"`
	Redis            RedisConfig    `json:"redis"`
	RabbitMQ         RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 是 Redis 连接参数。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	// Key is the list name for queues and the key prefix for the settled set.
	Key string `json:"key"`
	// BlockWait is the BRPOP timeout in seconds.
	BlockWait int `json:"block_wait"`
}

// RabbitMQConfig 是 RabbitMQ 连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// SettlementConfig 描述目标域结算器的后端。
type SettlementConfig struct {
	SettledSet SettledSetConfig `json:"settled_set"`
	Pool       PoolConfig       `json:"pool"`
}

// SettledSetConfig 支持 memory 与 redis 两种驱动。
type SettledSetConfig struct {
	Driver string      `json:"driver"`
	Redis  RedisConfig `json:"redis"`
}

// PoolConfig 支持 memory 与 evm 两种驱动。
type PoolConfig struct {
	Driver string `json:"driver"`
	// InitialFunds seeds the memory pool, in base units.
	InitialFunds string `json:"initial_funds"`
	// DestDomainID picks the chain from chains.yaml that pays out.
	DestDomainID uint64 `json:"dest_domain_id"`
	PrivateKey   string `json:"private_key"`
	GasLimit     uint64 `json:"gas_limit"`
}

// Web3Config 指向目标链定义文件。
type Web3Config struct {
	ChainsFile string `json:"chains_file"`
}

// MetricsConfig 控制 Prometheus 指标端点。
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
}

// AlertingConfig 配置告警渠道，未配置的渠道不会启用。
type AlertingConfig struct {
	DingTalkWebhook string `json:"dingtalk_webhook"`
	SlackWebhook    string `json:"slack_webhook"`
	SlackChannel    string `json:"slack_channel"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Path returns the config path from INTENT_LEDGER_CONFIG or DefaultPath.
func Path() string {
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p
	}
	return DefaultPath
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
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = "intent-ledger"
	}

	if c.Storage.EventArchive.Driver == "" {
		c.Storage.EventArchive.Driver = "memory"
	}

	if c.Relay.Driver == "" {
		c.Relay.Driver = "memory"
	}
	if c.Relay.Workers <= 0 {
		c.Relay.Workers = 4
	}
	if c.Relay.MaxAttempts <= 0 {
		c.Relay.MaxAttempts = 5
	}
	if c.Relay.QueueSize <= 0 {
		c.Relay.QueueSize = 1024
	}
	if c.Relay.ExportIntervalMs <= 0 {
		c.Relay.ExportIntervalMs = 500
	}
	if c.Relay.ExportBatchSize <= 0 {
		c.Relay.ExportBatchSize = 256
	}

	if c.Settlement.SettledSet.Driver == "" {
		c.Settlement.SettledSet.Driver = "memory"
	}
	if c.Settlement.Pool.Driver == "" {
		c.Settlement.Pool.Driver = "memory"
	}

	if c.Web3.ChainsFile != "" && !filepath.IsAbs(c.Web3.ChainsFile) {
		c.Web3.ChainsFile = filepath.Join(baseDir, c.Web3.ChainsFile)
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		c.Metrics.Address = ":9090"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}

// applyEnv 使用环境变量覆盖敏感配置。
func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvJWTSecret)); v != "" {
		c.Auth.Secret = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvMySQLDSN)); v != "" {
		c.Storage.EventArchive.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvPoolKey)); v != "" {
		c.Settlement.Pool.PrivateKey = v
	}
}

// Validate 检查配置的完整性。
func (c *Config) Validate() error {
	var errs []error
	if c.Domain.ChainID == 0 {
		errs = append(errs, errors.New("domain.chain_id 必须配置"))
	}
	if len(c.Domain.Admins) == 0 {
		errs = append(errs, errors.New("domain.admins 至少需要一个管理员"))
	}
	for _, raw := range c.Domain.Admins {
		if !common.IsHexAddress(raw) {
			errs = append(errs, fmt.Errorf("domain.admins 包含无效地址 %q", raw))
		}
	}
	for field, raw := range map[string]string{
		"domain.ledger_contract":   c.Domain.LedgerContract,
		"domain.registry_contract": c.Domain.RegistryContract,
		"domain.receiver_contract": c.Domain.ReceiverContract,
		"domain.executor_identity": c.Domain.ExecutorIdentity,
		"domain.relayer_identity":  c.Domain.RelayerIdentity,
	} {
		if !common.IsHexAddress(raw) {
			errs = append(errs, fmt.Errorf("%s 必须是有效地址", field))
		}
	}

	switch c.Auth.Mode {
	case "disabled":
	case "jwt":
		if c.Auth.Secret == "" {
			errs = append(errs, fmt.Errorf("auth.secret 必须配置，或设置 %s", EnvJWTSecret))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的 auth.mode %q", c.Auth.Mode))
	}

	switch c.Storage.EventArchive.Driver {
	case "memory":
	case "mysql":
		if c.Storage.EventArchive.DSN == "" {
			errs = append(errs, fmt.Errorf("storage.event_archive.dsn 必须配置，或设置 %s", EnvMySQLDSN))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的事件归档驱动 %q", c.Storage.EventArchive.Driver))
	}

	switch c.Relay.Driver {
	case "memory", "redis", "rabbitmq":
	default:
		errs = append(errs, fmt.Errorf("不支持的投递队列驱动 %q", c.Relay.Driver))
	}

	switch c.Settlement.SettledSet.Driver {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("不支持的结算集合驱动 %q", c.Settlement.SettledSet.Driver))
	}

	switch c.Settlement.Pool.Driver {
	case "memory":
		if raw := c.Settlement.Pool.InitialFunds; raw != "" {
			if v, ok := new(big.Int).SetString(raw, 10); !ok || v.Sign() < 0 {
				errs = append(errs, fmt.Errorf("settlement.pool.initial_funds 无效: %q", raw))
			}
		}
	case "evm":
		if c.Settlement.Pool.PrivateKey == "" {
			errs = append(errs, fmt.Errorf("settlement.pool.private_key 必须配置，或设置 %s", EnvPoolKey))
		}
		if c.Web3.ChainsFile == "" {
			errs = append(errs, errors.New("evm 资金池需要 web3.chains_file"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的资金池驱动 %q", c.Settlement.Pool.Driver))
	}
	return errors.Join(errs...)
}

// AdminAddresses returns the configured admin addresses.
func (d DomainConfig) AdminAddresses() []common.Address {
	out := make([]common.Address, 0, len(d.Admins))
	for _, raw := range d.Admins {
		out = append(out, common.HexToAddress(raw))
	}
	return out
}
