package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"PulseFi-Session/pkg/logger"
)

// Config 描述了 PulseFi 守护进程在启动阶段需要加载的全部配置。
type Config struct {
	Server  ServerConfig  `json:"server"`
	Logging logger.Config `json:"logging"`
	Web3    Web3Config    `json:"web3"`
	Venues  VenuesConfig  `json:"venues"`
	Agent   AgentConfig   `json:"agent"`
	Policy  PolicyConfig  `json:"policy"`
	Events  EventsConfig  `json:"events"`
	Audit   AuditConfig   `json:"audit"`
	Alerts  AlertsConfig  `json:"alerts"`
	Runtime RuntimeConfig `json:"runtime"`

	// BackendPrivateKey 只从环境变量读取，不允许写在配置文件中。
	BackendPrivateKey string `json:"-"`
	lifiAPIKey        string
}

// ServerConfig 控制 HTTP 服务的监听地址与超时。
type ServerConfig struct {
	Address         string   `json:"address"`
	ReadTimeout     Duration `json:"read_timeout"`
	WriteTimeout    Duration `json:"write_timeout"`
	ShutdownTimeout Duration `json:"shutdown_timeout"`
}

// Web3Config 描述链连接与托管合约。Mode 为 memory 时使用进程内账本。
type Web3Config struct {
	Mode            string   `json:"mode"`
	RPCURL          string   `json:"rpc_url"`
	ExpectedChainID int64    `json:"expected_chain_id"`
	ChainsFile      string   `json:"chains_file"`
	Network         string   `json:"network"`
	EscrowAddress   string   `json:"escrow_address"`
	TokenAddress    string   `json:"token_address"`
	RouterAddress   string   `json:"router_address"`
	TxTimeout       Duration `json:"tx_timeout"`
	LedgerTimeout   Duration `json:"ledger_timeout"`
}

// VenuesConfig 描述报价来源。Mode 为 static 时使用固定汇率。
type VenuesConfig struct {
	Mode        string         `json:"mode"`
	ChainID     int64          `json:"chain_id"`
	FromToken   string         `json:"from_token"`
	ToToken     string         `json:"to_token"`
	FromSymbol  string         `json:"from_symbol"`
	ToSymbol    string         `json:"to_symbol"`
	InDecimals  int32          `json:"in_decimals"`
	OutDecimals int32          `json:"out_decimals"`
	LiFi        LiFiConfig     `json:"lifi"`
	Uniswap     UniswapConfig  `json:"uniswap"`
	Static      []StaticQuote  `json:"static"`
	Cache       QuoteCacheSpec `json:"cache"`
}

// LiFiConfig 是 LI.FI 聚合器的 HTTP 参数。
type LiFiConfig struct {
	BaseURL    string   `json:"base_url"`
	Integrator string   `json:"integrator"`
	Timeout    Duration `json:"timeout"`
}

// UniswapConfig 是 Uniswap quoter 合约参数。
type UniswapConfig struct {
	QuoterAddress string          `json:"quoter_address"`
	Fee           int64           `json:"fee"`
	GasUSD        decimal.Decimal `json:"gas_usd"`
}

// StaticQuote 是 static 模式下某个交易场所的固定报价。
type StaticQuote struct {
	Venue          string          `json:"venue"`
	Rate           decimal.Decimal `json:"rate"`
	GasUSD         decimal.Decimal `json:"gas_usd"`
	PriceImpactPct decimal.Decimal `json:"price_impact_pct"`
}

// QuoteCacheSpec 控制报价缓存，Driver 可选 none、memory、redis。
type QuoteCacheSpec struct {
	Driver   string   `json:"driver"`
	TTL      Duration `json:"ttl"`
	Address  string   `json:"address"`
	Password string   `json:"password"`
	DB       int      `json:"db"`
	Prefix   string   `json:"prefix"`
}

// AgentConfig 控制后台 Agent 的节奏。
type AgentConfig struct {
	Interval           Duration        `json:"interval"`
	DemoInterval       Duration        `json:"demo_interval"`
	ScanDelay          Duration        `json:"scan_delay"`
	DemoScanDelay      Duration        `json:"demo_scan_delay"`
	RebalanceDelay     Duration        `json:"rebalance_delay"`
	DemoRebalanceDelay Duration        `json:"demo_rebalance_delay"`
	QuoteTimeout       Duration        `json:"quote_timeout"`
	TradeAmount        decimal.Decimal `json:"trade_amount"`
	ActionCost         decimal.Decimal `json:"action_cost"`
	PreferredVenue     string          `json:"preferred_venue"`
	IdleLogLimit       int             `json:"idle_log_limit"`
	LogLimit           int             `json:"log_limit"`
}

// PolicyConfig 汇总比较器、执行器与结算使用的策略常量。
type PolicyConfig struct {
	MaterialityPct        decimal.Decimal `json:"materiality_pct"`
	ExecutionThresholdPct decimal.Decimal `json:"execution_threshold_pct"`
	MinBalanceBuffer      decimal.Decimal `json:"min_balance_buffer"`
	MaxSlippagePct        decimal.Decimal `json:"max_slippage_pct"`
	BaselineActionCostUSD decimal.Decimal `json:"baseline_action_cost_usd"`
	DefaultSessionAmount  decimal.Decimal `json:"default_session_amount"`
	TradeTimeout          Duration        `json:"trade_timeout"`
}

// EventsConfig 描述审计事件队列。Driver 可选 memory、redis、rabbitmq。
type EventsConfig struct {
	Driver      string         `json:"driver"`
	BufferSize  int            `json:"buffer_size"`
	Workers     int            `json:"workers"`
	MaxAttempts int            `json:"max_attempts"`
	Redis       RedisQueueSpec `json:"redis"`
	RabbitMQ    RabbitMQSpec   `json:"rabbitmq"`
}

// RedisQueueSpec 是 Redis 队列的连接参数。
type RedisQueueSpec struct {
	Address   string   `json:"address"`
	Password  string   `json:"password"`
	DB        int      `json:"db"`
	Queue     string   `json:"queue"`
	BlockWait Duration `json:"block_wait"`
}

// RabbitMQSpec 是 RabbitMQ 队列的连接参数。
type RabbitMQSpec struct {
	URL      string `json:"url"`
	Queue    string `json:"queue"`
	Prefetch int    `json:"prefetch"`
}

// AuditConfig 描述审计事件的持久化。Driver 可选 file、mysql。
type AuditConfig struct {
	Driver       string `json:"driver"`
	DSN          string `json:"dsn"`
	DataDir      string `json:"data_dir"`
	MaxOpenConns int    `json:"max_open_conns"`
	MaxIdleConns int    `json:"max_idle_conns"`
}

// AlertsConfig 描述告警渠道。
type AlertsConfig struct {
	WebhookURL string   `json:"webhook_url"`
	Timeout    Duration `json:"timeout"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load 负责解析指定路径的 JSON 配置文件，并叠加环境变量。
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

	cfg.applyEnv(os.LookupEnv)
	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回不依赖配置文件的默认配置，数据目录相对于 baseDir。
func Default(baseDir string) *Config {
	var cfg Config
	cfg.applyEnv(os.LookupEnv)
	cfg.applyDefaults(baseDir)
	return &cfg
}

type lookupFunc func(key string) (string, bool)

// applyEnv 用环境变量覆盖敏感或与部署相关的字段。
func (c *Config) applyEnv(lookup lookupFunc) {
	if v, ok := lookup("BACKEND_PRIVATE_KEY"); ok {
		c.BackendPrivateKey = strings.TrimSpace(v)
	}
	if v, ok := lookup("PULSEFI_RPC_URL"); ok && v != "" {
		c.Web3.RPCURL = v
	}
	if v, ok := lookup("SESSION_ESCROW_ADDRESS"); ok && v != "" {
		c.Web3.EscrowAddress = v
	}
	if v, ok := lookup("PULSEFI_MYSQL_DSN"); ok && v != "" {
		c.Audit.DSN = v
	}
	if v, ok := lookup("LIFI_API_KEY"); ok && v != "" {
		c.lifiAPIKey = v
	}
	if v, ok := lookup("PULSEFI_HTTP_ADDRESS"); ok && v != "" {
		c.Server.Address = v
	}
	if v, ok := lookup("PULSEFI_EXPECTED_CHAIN_ID"); ok {
		if id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			c.Web3.ExpectedChainID = id
		}
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":3001"
	}
	setDuration(&c.Server.ReadTimeout, 15*time.Second)
	setDuration(&c.Server.WriteTimeout, 30*time.Second)
	setDuration(&c.Server.ShutdownTimeout, 10*time.Second)

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Web3.Mode == "" {
		c.Web3.Mode = "memory"
	}
	if c.Web3.ExpectedChainID == 0 {
		c.Web3.ExpectedChainID = 84532
	}
	setDuration(&c.Web3.TxTimeout, 20*time.Second)
	setDuration(&c.Web3.LedgerTimeout, 30*time.Second)
	if c.Web3.EscrowAddress == "" {
		c.Web3.EscrowAddress = "0x66B72352B6C3F71320F24683f3ee91e84C23667c"
	}
	c.Web3.ChainsFile = resolvePath(baseDir, c.Web3.ChainsFile)

	if c.Venues.Mode == "" {
		c.Venues.Mode = "static"
	}
	if c.Venues.ChainID == 0 {
		c.Venues.ChainID = 8453
	}
	c.Venues.FromToken = firstNonEmpty(c.Venues.FromToken, "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	c.Venues.ToToken = firstNonEmpty(c.Venues.ToToken, "0x4200000000000000000000000000000000000006")
	c.Venues.FromSymbol = firstNonEmpty(c.Venues.FromSymbol, "USDC")
	c.Venues.ToSymbol = firstNonEmpty(c.Venues.ToSymbol, "WETH")
	if c.Venues.InDecimals == 0 {
		c.Venues.InDecimals = 6
	}
	if c.Venues.OutDecimals == 0 {
		c.Venues.OutDecimals = 18
	}
	c.Venues.LiFi.BaseURL = firstNonEmpty(c.Venues.LiFi.BaseURL, "https://li.quest/v1")
	setDuration(&c.Venues.LiFi.Timeout, 5*time.Second)
	if c.Venues.Uniswap.Fee == 0 {
		c.Venues.Uniswap.Fee = 3000
	}
	setDecimal(&c.Venues.Uniswap.GasUSD, "0.45")
	if len(c.Venues.Static) == 0 {
		c.Venues.Static = []StaticQuote{
			{Venue: "LiFi", Rate: decimal.RequireFromString("0.000302"), GasUSD: decimal.RequireFromString("0.65"), PriceImpactPct: decimal.RequireFromString("0.2")},
			{Venue: "Uniswap", Rate: decimal.RequireFromString("0.0003"), GasUSD: decimal.RequireFromString("0.45"), PriceImpactPct: decimal.RequireFromString("0.1")},
		}
	}
	if c.Venues.Cache.Driver == "" {
		c.Venues.Cache.Driver = "memory"
	}
	setDuration(&c.Venues.Cache.TTL, 3*time.Second)
	c.Venues.Cache.Prefix = firstNonEmpty(c.Venues.Cache.Prefix, "pulsefi:quote:")

	setDuration(&c.Agent.Interval, 5*time.Second)
	setDuration(&c.Agent.DemoInterval, 1500*time.Millisecond)
	setDuration(&c.Agent.ScanDelay, 5*time.Second)
	setDuration(&c.Agent.DemoScanDelay, time.Second)
	setDuration(&c.Agent.RebalanceDelay, 15*time.Second)
	setDuration(&c.Agent.DemoRebalanceDelay, 3*time.Second)
	setDuration(&c.Agent.QuoteTimeout, 5*time.Second)
	setDecimal(&c.Agent.TradeAmount, "10")
	setDecimal(&c.Agent.ActionCost, "0.10")
	c.Agent.PreferredVenue = firstNonEmpty(c.Agent.PreferredVenue, "Uniswap")
	if c.Agent.IdleLogLimit <= 0 {
		c.Agent.IdleLogLimit = 5
	}
	if c.Agent.LogLimit <= 0 {
		c.Agent.LogLimit = 200
	}

	setDecimal(&c.Policy.MaterialityPct, "0.05")
	setDecimal(&c.Policy.ExecutionThresholdPct, "0.1")
	setDecimal(&c.Policy.MinBalanceBuffer, "1.0")
	setDecimal(&c.Policy.MaxSlippagePct, "1.0")
	setDecimal(&c.Policy.BaselineActionCostUSD, "0.50")
	setDecimal(&c.Policy.DefaultSessionAmount, "25")
	setDuration(&c.Policy.TradeTimeout, 20*time.Second)

	if c.Events.Driver == "" {
		c.Events.Driver = "memory"
	}
	if c.Events.BufferSize <= 0 {
		c.Events.BufferSize = 256
	}
	if c.Events.Workers <= 0 {
		c.Events.Workers = 2
	}
	if c.Events.MaxAttempts <= 0 {
		c.Events.MaxAttempts = 3
	}
	c.Events.Redis.Queue = firstNonEmpty(c.Events.Redis.Queue, "pulsefi:events")
	setDuration(&c.Events.Redis.BlockWait, 5*time.Second)
	c.Events.RabbitMQ.Queue = firstNonEmpty(c.Events.RabbitMQ.Queue, "pulsefi.events")
	if c.Events.RabbitMQ.Prefetch <= 0 {
		c.Events.RabbitMQ.Prefetch = 16
	}

	setDuration(&c.Alerts.Timeout, 5*time.Second)

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else {
		c.Runtime.DataDir = resolvePath(baseDir, c.Runtime.DataDir)
	}

	if c.Audit.Driver == "" {
		c.Audit.Driver = "file"
	}
	if c.Audit.DataDir == "" {
		c.Audit.DataDir = c.Runtime.DataDir
	} else {
		c.Audit.DataDir = resolvePath(baseDir, c.Audit.DataDir)
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, "audit.log")
	}
}

// Validate 检查互相依赖的字段。
func (c *Config) Validate() error {
	switch c.Web3.Mode {
	case "memory":
	case "chain":
		if strings.TrimSpace(c.Web3.RPCURL) == "" && c.Web3.ChainsFile == "" {
			return errors.New("web3.mode=chain 需要 rpc_url 或 chains_file")
		}
		if c.BackendPrivateKey == "" {
			return errors.New("web3.mode=chain 需要环境变量 BACKEND_PRIVATE_KEY")
		}
	default:
		return fmt.Errorf("未知的 web3.mode: %s", c.Web3.Mode)
	}
	switch c.Venues.Mode {
	case "static", "live":
	default:
		return fmt.Errorf("未知的 venues.mode: %s", c.Venues.Mode)
	}
	switch c.Events.Driver {
	case "memory", "redis", "rabbitmq":
	default:
		return fmt.Errorf("未知的 events.driver: %s", c.Events.Driver)
	}
	switch c.Audit.Driver {
	case "file":
	case "mysql":
		if strings.TrimSpace(c.Audit.DSN) == "" {
			return errors.New("audit.driver=mysql 需要 dsn")
		}
	default:
		return fmt.Errorf("未知的 audit.driver: %s", c.Audit.Driver)
	}
	if !c.Policy.ExecutionThresholdPct.IsPositive() {
		return errors.New("policy.execution_threshold_pct 必须为正数")
	}
	return nil
}

// LiFiAPIKey 返回从环境变量读取的 LI.FI API key。
func (c *Config) LiFiAPIKey() string {
	return c.lifiAPIKey
}

func setDuration(d *Duration, def time.Duration) {
	if *d <= 0 {
		*d = Duration(def)
	}
}

func setDecimal(d *decimal.Decimal, def string) {
	if d.IsZero() {
		*d = decimal.RequireFromString(def)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func resolvePath(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
