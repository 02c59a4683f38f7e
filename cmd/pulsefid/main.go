package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"PulseFi-Session/internal/agent"
	"PulseFi-Session/internal/api"
	"PulseFi-Session/internal/config"
	"PulseFi-Session/internal/events"
	"PulseFi-Session/internal/observability/alerting"
	"PulseFi-Session/internal/route"
	"PulseFi-Session/internal/session"
	"PulseFi-Session/internal/storage/mysql"
	"PulseFi-Session/internal/trade"
	"PulseFi-Session/internal/venue"
	"PulseFi-Session/internal/web3"
	"PulseFi-Session/internal/web3/ethereum"
	"PulseFi-Session/pkg/logger"
)

// main 是 PulseFi 会话守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("pulsefid 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("加载 .env 失败: %w", err)
	}

	configPath := os.Getenv("PULSEFI_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "pulsefi.json")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	logr := logger.Named("pulsefid")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				logr.Warn("释放资源失败", slog.Any("error", err))
			}
		}
	}()

	alerts := buildAlerts(cfg)

	chain, err := buildChain(ctx, cfg)
	if err != nil {
		return err
	}
	if chain.client != nil {
		closers = append(closers, closerFunc(func() error { chain.client.Close(); return nil }))
	}

	quoters, err := buildQuoters(ctx, cfg, chain, &closers)
	if err != nil {
		return err
	}

	queue, err := buildEventQueue(ctx, cfg)
	if err != nil {
		return err
	}
	repo, err := buildAuditRepository(ctx, cfg)
	if err != nil {
		_ = queue.Close()
		return err
	}
	// 队列先于审计仓库关闭，保证消费者不会写入已关闭的连接。
	closers = append(closers, repo, queue)

	recorder := events.NewRecorder(queue, repo,
		events.WithRecorderLogger(logger.Named("events")),
		events.WithWorkerCount(cfg.Events.Workers),
		events.WithMaxAttempts(cfg.Events.MaxAttempts),
		events.WithAlertDispatcher(alerts),
	)
	recorderCtx, recorderCancel := context.WithCancel(ctx)
	defer recorderCancel()
	go func() {
		if err := recorder.Start(recorderCtx); err != nil && !errors.Is(err, context.Canceled) {
			logr.Error("审计事件消费异常退出", slog.Any("error", err))
		}
	}()

	store := session.NewMemoryStore()
	executor := trade.NewExecutor(store, chain.signer,
		trade.WithPolicy(trade.Policy{
			MinBalanceBuffer: cfg.Policy.MinBalanceBuffer,
			MaxSlippagePct:   cfg.Policy.MaxSlippagePct,
		}),
		trade.WithTimeout(cfg.Policy.TradeTimeout.Std()),
		trade.WithPublisher(queue),
	)

	scheduler := agent.NewScheduler(store, quoters, executor, agentConfig(cfg),
		agent.WithPublisher(queue),
		agent.WithAlertDispatcher(alerts),
		agent.WithLogger(logger.Named("agent")),
	)
	defer scheduler.StopAll()

	service := session.NewService(store, chain.ledger,
		session.WithAgentStopper(scheduler),
		session.WithPublisher(queue),
		session.WithAlertDispatcher(alerts),
		session.WithBaselineActionCost(cfg.Policy.BaselineActionCostUSD),
		session.WithLedgerTimeout(cfg.Web3.LedgerTimeout.Std()),
		session.WithSpendRecipient(chain.signer.Address()),
	)

	opts := []api.Option{
		api.WithEscrowAddress(chain.escrowAddress),
		api.WithDefaultAmount(cfg.Policy.DefaultSessionAmount),
		api.WithTimeouts(cfg.Server.ReadTimeout.Std(), cfg.Server.WriteTimeout.Std(), cfg.Server.ShutdownTimeout.Std()),
	}
	if chain.client != nil {
		opts = append(opts, api.WithChainProbe(chain.client.Snapshot))
	}
	server := api.NewServer(cfg.Server.Address, service, scheduler, opts...)

	logr.Info("PulseFi 守护进程启动",
		slog.String("web3_mode", cfg.Web3.Mode),
		slog.String("venues_mode", cfg.Venues.Mode),
		slog.String("events_driver", cfg.Events.Driver),
		slog.String("audit_driver", cfg.Audit.Driver),
		slog.String("escrow", chain.escrowAddress))

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logr.Info("PulseFi 守护进程退出", slog.Int("running_agents", scheduler.Running()))
	return nil
}

// chainStack 汇总链相关的组件。memory 模式下 client 为 nil。
type chainStack struct {
	client        *ethereum.Client
	ledger        web3.EscrowLedger
	signer        web3.Signer
	escrowAddress string
	quoter        string
}

func buildChain(ctx context.Context, cfg *config.Config) (chainStack, error) {
	defs, err := web3.LoadChainDefinitions(cfg.Web3.ChainsFile)
	if err != nil {
		return chainStack{}, err
	}
	var (
		name string
		def  web3.ChainDefinition
	)
	if len(defs.Chains) > 0 {
		if name, def, err = defs.Resolve(cfg.Web3.Network); err != nil {
			return chainStack{}, err
		}
	}

	stack := chainStack{
		escrowAddress: firstNonEmpty(def.Escrow, cfg.Web3.EscrowAddress),
		quoter:        firstNonEmpty(cfg.Venues.Uniswap.QuoterAddress, def.Quoter),
	}
	rpcURL := firstNonEmpty(cfg.Web3.RPCURL, def.RPCURL)
	needsClient := cfg.Web3.Mode == "chain" || (cfg.Venues.Mode == "live" && rpcURL != "")
	if needsClient {
		client, err := ethereum.NewClient(ctx, ethereum.Config{
			Name:    firstNonEmpty(name, "default"),
			RPCURL:  rpcURL,
			ChainID: cfg.Web3.ExpectedChainID,
			Notes:   def.Description,
		})
		if err != nil {
			return chainStack{}, err
		}
		if _, err := client.VerifyChainID(ctx); err != nil {
			client.Close()
			return chainStack{}, err
		}
		stack.client = client
	}

	if cfg.Web3.Mode != "chain" {
		stack.ledger = web3.NewMemoryLedger()
		stack.signer = web3.NewMemorySigner(common.Address{}, 0)
		return stack, nil
	}

	key, err := ethereum.ParsePrivateKey(cfg.BackendPrivateKey)
	if err != nil {
		stack.client.Close()
		return chainStack{}, err
	}
	tx, err := ethereum.NewTransactor(ctx, stack.client.Backend(), key)
	if err != nil {
		stack.client.Close()
		return chainStack{}, err
	}
	ledger, err := ethereum.NewEscrowContract(tx, ethereum.EscrowConfig{
		Escrow:   web3.Address(stack.escrowAddress),
		Token:    web3.Address(firstNonEmpty(cfg.Web3.TokenAddress, def.USDC)),
		Decimals: cfg.Venues.InDecimals,
	})
	if err != nil {
		stack.client.Close()
		return chainStack{}, err
	}
	signer, err := ethereum.NewRouterSigner(tx, ethereum.RouterConfig{
		Router:      web3.Address(firstNonEmpty(cfg.Web3.RouterAddress, def.UniversalRouter)),
		InDecimals:  cfg.Venues.InDecimals,
		OutDecimals: cfg.Venues.OutDecimals,
	})
	if err != nil {
		stack.client.Close()
		return chainStack{}, err
	}
	stack.ledger = ledger
	stack.signer = signer
	return stack, nil
}

func buildQuoters(ctx context.Context, cfg *config.Config, chain chainStack, closers *[]io.Closer) ([]venue.Quoter, error) {
	var quoters []venue.Quoter
	switch cfg.Venues.Mode {
	case "live":
		if chain.client == nil {
			return nil, errors.New("venues.mode=live 需要可用的 RPC 地址")
		}
		lifi := venue.NewLiFiQuoter(venue.LiFiConfig{
			BaseURL:        cfg.Venues.LiFi.BaseURL,
			Integrator:     cfg.Venues.LiFi.Integrator,
			APIKey:         cfg.LiFiAPIKey(),
			Timeout:        cfg.Venues.LiFi.Timeout.Std(),
			InDecimals:     cfg.Venues.InDecimals,
			OutDecimals:    cfg.Venues.OutDecimals,
			FallbackGasUSD: cfg.Venues.Uniswap.GasUSD,
		})
		uniswap, err := venue.NewUniswapQuoter(chain.client.Backend(), venue.UniswapConfig{
			Quoter:      web3.Address(chain.quoter),
			Fee:         cfg.Venues.Uniswap.Fee,
			InDecimals:  cfg.Venues.InDecimals,
			OutDecimals: cfg.Venues.OutDecimals,
			GasUSD:      cfg.Venues.Uniswap.GasUSD,
		})
		if err != nil {
			return nil, err
		}
		quoters = []venue.Quoter{lifi, uniswap}
	default:
		for _, q := range cfg.Venues.Static {
			quoters = append(quoters, &venue.StaticQuoter{
				VenueName:      q.Venue,
				Rate:           q.Rate,
				GasUSD:         q.GasUSD,
				PriceImpactPct: q.PriceImpactPct,
			})
		}
	}

	var cache venue.Cache
	switch cfg.Venues.Cache.Driver {
	case "none":
		return quoters, nil
	case "redis":
		redisCache, err := venue.NewRedisCache(ctx, venue.RedisCacheConfig{
			Address:  cfg.Venues.Cache.Address,
			Password: cfg.Venues.Cache.Password,
			DB:       cfg.Venues.Cache.DB,
			Prefix:   cfg.Venues.Cache.Prefix,
		})
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, redisCache)
		cache = redisCache
	default:
		cache = venue.NewMemoryCache()
	}
	for i, q := range quoters {
		quoters[i] = venue.NewCachedQuoter(q, cache, cfg.Venues.Cache.TTL.Std())
	}
	return quoters, nil
}

func buildEventQueue(ctx context.Context, cfg *config.Config) (events.Queue, error) {
	switch cfg.Events.Driver {
	case "redis":
		return events.NewRedisQueue(ctx, events.RedisQueueConfig{
			Address:   cfg.Events.Redis.Address,
			Password:  cfg.Events.Redis.Password,
			DB:        cfg.Events.Redis.DB,
			Queue:     cfg.Events.Redis.Queue,
			BlockWait: cfg.Events.Redis.BlockWait.Std(),
		})
	case "rabbitmq":
		return events.NewRabbitMQQueue(events.RabbitMQConfig{
			URL:      cfg.Events.RabbitMQ.URL,
			Queue:    cfg.Events.RabbitMQ.Queue,
			Prefetch: cfg.Events.RabbitMQ.Prefetch,
			Durable:  true,
		})
	default:
		return events.NewMemoryQueue(cfg.Events.BufferSize), nil
	}
}

func buildAuditRepository(ctx context.Context, cfg *config.Config) (mysql.AuditRepository, error) {
	switch cfg.Audit.Driver {
	case "mysql":
		return mysql.NewSQLAuditRepository(ctx, mysql.Config{
			DSN:          cfg.Audit.DSN,
			MaxOpenConns: cfg.Audit.MaxOpenConns,
			MaxIdleConns: cfg.Audit.MaxIdleConns,
		})
	default:
		return mysql.NewFileAuditRepository(cfg.Audit.DataDir)
	}
}

func buildAlerts(cfg *config.Config) alerting.Dispatcher {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if url := strings.TrimSpace(cfg.Alerts.WebhookURL); url != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(url, cfg.Alerts.Timeout.Std()))
	}
	return alerting.NewFanout(notifiers...)
}

func agentConfig(cfg *config.Config) agent.Config {
	return agent.Config{
		Interval:           cfg.Agent.Interval.Std(),
		DemoInterval:       cfg.Agent.DemoInterval.Std(),
		ScanDelay:          cfg.Agent.ScanDelay.Std(),
		DemoScanDelay:      cfg.Agent.DemoScanDelay.Std(),
		RebalanceDelay:     cfg.Agent.RebalanceDelay.Std(),
		DemoRebalanceDelay: cfg.Agent.DemoRebalanceDelay.Std(),
		QuoteTimeout:       cfg.Agent.QuoteTimeout.Std(),
		ActionCost:         cfg.Agent.ActionCost,
		TradeAmount:        cfg.Agent.TradeAmount,
		ChainID:            cfg.Venues.ChainID,
		FromToken:          common.HexToAddress(cfg.Venues.FromToken),
		ToToken:            common.HexToAddress(cfg.Venues.ToToken),
		FromSymbol:         cfg.Venues.FromSymbol,
		ToSymbol:           cfg.Venues.ToSymbol,
		RoutePolicy: route.Policy{
			MaterialityPct:        cfg.Policy.MaterialityPct,
			ExecutionThresholdPct: cfg.Policy.ExecutionThresholdPct,
			PreferredVenue:        cfg.Agent.PreferredVenue,
		},
		IdleLogLimit: cfg.Agent.IdleLogLimit,
		LogLimit:     cfg.Agent.LogLimit,
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
