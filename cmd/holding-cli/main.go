package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/84hero/holding-mirror/pkg/config"
	"github.com/84hero/holding-mirror/pkg/decoder"
	"github.com/84hero/holding-mirror/pkg/metrics"
	"github.com/84hero/holding-mirror/pkg/mirror"
	"github.com/84hero/holding-mirror/pkg/rpc"
	"github.com/84hero/holding-mirror/pkg/session"
	"github.com/84hero/holding-mirror/pkg/sink"
	"github.com/84hero/holding-mirror/pkg/subscription"
	"github.com/84hero/holding-mirror/pkg/token"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/spf13/viper"
)

// --- Configuration Structs ---

type AppConfig struct {
	Outputs  OutputsConfig  `mapstructure:"outputs"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
}

type DispatchConfig struct {
	BufferSize int           `mapstructure:"buffer_size"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type OutputsConfig struct {
	Webhook  WebhookOutputConfig  `mapstructure:"webhook"`
	File     FileOutputConfig     `mapstructure:"file"`
	Console  ConsoleOutputConfig  `mapstructure:"console"`
	Postgres PostgresOutputConfig `mapstructure:"postgres"`
	Redis    RedisOutputConfig    `mapstructure:"redis"`
	Kafka    KafkaOutputConfig    `mapstructure:"kafka"`
	RabbitMQ RabbitMQOutputConfig `mapstructure:"rabbitmq"`
}

type WebhookOutputConfig struct {
	Enabled    bool        `mapstructure:"enabled"`
	URL        string      `mapstructure:"url"`
	Secret     string      `mapstructure:"secret"`
	Retry      RetryConfig `mapstructure:"retry"`
	Async      bool        `mapstructure:"async"`
	BufferSize int         `mapstructure:"buffer_size"`
	Workers    int         `mapstructure:"workers"`
}

type FileOutputConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type ConsoleOutputConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type PostgresOutputConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Table   string `mapstructure:"table"`
}

type RedisOutputConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Key      string `mapstructure:"key"`
	Mode     string `mapstructure:"mode"`
}

type KafkaOutputConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Brokers  []string `mapstructure:"brokers"`
	Topic    string   `mapstructure:"topic"`
	User     string   `mapstructure:"user"`
	Password string   `mapstructure:"password"`
}

type RabbitMQOutputConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	URL        string `mapstructure:"url"`
	Exchange   string `mapstructure:"exchange"`
	RoutingKey string `mapstructure:"routing_key"`
	QueueName  string `mapstructure:"queue_name"`
	Durable    bool   `mapstructure:"durable"`
}

type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

// --- Helper Functions ---

func loadAppConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("HOLDING_APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func initOutputs(appCfg *AppConfig) []sink.Output {
	var outputs []sink.Output
	o := appCfg.Outputs

	if o.Webhook.Enabled {
		wh := o.Webhook
		outputs = append(outputs, sink.NewWebhookOutput(sink.WebhookConfig{
			URL:            wh.URL,
			Secret:         wh.Secret,
			MaxAttempts:    wh.Retry.MaxAttempts,
			InitialBackoff: wh.Retry.InitialBackoff,
			MaxBackoff:     wh.Retry.MaxBackoff,
			Async:          wh.Async,
			BufferSize:     wh.BufferSize,
			Workers:        wh.Workers,
		}))
	}

	if o.File.Enabled {
		if fo, err := sink.NewFileOutput(o.File.Path); err == nil {
			outputs = append(outputs, fo)
		} else {
			log.Error("File output disabled", "path", o.File.Path, "err", err)
		}
	}

	if o.Console.Enabled {
		outputs = append(outputs, sink.NewConsoleOutput())
	}

	if o.Postgres.Enabled {
		if po, err := sink.NewPostgresOutput(o.Postgres.URL, o.Postgres.Table); err == nil {
			outputs = append(outputs, po)
		} else {
			log.Error("Postgres output disabled", "err", err)
		}
	}

	if o.Redis.Enabled {
		if ro, err := sink.NewRedisOutput(o.Redis.Addr, o.Redis.Password, o.Redis.DB, o.Redis.Key, o.Redis.Mode); err == nil {
			outputs = append(outputs, ro)
		} else {
			log.Error("Redis output disabled", "addr", o.Redis.Addr, "err", err)
		}
	}

	if o.Kafka.Enabled {
		if ko, err := sink.NewKafkaOutput(o.Kafka.Brokers, o.Kafka.Topic, o.Kafka.User, o.Kafka.Password); err == nil {
			outputs = append(outputs, ko)
		} else {
			log.Error("Kafka output disabled", "err", err)
		}
	}

	if o.RabbitMQ.Enabled {
		if ro, err := sink.NewRabbitMQOutput(o.RabbitMQ.URL, o.RabbitMQ.Exchange, o.RabbitMQ.RoutingKey, o.RabbitMQ.QueueName, o.RabbitMQ.Durable); err == nil {
			outputs = append(outputs, ro)
		} else {
			log.Error("RabbitMQ output disabled", "err", err)
		}
	}

	return outputs
}

func logLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return log.LevelDebug
	case "warn":
		return log.LevelWarn
	case "error":
		return log.LevelError
	default:
		return log.LevelInfo
	}
}

func setupLogger(cfg config.LogConfig) {
	lvl := logLevel(cfg.Level)
	if cfg.Format == "json" {
		log.SetDefault(log.NewLogger(log.JSONHandlerWithLevel(os.Stderr, lvl)))
		return
	}
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, lvl, true)))
}

// initPrices builds the price book from the configured feeds.
func initPrices(cfg *config.Config, m *metrics.Metrics) *token.PriceBook {
	var feeds []token.Feed
	if cfg.Prices.NativePriceID != "" {
		feeds = append(feeds, token.NewPythFeed(token.PythConfig{
			URL:     cfg.Prices.HermesURL,
			PriceID: cfg.Prices.NativePriceID,
			Symbol:  cfg.Network.NativeSymbol,
			MaxAge:  cfg.Prices.MaxAge,
		}, nil))
	}
	if symbols := cfg.TokenSymbols(); len(symbols) > 0 {
		feeds = append(feeds, token.NewSaucerSwapFeed(cfg.Prices.SaucerSwapURL, cfg.Prices.SaucerSwapAPIKey, symbols, nil))
	}
	book := token.NewPriceBook(cfg.Prices.Interval, feeds...)
	book.OnFailure(func(feed string, err error) { m.PriceFailure(feed) })
	return book
}

// initLive connects the streaming feed. A nil adapter means history only.
func initLive(ctx context.Context, cfg *config.Config, reg *decoder.Registry, m *metrics.Metrics) (*subscription.Adapter, *rpc.MultiClient) {
	if !cfg.Live.Enabled {
		return nil, nil
	}
	client, err := rpc.NewClient(ctx, cfg.RPC)
	if err != nil {
		log.Warn("Live feed disabled, no rpc node reachable", "err", err)
		return nil, nil
	}
	if cfg.Network.ChainID != 0 {
		if id, err := client.ChainID(ctx); err == nil && id.Uint64() != cfg.Network.ChainID {
			log.Warn("RPC chain id differs from configured network", "rpc", id, "configured", cfg.Network.ChainID)
		}
	}
	adapter := subscription.NewAdapter(client, reg, cfg.Contract(), subscription.Config{
		Buffer:     cfg.Live.Buffer,
		MaxBackoff: cfg.Live.MaxBackoff,
	})
	adapter.OnDecodeError = func(types.Log, error) { m.DecodeFailure("live") }
	return adapter, client
}

func main() {
	if err := Run(context.Background()); err != nil && !errors.Is(err, context.Canceled) {
		log.Crit("Application failed", "err", err)
		os.Exit(1)
	}
}

// Run is the testable entry point of the CLI application
func Run(ctx context.Context) error {
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, log.LevelInfo, true)))

	coreConfigFile := os.Getenv("CONFIG_FILE")
	if coreConfigFile == "" {
		coreConfigFile = "config.yaml"
	}
	cfg, err := config.Load(coreConfigFile)
	if err != nil {
		return err
	}
	setupLogger(cfg.Log)

	if cfg.Account == "" {
		return errors.New("account is required")
	}

	appConfigFile := os.Getenv("APP_CONFIG_FILE")
	if appConfigFile == "" {
		appConfigFile = "app.yaml"
	}
	appCfg, err := loadAppConfig(appConfigFile)
	if err != nil {
		log.Warn("Failed to load app config", "err", err)
		appCfg = &AppConfig{}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := metrics.New()

	mc, err := mirror.NewClient(mirror.Config{
		URL:       cfg.Network.MirrorNodeURL,
		PageSize:  cfg.Replay.PageSize,
		PageDelay: cfg.Replay.PageDelay,
	}, nil)
	if err != nil {
		return err
	}
	mc.OnPage = func(int) { m.Page() }

	resolver, err := token.NewResolver(mc, token.Native{Symbol: cfg.Network.NativeSymbol, Decimals: cfg.Network.NativeDecimals}, cfg.TokenCacheSize)
	if err != nil {
		return err
	}

	reg := decoder.NewRegistry()
	live, rpcClient := initLive(runCtx, cfg, reg, m)
	if rpcClient != nil {
		defer rpcClient.Close()
	}

	deps := session.Deps{
		Mirror:   mc,
		Registry: reg,
		Resolver: resolver,
		Prices:   initPrices(cfg, m),
		Metrics:  m,
	}
	// a nil *Adapter must not become a non-nil interface
	if live != nil {
		deps.Live = live
	}
	sess, err := session.New(session.Config{ContractID: cfg.Network.ContractID, QueueSize: cfg.Replay.QueueSize}, deps)
	if err != nil {
		return err
	}
	defer sess.Close()

	dispatcher := sink.NewDispatcher(initOutputs(appCfg), appCfg.Dispatch.BufferSize, appCfg.Dispatch.Timeout, func(output string, err error) {
		m.SinkFailure(output)
	})
	stopObserving := sess.Store().Observe(dispatcher.Observer())
	defer func() {
		stopObserving()
		if err := dispatcher.Close(); err != nil {
			log.Warn("Closing outputs failed", "err", err)
		}
	}()

	if cfg.Metrics.Enabled {
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: newAPI(sess, m).Handler()}
		go func() {
			log.Info("HTTP endpoint listening", "addr", cfg.Metrics.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("HTTP endpoint failed", "err", err)
			}
		}()
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if err := sess.Start(runCtx, cfg.Account); err != nil {
		return err
	}
	snap := sess.Snapshot()
	log.Info("Holding state ready", "account", snap.Account.Hex(), "stakes", len(snap.Stakes), "epoch", snap.Epoch.ID, "applied", snap.Applied)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
		log.Info("Shutting down...")
	case <-ctx.Done():
	}
	return nil
}
