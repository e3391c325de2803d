package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"pubchat-client/internal/adapters/admin"
	"pubchat-client/internal/adapters/profile"
	"pubchat-client/internal/adapters/pubchat"
	"pubchat-client/internal/adapters/relay"
	"pubchat-client/internal/adapters/repo"
	"pubchat-client/internal/adapters/sink"
	"pubchat-client/internal/adapters/telegram"
	"pubchat-client/internal/adapters/transport"
	"pubchat-client/internal/domain"
	"pubchat-client/internal/infra/cache"
	"pubchat-client/internal/infra/config"
	"pubchat-client/internal/infra/crypto"
	"pubchat-client/internal/infra/db"
	httpinfra "pubchat-client/internal/infra/http"
	applog "pubchat-client/internal/infra/log"
	"pubchat-client/internal/infra/metrics"
	"pubchat-client/internal/infra/queue"
	"pubchat-client/internal/usecase/channels"
	"pubchat-client/internal/usecase/poller"
)

var (
	_ channels.ServerAPI = (*pubchat.Server)(nil)
	_ admin.ServerAdmin  = (*pubchat.Server)(nil)
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv, cfg.LogLevel)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		metrics.StartServer(ctx, applog.Component(logger, "metrics"), cfg.MetricsAddr)
	}

	if cfg.Identity.PrivateKey == "" {
		logger.Fatal().Msg("pubchatd: не указан ключ (IDENTITY_PRIVATE_KEY), создайте его через keygen")
	}
	identity, err := crypto.NewIdentity(cfg.Identity.PrivateKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("pubchatd: некорректный ключ")
	}
	logger.Info().Str("pubkey", identity.PublicKey()).Msg("pubchatd: ключ загружен")

	var redisClient *redis.Client
	if cfg.Storage.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Storage.RedisAddr})
		defer redisClient.Close()
	}

	storage, dedup, closeStorage := openStorage(ctx, cfg, redisClient, logger)
	defer closeStorage()

	conversation, closeSinks := buildConversation(cfg, redisClient, dedup, logger)
	defer closeSinks()

	sender := buildTransport(cfg, logger)
	localProfile := profile.NewStatic(cfg.Identity.DisplayName)
	serverKeys, err := parseServerKeys(cfg.Servers.PubKeys)
	if err != nil {
		logger.Fatal().Err(err).Msg("pubchatd: некорректные ключи серверов")
	}

	registry := channels.NewService(channels.Config{
		Servers: func(serverURL string) (channels.ServerAPI, error) {
			u, err := url.Parse(serverURL)
			if err != nil {
				return nil, err
			}
			srv, err := pubchat.NewServer(pubchat.Config{
				BaseURL:      serverURL,
				PubKey:       serverKeys[u.Host],
				Identity:     identity,
				Tokens:       storage,
				Profile:      localProfile,
				Sender:       sender,
				TokenTimeout: cfg.TokenTimeout,
				Logger:       applog.Component(logger, "pubchat"),
			})
			if err != nil {
				return nil, err
			}
			return srv, nil
		},
		Conversation:      conversation,
		Cursors:           storage,
		Subscriptions:     storage,
		Verifier:          crypto.Verifier{},
		Profile:           localProfile,
		DefaultHomeServer: cfg.Servers.DefaultFileServer,
		Intervals: poller.Intervals{
			Channel:    cfg.Poll.Channel,
			Moderators: cfg.Poll.Moderators,
			Deletions:  cfg.Poll.Deletions,
			Messages:   cfg.Poll.Messages,
		},
		Limit:  cfg.Servers.MaxChannels,
		Logger: logger,
	})
	registry.Open(ctx)

	for _, serverURL := range cfg.Servers.URLs {
		if _, err := registry.AddServer(ctx, serverURL); err != nil {
			logger.Error().Err(err).Str("server", serverURL).Msg("pubchatd: сервер недоступен")
		}
	}
	restored, err := registry.Restore(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("pubchatd: подписки не восстановлены")
	}
	logger.Info().Int("channels", restored).Msg("pubchatd: подписки восстановлены")

	srv := httpinfra.NewServer(applog.Component(logger, "http"))
	admin.NewHandler(registry, localProfile, logger).Mount(srv.Router, cfg.AdminToken)
	go func() {
		if err := srv.Start(":" + strconv.Itoa(cfg.Port)); err != nil {
			logger.Error().Err(err).Msg("pubchatd: HTTP сервер остановлен")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("pubchatd: остановка")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if err := registry.Close(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("pubchatd: не все обновления токенов завершились")
	}
}

func openStorage(ctx context.Context, cfg config.AppConfig, redisClient *redis.Client, logger zerolog.Logger) (domain.Storage, telegram.Deduper, func()) {
	var dedup telegram.Deduper
	if redisClient != nil {
		dedup = cache.NewRedis(redisClient, cfg.Storage.RedisKey)
	}
	switch cfg.Storage.Backend {
	case "postgres":
		pool, err := db.Connect(ctx, cfg.Storage.PGDSN)
		if err != nil {
			logger.Fatal().Err(err).Msg("pubchatd: нет подключения к БД")
		}
		pg := repo.NewPostgres(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			logger.Fatal().Err(err).Msg("pubchatd: не удалось подготовить схему")
		}
		return pg, dedup, pool.Close
	case "redis":
		if redisClient == nil {
			logger.Fatal().Msg("pubchatd: для STORAGE_BACKEND=redis нужен REDIS_ADDR")
		}
		store := cache.NewRedis(redisClient, cfg.Storage.RedisKey)
		return store, store, func() {}
	case "memory", "":
		logger.Warn().Msg("pubchatd: хранилище в памяти, токены и курсоры не переживут рестарт")
		return repo.NewMemory(), dedup, func() {}
	default:
		logger.Fatal().Str("backend", cfg.Storage.Backend).Msg("pubchatd: неизвестное хранилище")
		return nil, nil, nil
	}
}

func buildConversation(cfg config.AppConfig, redisClient *redis.Client, dedup telegram.Deduper, logger zerolog.Logger) (domain.Conversation, func()) {
	sinks := sink.Fanout{sink.NewLog(logger)}
	closer := func() {}

	switch cfg.Events.Backend {
	case "redis":
		if redisClient == nil {
			logger.Fatal().Msg("pubchatd: для EVENTS_BACKEND=redis нужен REDIS_ADDR")
		}
		sinks = append(sinks, sink.NewEvents(queue.NewRedisEventQueue(redisClient, cfg.Events.RedisKey)))
	case "rabbitmq":
		pub, err := queue.NewRabbitPublisher(cfg.Events.RabbitURL, cfg.Events.RabbitQueue, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("pubchatd: не удалось подключиться к RabbitMQ")
		}
		sinks = append(sinks, sink.NewEvents(pub))
		closer = func() { _ = pub.Close() }
	case "log", "":
	default:
		logger.Fatal().Str("backend", cfg.Events.Backend).Msg("pubchatd: неизвестный получатель событий")
	}

	if cfg.Telegram.Token != "" && cfg.Telegram.MirrorChatID != 0 {
		botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
		if err != nil {
			logger.Fatal().Err(err).Msg("pubchatd: не удалось создать бота")
		}
		sinks = append(sinks, telegram.NewMirror(botAPI, cfg.Telegram.MirrorChatID, dedup, logger))
	}
	return sinks, closer
}

func buildTransport(cfg config.AppConfig, logger zerolog.Logger) *transport.Adapter {
	opts := transport.Options{
		HTTPClient: &http.Client{Timeout: cfg.HTTPTimeout},
		Logger:     applog.Component(logger, "transport"),
	}
	if cfg.Relay.Enabled {
		nodes, err := relay.ParseNodes(cfg.Relay.Nodes)
		if err != nil {
			logger.Fatal().Err(err).Msg("pubchatd: некорректный список узлов (RELAY_NODES)")
		}
		paths := relay.NewStaticPaths(nodes, cfg.Relay.PathLength, relay.WithCooldown(cfg.Relay.Cooldown))
		opts.Paths = paths
		opts.Relay = relay.NewHTTPSender(
			applog.Component(logger, "relay"),
			relay.WithTimeout(cfg.Relay.Timeout),
			relay.WithBadNodeHook(paths.MarkBad),
		)
		opts.RelayEnabled = true
		opts.RelayHosts = cfg.Relay.Hosts
	}
	return transport.NewAdapter(opts)
}

func parseServerKeys(raw map[string]string) (map[string][]byte, error) {
	keys := make(map[string][]byte, len(raw))
	for host, encoded := range raw {
		key, err := crypto.DecodeServerKey(encoded)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", host, err)
		}
		keys[host] = key
	}
	return keys, nil
}
