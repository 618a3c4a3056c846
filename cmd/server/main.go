// Command server starts the StreamHaven session management service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"streamhaven/internal/api"
	"streamhaven/internal/auth"
	"streamhaven/internal/cache"
	"streamhaven/internal/gateway"
	"streamhaven/internal/observability/logging"
	"streamhaven/internal/observability/metrics"
	"streamhaven/internal/proc"
	"streamhaven/internal/quality"
	"streamhaven/internal/recording"
	"streamhaven/internal/server"
	"streamhaven/internal/session"
	"streamhaven/internal/store"
	"streamhaven/internal/viewers"
)

type keyValueFlag map[string]string

func (kv *keyValueFlag) String() string {
	if kv == nil || len(*kv) == 0 {
		return ""
	}
	parts := make([]string, 0, len(*kv))
	for key, value := range *kv {
		parts = append(parts, fmt.Sprintf("%s=%s", key, value))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func (kv *keyValueFlag) Set(value string) error {
	parts := strings.SplitN(value, "=", 2)
	if len(parts) != 2 {
		return fmt.Errorf("invalid format %q, expected id=secret", value)
	}
	id := strings.TrimSpace(parts[0])
	if id == "" {
		return fmt.Errorf("owner id is required")
	}
	if *kv == nil {
		*kv = make(map[string]string)
	}
	(*kv)[id] = strings.TrimSpace(parts[1])
	return nil
}

func main() {
	// Missing .env files are fine; environment variables win regardless.
	_ = godotenv.Load()

	addr := flag.String("addr", "", "HTTP listen address")
	storeDriver := flag.String("store", "", "session store driver (memory or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string for the session store")
	cacheDriver := flag.String("cache", "", "session cache driver (memory or redis)")
	redisAddr := flag.String("cache-redis-addr", "", "Redis address for the session cache")
	redisAddrs := flag.String("cache-redis-addrs", "", "comma separated Redis addresses for the session cache")
	redisUsername := flag.String("cache-redis-username", "", "Redis username for the session cache")
	redisPassword := flag.String("cache-redis-password", "", "Redis password for the session cache")
	redisMasterName := flag.String("cache-redis-sentinel-master", "", "Redis sentinel master name for the session cache")
	redisPoolSize := flag.Int("cache-redis-pool-size", 0, "maximum Redis connections for the session cache")
	redisTLSCA := flag.String("cache-redis-tls-ca", "", "path to Redis TLS CA certificate")
	redisTLSCert := flag.String("cache-redis-tls-cert", "", "path to Redis TLS client certificate")
	redisTLSKey := flag.String("cache-redis-tls-key", "", "path to Redis TLS client key")
	redisTLSServerName := flag.String("cache-redis-tls-server-name", "", "override Redis TLS server name")
	redisTLSSkipVerify := flag.Bool("cache-redis-tls-skip-verify", false, "skip Redis TLS verification")
	cacheTTL := flag.Duration("cache-ttl", 0, "TTL for cached admission entries")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	createLimit := flag.Int("rate-create-limit", 0, "maximum session creations per window for a single IP")
	createWindow := flag.Duration("rate-create-window", 0, "window for counting session creation attempts")
	rateRedisAddr := flag.String("rate-redis-addr", "", "Redis address for distributed creation throttling")
	rateRedisPassword := flag.String("rate-redis-password", "", "Redis password for distributed creation throttling")
	rateRedisTimeout := flag.Duration("rate-redis-timeout", 0, "timeout for rate limiter Redis operations")
	corsOrigins := flag.String("cors-origins", "", "comma separated origins allowed to call the API")
	hookToken := flag.String("hook-token", "", "bearer token ingest servers present on webhook callbacks")
	ingestURLTemplate := flag.String("ingest-url-template", "", "template for publisher ingest URLs ({key} placeholder)")
	playbackURLTemplate := flag.String("playback-url-template", "", "template for viewer playback URLs ({id} placeholder)")
	sourceURLTemplate := flag.String("source-url-template", "", "template for the media source handed to encoders ({key} placeholder)")
	encoderBinary := flag.String("encoder-binary", "", "path to the transcoder binary")
	recorderBinary := flag.String("recorder-binary", "", "path to the recorder binary")
	recordingRoot := flag.String("recording-root", "", "directory recordings are written under")
	reapInterval := flag.Duration("reap-interval", 0, "interval between sweeps for orphaned live sessions")
	var ownerSecrets keyValueFlag
	flag.Var(&ownerSecrets, "owner", "register an owner credential (id=secret), repeatable")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("STREAMHAVEN_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("STREAMHAVEN_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	listenAddr := firstNonEmpty(*addr, os.Getenv("STREAMHAVEN_ADDR"), ":8080")

	ctx := context.Background()

	sessionStore, storeCloser, err := configureStore(ctx, *storeDriver, *postgresDSN, logger)
	if err != nil {
		logger.Error("failed to configure session store", "error", err)
		os.Exit(1)
	}

	sessionCache, err := configureCache(ctx, cacheSettings{
		Driver:     *cacheDriver,
		TTL:        resolveDuration(*cacheTTL, "STREAMHAVEN_CACHE_TTL", 30*time.Second),
		Addr:       firstNonEmpty(*redisAddr, os.Getenv("STREAMHAVEN_CACHE_REDIS_ADDR")),
		Addrs:      splitAndTrim(firstNonEmpty(*redisAddrs, os.Getenv("STREAMHAVEN_CACHE_REDIS_ADDRS"))),
		Username:   firstNonEmpty(*redisUsername, os.Getenv("STREAMHAVEN_CACHE_REDIS_USERNAME")),
		Password:   firstNonEmpty(*redisPassword, os.Getenv("STREAMHAVEN_CACHE_REDIS_PASSWORD")),
		MasterName: firstNonEmpty(*redisMasterName, os.Getenv("STREAMHAVEN_CACHE_REDIS_SENTINEL_MASTER")),
		PoolSize:   resolveInt(*redisPoolSize, "STREAMHAVEN_CACHE_REDIS_POOL_SIZE"),
		TLS: cache.RedisTLSConfig{
			CAFile:             firstNonEmpty(*redisTLSCA, os.Getenv("STREAMHAVEN_CACHE_REDIS_TLS_CA")),
			CertFile:           firstNonEmpty(*redisTLSCert, os.Getenv("STREAMHAVEN_CACHE_REDIS_TLS_CERT")),
			KeyFile:            firstNonEmpty(*redisTLSKey, os.Getenv("STREAMHAVEN_CACHE_REDIS_TLS_KEY")),
			ServerName:         firstNonEmpty(*redisTLSServerName, os.Getenv("STREAMHAVEN_CACHE_REDIS_TLS_SERVER_NAME")),
			InsecureSkipVerify: resolveBool(*redisTLSSkipVerify, "STREAMHAVEN_CACHE_REDIS_TLS_SKIP_VERIFY"),
		},
	})
	if err != nil {
		logger.Error("failed to configure session cache", "error", err)
		os.Exit(1)
	}

	owners := auth.NewRegistry()
	for id, secret := range resolveOwnerSecrets(ownerSecrets, os.Getenv("STREAMHAVEN_OWNERS")) {
		if err := owners.Register(id, id, secret); err != nil {
			logger.Error("failed to register owner", "owner_id", id, "error", err)
			os.Exit(1)
		}
	}

	manager, err := session.NewManager(session.Config{
		Store:               sessionStore,
		Cache:               sessionCache,
		Logger:              logger,
		Metrics:             recorder,
		IngestURLTemplate:   firstNonEmpty(*ingestURLTemplate, os.Getenv("STREAMHAVEN_INGEST_URL_TEMPLATE")),
		PlaybackURLTemplate: firstNonEmpty(*playbackURLTemplate, os.Getenv("STREAMHAVEN_PLAYBACK_URL_TEMPLATE")),
	})
	if err != nil {
		logger.Error("failed to initialise session manager", "error", err)
		os.Exit(1)
	}

	starter := &proc.ExecStarter{Logger: logging.WithComponent(logger, "proc")}

	qualityController, err := quality.NewController(quality.Config{
		Starter:       starter,
		Logger:        logger,
		Metrics:       recorder,
		EncoderBinary: firstNonEmpty(*encoderBinary, os.Getenv("STREAMHAVEN_ENCODER_BINARY")),
	})
	if err != nil {
		logger.Error("failed to initialise quality controller", "error", err)
		os.Exit(1)
	}

	recordingController, err := recording.NewController(recording.Config{
		Store:          sessionStore,
		Starter:        starter,
		Logger:         logger,
		Metrics:        recorder,
		RecorderBinary: firstNonEmpty(*recorderBinary, os.Getenv("STREAMHAVEN_RECORDER_BINARY")),
		OutputRoot:     firstNonEmpty(*recordingRoot, os.Getenv("STREAMHAVEN_RECORDING_ROOT")),
	})
	if err != nil {
		logger.Error("failed to initialise recording controller", "error", err)
		os.Exit(1)
	}

	presence, err := viewers.NewTracker(viewers.Config{
		Manager: manager,
		Cache:   sessionCache,
		Logger:  logger,
	})
	if err != nil {
		logger.Error("failed to initialise viewer tracker", "error", err)
		os.Exit(1)
	}

	hookTokenValue := firstNonEmpty(*hookToken, os.Getenv("STREAMHAVEN_HOOK_TOKEN"))
	hookDigest := ""
	if hookTokenValue != "" {
		hookDigest = auth.TokenDigest(hookTokenValue)
	} else {
		logger.Warn("ingest hook auth disabled, set STREAMHAVEN_HOOK_TOKEN in production")
	}

	hooks, err := gateway.NewHooks(gateway.Config{
		Sessions:          manager,
		Quality:           qualityController,
		Recording:         recordingController,
		Presence:          presence,
		Logger:            logger,
		HookTokenDigest:   hookDigest,
		SourceURLTemplate: firstNonEmpty(*sourceURLTemplate, os.Getenv("STREAMHAVEN_SOURCE_URL_TEMPLATE")),
	})
	if err != nil {
		logger.Error("failed to initialise ingest gateway", "error", err)
		os.Exit(1)
	}

	handler := &api.Handler{
		Manager:   manager,
		Quality:   qualityController,
		Recording: recordingController,
		Viewers:   presence,
		Owners:    owners,
		Logger:    logger,
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	reapStop := startReapWorker(
		workerCtx,
		logging.WithComponent(logger, "session-reaper"),
		manager,
		resolveDuration(*reapInterval, "STREAMHAVEN_REAP_INTERVAL", 30*time.Second),
	)
	defer reapStop()

	srv, err := server.New(handler, server.Config{
		Addr: listenAddr,
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("STREAMHAVEN_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("STREAMHAVEN_TLS_KEY")),
		},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:     resolveFloat(*globalRPS, "STREAMHAVEN_RATE_GLOBAL_RPS"),
			GlobalBurst:   resolveInt(*globalBurst, "STREAMHAVEN_RATE_GLOBAL_BURST"),
			CreateLimit:   resolveInt(*createLimit, "STREAMHAVEN_RATE_CREATE_LIMIT"),
			CreateWindow:  resolveDuration(*createWindow, "STREAMHAVEN_RATE_CREATE_WINDOW", time.Minute),
			RedisAddr:     firstNonEmpty(*rateRedisAddr, os.Getenv("STREAMHAVEN_RATE_REDIS_ADDR")),
			RedisPassword: firstNonEmpty(*rateRedisPassword, os.Getenv("STREAMHAVEN_RATE_REDIS_PASSWORD")),
			RedisTimeout:  resolveDuration(*rateRedisTimeout, "STREAMHAVEN_RATE_REDIS_TIMEOUT", 2*time.Second),
		},
		CORS: server.CORSConfig{
			AllowedOrigins: splitAndTrim(firstNonEmpty(*corsOrigins, os.Getenv("STREAMHAVEN_CORS_ORIGINS"))),
		},
		Logger:      logger,
		Metrics:     recorder,
		IngestHooks: hooks,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("StreamHaven listening", "addr", listenAddr)
		logger.Info("metrics endpoint available", "path", "/metrics")
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errs:
		logger.Error("server error", "error", err)
	}

	workerCancel()
	reapStop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
	if err := sessionCache.Close(shutdownCtx); err != nil {
		logger.Warn("failed to close session cache", "error", err)
	}
	if storeCloser != nil {
		if err := storeCloser(shutdownCtx); err != nil {
			logger.Warn("failed to close session store", "error", err)
		}
	}

	logger.Info("server stopped")
}

func configureStore(ctx context.Context, flagDriver, flagDSN string, logger *slog.Logger) (store.Store, func(context.Context) error, error) {
	dsn := firstNonEmpty(flagDSN, os.Getenv("STREAMHAVEN_POSTGRES_DSN"), os.Getenv("DATABASE_URL"))
	driver := strings.ToLower(firstNonEmpty(flagDriver, os.Getenv("STREAMHAVEN_STORE")))
	if driver == "" {
		if dsn != "" {
			driver = "postgres"
		} else {
			driver = "memory"
		}
	}
	switch driver {
	case "memory":
		logger.Warn("using in-memory session store, sessions will not survive restarts")
		return store.NewMemoryStore(), nil, nil
	case "postgres":
		if dsn == "" {
			return nil, nil, fmt.Errorf("postgres store selected without DSN")
		}
		pg, err := store.NewPostgresStore(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			return nil, nil, fmt.Errorf("migrate session store: %w", err)
		}
		return pg, pg.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store driver %q", driver)
	}
}

type cacheSettings struct {
	Driver     string
	TTL        time.Duration
	Addr       string
	Addrs      []string
	Username   string
	Password   string
	MasterName string
	PoolSize   int
	TLS        cache.RedisTLSConfig
}

func configureCache(ctx context.Context, settings cacheSettings) (cache.Cache, error) {
	driver := strings.ToLower(firstNonEmpty(settings.Driver, os.Getenv("STREAMHAVEN_CACHE")))
	if driver == "" {
		if settings.Addr != "" || len(settings.Addrs) > 0 {
			driver = "redis"
		} else {
			driver = "memory"
		}
	}
	switch driver {
	case "memory":
		return cache.NewMemoryCache(settings.TTL), nil
	case "redis":
		return cache.NewRedisCache(ctx, cache.RedisConfig{
			Addr:       settings.Addr,
			Addrs:      settings.Addrs,
			Username:   settings.Username,
			Password:   settings.Password,
			MasterName: settings.MasterName,
			EntryTTL:   settings.TTL,
			PoolSize:   settings.PoolSize,
			TLS:        settings.TLS,
		})
	default:
		return nil, fmt.Errorf("unsupported cache driver %q", driver)
	}
}

// resolveOwnerSecrets merges -owner flags with the STREAMHAVEN_OWNERS
// variable, a comma separated list of id=secret pairs. Flags win.
func resolveOwnerSecrets(flags keyValueFlag, env string) map[string]string {
	merged := make(map[string]string)
	for _, pair := range splitAndTrim(env) {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}
		id := strings.TrimSpace(parts[0])
		if id != "" {
			merged[id] = strings.TrimSpace(parts[1])
		}
	}
	for id, secret := range flags {
		merged[id] = secret
	}
	return merged
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
