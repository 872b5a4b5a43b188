package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/always-cache/swcache"
	"github.com/always-cache/swcache/cache"
)

// envConfig holds the flag defaults, overridable from the environment.
type envConfig struct {
	Port          int           `env:"SWCACHE_PORT" envDefault:"8080"`
	ControlPort   int           `env:"SWCACHE_CONTROL_PORT" envDefault:"9090"`
	ControlHost   string        `env:"SWCACHE_CONTROL_HOST" envDefault:"127.0.0.1"`
	Origin        string        `env:"SWCACHE_ORIGIN"`
	Addr          string        `env:"SWCACHE_ADDR"`
	Host          string        `env:"SWCACHE_HOST"`
	Provider      string        `env:"SWCACHE_PROVIDER" envDefault:"sqlite"`
	DBFilename    string        `env:"SWCACHE_DB" envDefault:"cache.db"`
	RedisAddr     string        `env:"SWCACHE_REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string        `env:"SWCACHE_REDIS_PASSWORD"`
	RedisDB       int           `env:"SWCACHE_REDIS_DB" envDefault:"0"`
	RedisPrefix   string        `env:"SWCACHE_REDIS_PREFIX" envDefault:"swcache"`
	ConfigFile    string        `env:"SWCACHE_CONFIG"`
	FetchTimeout  time.Duration `env:"SWCACHE_FETCH_TIMEOUT" envDefault:"30s"`
	LogFilename   string        `env:"SWCACHE_LOG_FILE"`
}

var (
	// CLI flags
	portFlag           int
	controlPortFlag    int
	controlHostFlag    string
	originFlag         string
	addrFlag           string
	hostFlag           string
	providerFlag       string
	dbFilenameFlag     string
	redisAddrFlag      string
	configFlag         string
	fetchTimeoutFlag   time.Duration
	verbosityTraceFlag bool
	logFilenameFlag    string

	envCfg envConfig

	// this is set by goreleaser
	version string
)

func init() {
	if err := env.Parse(&envCfg); err != nil {
		fmt.Fprintf(os.Stderr, "parse env: %v\n", err)
		os.Exit(2)
	}

	flag.StringVar(&originFlag, "origin", envCfg.Origin, "Origin URL to proxy to (overrides addr and host)")
	flag.StringVar(&addrFlag, "addr", envCfg.Addr, "Origin IP address to proxy to")
	flag.StringVar(&hostFlag, "host", envCfg.Host, "Hostname of origin")
	flag.IntVar(&portFlag, "port", envCfg.Port, "Port to listen on")
	flag.IntVar(&controlPortFlag, "control-port", envCfg.ControlPort, "Port for the control endpoints (0 disables them)")
	flag.StringVar(&controlHostFlag, "control-host", envCfg.ControlHost, "Interface for the control endpoints")
	flag.StringVar(&providerFlag, "provider", envCfg.Provider, "Cache storage: sqlite, memory or redis")
	flag.StringVar(&dbFilenameFlag, "db", envCfg.DBFilename, "Cache DB file name for sqlite storage (use 'memory' for in-memory db)")
	flag.StringVar(&redisAddrFlag, "redis", envCfg.RedisAddr, "Redis address for redis storage")
	flag.StringVar(&configFlag, "config", envCfg.ConfigFile, "Cache config YAML file (reloaded on SIGHUP)")
	flag.DurationVar(&fetchTimeoutFlag, "fetch-timeout", envCfg.FetchTimeout, "Timeout for network fetches")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", envCfg.LogFilename, "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Timestamp().Str("build", version).Logger()

	storage, closeStorage, err := openStorage()
	if err != nil {
		log.Fatal().Err(err).Str("provider", providerFlag).Msg("Could not open cache storage")
	}
	defer closeStorage()

	cacheConfig, err := loadCacheConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load cache config")
	}

	config := swcache.Config{
		Storage:      storage,
		Logger:       &log.Logger,
		Cache:        cacheConfig,
		FetchTimeout: fetchTimeoutFlag,
	}

	// get the downstream server address
	if originFlag != "" {
		originUrl, err := url.Parse(originFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not parse url")
		}
		config.OriginURL = *originUrl
	} else if addrFlag != "" {
		originUrl, err := url.Parse("https://" + addrFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not parse url")
		}
		config.OriginURL = *originUrl
		config.OriginHost = hostFlag
	} else {
		log.Fatal().Msg("Please specify origin")
	}

	sc, err := swcache.CreateCache(config)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not create cache")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sc.Start(ctx); err != nil {
		// the origin may be down; requests are passed through until a reload succeeds
		log.Error().Err(err).Msg("Could not install cache, passing requests through")
	}
	go reloadOnHangup(ctx, sc)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", portFlag),
		Handler: sc,
	}
	servers := []*http.Server{server}
	if controlPortFlag != 0 {
		// control messages and partition listings stay off the public port
		control := &http.Server{
			Addr:    net.JoinHostPort(controlHostFlag, strconv.Itoa(controlPortFlag)),
			Handler: sc.ControlRouter(),
		}
		servers = append(servers, control)
		go func() {
			log.Info().Msgf("Serving control endpoints on %s", control.Addr)
			if err := control.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Control server failed")
			}
		}()
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Str("addr", srv.Addr).Msg("Could not shut down server")
			}
		}
	}()

	log.Info().Msgf("Proxying port %v to %s (with hostname '%s')", portFlag, config.OriginURL.String(), config.OriginHost)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Server failed")
	}
	sc.Close()
	log.Info().Msg("Stopped")
}

func openStorage() (cache.Storage, func(), error) {
	switch providerFlag {
	case "memory":
		return cache.NewMemStorage(), func() {}, nil
	case "sqlite":
		dbFilename := dbFilenameFlag
		if dbFilename == "memory" {
			dbFilename = ""
		}
		s, err := cache.NewSQLiteStorage(dbFilename)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     redisAddrFlag,
			Password: envCfg.RedisPassword,
			DB:       envCfg.RedisDB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("connect to redis at %s: %w", redisAddrFlag, err)
		}
		return cache.NewRedisStorage(client, envCfg.RedisPrefix), func() { client.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown provider %q", providerFlag)
}

func loadCacheConfig() (swcache.CacheConfig, error) {
	if configFlag == "" {
		return swcache.DefaultCacheConfig(), nil
	}
	return swcache.LoadCacheConfig(configFlag)
}

// reloadOnHangup registers the config file again on every SIGHUP.
// Bump the version in the file to roll out a new cache setup.
func reloadOnHangup(ctx context.Context, sc *swcache.ServiceCache) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}
		cacheConfig, err := loadCacheConfig()
		if err != nil {
			log.Error().Err(err).Msg("Could not reload cache config")
			continue
		}
		log.Info().Str("version", cacheConfig.Version).Msg("Registering reloaded cache config")
		if err := sc.Register(ctx, cacheConfig); err != nil {
			log.Error().Err(err).Msg("Could not register reloaded cache config, keeping current version")
		}
	}
}
