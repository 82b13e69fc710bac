package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	httpadapter "github.com/hemanshu03/livedict/internal/adapter/http"
	tcpadapter "github.com/hemanshu03/livedict/internal/adapter/tcp"
	"github.com/hemanshu03/livedict/internal/adapter/token"
	"github.com/hemanshu03/livedict/pkg/backend/etcdkv"
	"github.com/hemanshu03/livedict/pkg/backend/filekv"
	"github.com/hemanshu03/livedict/pkg/backend/sqlitekv"
	"github.com/hemanshu03/livedict/pkg/cipher"
	"github.com/hemanshu03/livedict/pkg/livedict"
)

const (
	Version     = "1.0.0"
	ServiceName = "LiveDict Server"
)

type Config struct {
	HTTPAddr string
	TCPAddr  string

	CipherScheme string   // aes | xor | none
	Keys         []string // active key first, older keys after for rotation

	BackendType   string // none | file | sqlite | etcd
	DataDir       string
	SQLitePath    string
	EtcdEndpoints []string

	DefaultTTL       time.Duration
	MaxKeysPerBucket int
	MaxTotalKeys     int

	HookWorkers int
	HookTimeout time.Duration

	CompactRatio float64
	CompactFloor int

	AuthSecret      string
	CleanupInterval time.Duration
	ShutdownTimeout time.Duration
}

func main() {
	_ = godotenv.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := loadConfig()
	if err != nil {
		logger.Fatal("configuration error", zap.Error(err))
	}

	logger.Info("starting",
		zap.String("service", ServiceName),
		zap.String("version", Version),
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("backend", cfg.BackendType),
		zap.String("cipher", cfg.CipherScheme))

	ciph, err := buildCipher(cfg)
	if err != nil {
		logger.Fatal("cipher init failed", zap.Error(err))
	}

	backend, closeBackend, err := buildBackend(cfg, logger)
	if err != nil {
		logger.Fatal("backend init failed", zap.Error(err))
	}
	defer closeBackend()

	store := livedict.New(
		livedict.WithCipher(ciph),
		livedict.WithLogger(logger),
		livedict.WithDefaultTTL(cfg.DefaultTTL),
		livedict.WithCapacity(cfg.MaxKeysPerBucket, cfg.MaxTotalKeys),
		livedict.WithHookWorkers(cfg.HookWorkers),
		livedict.WithHookTimeout(cfg.HookTimeout),
		livedict.WithCompaction(cfg.CompactRatio, cfg.CompactFloor),
	)
	defer store.Stop()

	if backend != nil && cfg.CleanupInterval > 0 {
		go cleanupLoop(backend, cfg.CleanupInterval, logger)
	}

	var maker *token.Maker
	if cfg.AuthSecret != "" {
		maker, err = token.NewMaker(cfg.AuthSecret)
		if err != nil {
			logger.Fatal("auth init failed", zap.Error(err))
		}
	}

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpadapter.NewServer(store, backend, maker, cfg.AuthSecret, logger).Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	var tcpSrv *tcpadapter.Server
	if cfg.TCPAddr != "" {
		tcpSrv = tcpadapter.NewServer(store, backend, logger)
		go func() {
			if err := tcpSrv.ListenAndServe(cfg.TCPAddr); err != nil {
				logger.Error("tcp server failed", zap.Error(err))
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if tcpSrv != nil {
		if err := tcpSrv.Shutdown(ctx); err != nil {
			logger.Warn("tcp shutdown", zap.Error(err))
		}
	}
	store.Stop()
	logger.Info("bye")
}

func cleanupLoop(backend livedict.Backend, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		n, err := backend.Cleanup(context.Background())
		if err != nil {
			logger.Warn("backend cleanup failed", zap.Error(err))
			continue
		}
		if n > 0 {
			logger.Info("backend cleanup", zap.Int("removed", n))
		}
	}
}

func buildCipher(cfg *Config) (livedict.Cipher, error) {
	if cfg.CipherScheme == "none" {
		return nil, nil
	}
	if len(cfg.Keys) == 0 {
		return nil, errors.New("LIVEDICT_KEYS required unless LIVEDICT_CIPHER=none")
	}
	keys := make([][]byte, len(cfg.Keys))
	for i, k := range cfg.Keys {
		keys[i] = []byte(k)
	}
	switch cfg.CipherScheme {
	case "aes":
		return cipher.NewAESGCM(keys...)
	case "xor":
		return cipher.NewXOR(keys[0])
	}
	return nil, fmt.Errorf("unknown cipher scheme %q", cfg.CipherScheme)
}

func buildBackend(cfg *Config, logger *zap.Logger) (livedict.Backend, func(), error) {
	noop := func() {}
	switch cfg.BackendType {
	case "none", "":
		return nil, noop, nil
	case "file":
		b, err := filekv.New(cfg.DataDir, logger)
		return b, noop, err
	case "sqlite":
		b, err := sqlitekv.Open(context.Background(), cfg.SQLitePath, logger)
		if err != nil {
			return nil, noop, err
		}
		return b, func() { _ = b.Close() }, nil
	case "etcd":
		b, err := etcdkv.New(cfg.EtcdEndpoints, logger)
		if err != nil {
			return nil, noop, err
		}
		return b, func() { _ = b.Close() }, nil
	}
	return nil, noop, fmt.Errorf("unknown backend %q", cfg.BackendType)
}

func loadConfig() (*Config, error) {
	cfg := &Config{
		HTTPAddr:         getEnv("LIVEDICT_HTTP_ADDR", ":8080"),
		TCPAddr:          getEnv("LIVEDICT_TCP_ADDR", ""),
		CipherScheme:     getEnv("LIVEDICT_CIPHER", "none"),
		BackendType:      getEnv("LIVEDICT_BACKEND", "none"),
		DataDir:          getEnv("LIVEDICT_DATA_DIR", "./data"),
		SQLitePath:       getEnv("LIVEDICT_SQLITE_PATH", "./data/livedict.db"),
		DefaultTTL:       getEnvDuration("LIVEDICT_DEFAULT_TTL", livedict.NeverExpire),
		MaxKeysPerBucket: getEnvInt("LIVEDICT_MAX_KEYS_PER_BUCKET", 0),
		MaxTotalKeys:     getEnvInt("LIVEDICT_MAX_TOTAL_KEYS", 0),
		HookWorkers:      getEnvInt("LIVEDICT_HOOK_WORKERS", 4),
		HookTimeout:      getEnvDuration("LIVEDICT_HOOK_TIMEOUT", 5*time.Second),
		CompactRatio:     getEnvFloat("LIVEDICT_COMPACT_RATIO", 0.5),
		CompactFloor:     getEnvInt("LIVEDICT_COMPACT_FLOOR", 64),
		AuthSecret:       getEnv("LIVEDICT_AUTH_SECRET", ""),
		CleanupInterval:  getEnvDuration("LIVEDICT_CLEANUP_INTERVAL", time.Minute),
		ShutdownTimeout:  getEnvDuration("LIVEDICT_SHUTDOWN_TIMEOUT", 10*time.Second),
	}

	if keys := getEnv("LIVEDICT_KEYS", ""); keys != "" {
		for _, k := range strings.Split(keys, ",") {
			if k = strings.TrimSpace(k); k != "" {
				cfg.Keys = append(cfg.Keys, k)
			}
		}
	}
	if cfg.CipherScheme == "none" && len(cfg.Keys) > 0 {
		cfg.CipherScheme = "aes"
	}
	if cfg.BackendType == "etcd" {
		eps := getEnv("LIVEDICT_ETCD_ENDPOINTS", "localhost:2379")
		cfg.EtcdEndpoints = strings.Split(eps, ",")
	}
	return cfg, nil
}

func getEnv(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func getEnvInt(name string, def int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvFloat(name string, def float64) float64 {
	if v := os.Getenv(name); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvDuration(name string, def time.Duration) time.Duration {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
