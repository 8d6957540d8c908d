package app

import (
	"os"
	"path/filepath"
	"time"

	"crater/internal/api"
	"crater/internal/cache"
	"crater/internal/config"
	"crater/internal/log"
	"crater/internal/service"
	"crater/pkg/channel"
	"crater/pkg/storage"

	"github.com/urfave/cli"
	"github.com/valyala/fasthttp"
)

const Name = "crater"
const MaxRequestBodySize = 8 * 1024 * 1024 * 1024

const defaultCacheTTL = 30 * time.Second

func Run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	log.Init(cfg.Log, cfg.LogLevel)
	defer log.Close()

	storeType := storage.StorageType(cfg.Storage.Type)
	if storeType == "" {
		storeType = storage.Local
	}
	backend, err := storage.Create(storeType, cfg.StoragePath)
	if err != nil {
		return err
	}
	log.Logger.Infof("storage backend %s ready at %s", storeType, backend.GetPath(""))

	engine := channel.NewEngine(backend)

	var ch cache.Cache
	ttl := defaultCacheTTL
	if cfg.Cache.Enabled {
		ch = cache.NewMemoryCache()
		if cfg.Cache.TTL != "" {
			if d, err := time.ParseDuration(cfg.Cache.TTL); err == nil {
				ttl = d
			}
		}
	}

	channels := service.NewChannelService(engine, ch, ttl)

	r := api.NewAPI(channels, cfg)
	router := api.SetupRouter(r)

	server := &fasthttp.Server{
		Handler:            router,
		MaxRequestBodySize: MaxRequestBodySize,
		ReadTimeout:        time.Second * 60,
		WriteTimeout:       time.Second * 60,
	}

	log.Logger.Infof("Server starting on %s", cfg.Listen)
	return server.ListenAndServe(cfg.Listen)
}

// loadConfig reads the config file when present and lets CLI flags
// override the values that matter for a quick start.
func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")

	cfg := &config.Config{}
	if _, err := os.Stat(path); err == nil {
		cfg, err = config.LoadConfig(path)
		if err != nil {
			return nil, err
		}
	} else if c.IsSet("config") {
		return nil, err
	}

	if cfg.Listen == "" || c.IsSet("listen") {
		cfg.Listen = c.String("listen")
	}
	if cfg.StoragePath == "" || c.IsSet("storage-path") {
		cfg.StoragePath = filepath.Clean(c.String("storage-path"))
	}
	if c.Bool("debug") {
		cfg.Debug = true
		cfg.LogLevel = "debug"
	}

	return cfg, nil
}
