package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"optionstream/internal/bus"
	"optionstream/internal/cache"
	"optionstream/internal/config"
	"optionstream/internal/gateway"
	"optionstream/internal/logging"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.Load(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New("gateway", cfg.LogLevel, cfg.LogFormat)
	// automaxprocs pins GOMAXPROCS to the container CPU limit (rounded
	// down); log the effective value for capacity debugging.
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("Runtime configured")
	cfg.Print(logger)

	busConn, err := bus.Connect(cfg.NATSURL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to bus")
	}
	defer busConn.Close()

	redis, err := cache.New(cfg.RedisURL, cfg.DLQKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to cache")
	}
	defer redis.Close()

	srv := gateway.NewServer(gateway.Config{
		Addr:           cfg.GatewayAddr,
		MaxConnections: cfg.MaxConnections,
		SendBuffer:     cfg.SendBufferSize,
		MsgRate:        cfg.ClientMsgRate,
		MsgBurst:       cfg.ClientMsgBurst,
		CacheTimeout:   cfg.CacheTimeout,
		DrainGrace:     cfg.DrainGrace,
	}, busConn, redis, logger)

	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start gateway")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Shutting down")

	if err := srv.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("Error during shutdown")
	}
}
