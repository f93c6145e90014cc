package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/wgfwd/wgfwd-go/jsonhelper"
	"github.com/wgfwd/wgfwd-go/logging"
	"github.com/wgfwd/wgfwd-go/service"
	"github.com/wgfwd/wgfwd-go/tslog"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	testConf bool
	confPath string
	zapConf  string
	logLevel zapcore.Level
)

func init() {
	flag.BoolVar(&testConf, "testConf", false, "Test the configuration file without starting the services")
	flag.StringVar(&confPath, "confPath", "", "Path to JSON configuration file")
	flag.StringVar(&zapConf, "zapConf", "console", "Preset name or path to JSON configuration file for building the zap logger.\nAvailable presets: console (default), console-nocolor, console-notime, systemd, production, development")
	flag.TextVar(&logLevel, "logLevel", zapcore.InfoLevel, "Log level for the console and systemd presets.\nAvailable levels: debug, info, warn, error, dpanic, panic, fatal")
}

func main() {
	flag.Parse()

	if confPath == "" {
		fmt.Fprintln(os.Stderr, "Missing -confPath <path>.")
		flag.Usage()
		os.Exit(1)
	}

	logger, err := logging.NewZapLogger(zapConf, logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	var sc service.Config
	if err = jsonhelper.OpenAndDecodeDisallowUnknownFields(confPath, &sc); err != nil {
		logger.Fatal("Failed to load config",
			zap.String("confPath", confPath),
			zap.Error(err),
		)
	}

	m, err := sc.Manager(logger)
	if err != nil {
		logger.Fatal("Failed to create service manager",
			zap.String("confPath", confPath),
			zap.Error(err),
		)
	}

	if testConf {
		logger.Info("Config test OK", zap.String("confPath", confPath))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("Received exit signal", zap.Stringer("signal", sig))
		cancel()
	}()

	if sc.Pprof.Enabled {
		tslogCfg := tslog.Config{Level: slogLevel(logLevel)}
		ps := sc.Pprof.NewService(tslogCfg.NewLogger(os.Stderr))
		if err = ps.Start(ctx); err != nil {
			logger.Fatal("Failed to start pprof service", zap.Error(err))
		}
		defer ps.Stop()
	}

	if err = m.Start(ctx); err != nil {
		logger.Fatal("Failed to start services",
			zap.String("confPath", confPath),
			zap.Error(err),
		)
	}

	<-ctx.Done()
	m.Stop()
}

// slogLevel translates a zap level to the matching slog level.
func slogLevel(l zapcore.Level) slog.Level {
	switch {
	case l <= zapcore.DebugLevel:
		return slog.LevelDebug
	case l == zapcore.InfoLevel:
		return slog.LevelInfo
	case l == zapcore.WarnLevel:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}
