// mqtt-topic-exporter serves MQTT messages on specific topics as Prometheus
// metrics.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mqtt-tools/mqtt-topic-exporter/internal/config"
	"github.com/mqtt-tools/mqtt-topic-exporter/internal/exporter"
	"github.com/mqtt-tools/mqtt-topic-exporter/internal/metrics"
	"github.com/mqtt-tools/mqtt-topic-exporter/pkg/mqttclient"
	"github.com/mqtt-tools/mqtt-topic-exporter/pkg/utils"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	verbose := flag.Bool("verbose", false, "show debug output")
	flag.Parse()

	sigCtx, sigCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer sigCancel()

	conf, err := config.Load(*configPath)
	if err != nil {
		fatalIfErr(slog.Default(), err)
	}

	logger, closeLog, err := getLogger(conf.Exporter.LogPath, *verbose)
	fatalIfErr(slog.Default(), err)

	defer closeLog()

	pahoLevel := slog.LevelInfo
	if conf.MQTT.LogLevel != "" {
		pahoLevel, _ = config.ParseLevel(conf.MQTT.LogLevel)
	}

	mqttclient.ConfigureLogging(logger, pahoLevel)

	session, err := mqttclient.NewSession(logger, conf.MQTT)
	fatalIfErr(logger, err)

	var renderers []exporter.Renderer

	for _, name := range conf.MetricNames() {
		t, err := metrics.NewTransformer(logger, conf.Metrics[name])
		if err != nil {
			fatalIfErr(logger, fmt.Errorf("error in section %s: %w", name, err))
		}

		if err := session.Register(t); err != nil {
			fatalIfErr(logger, err)
		}

		renderers = append(renderers, t)
		logger.Info("registered metric", slog.String("section", name), slog.String("topic", t.TopicFilter()))
	}

	if len(renderers) == 0 {
		logger.Warn("no metric sections configured, nothing will be exported")
	}

	session.Start()

	srv := exporter.NewServer(logger, conf.Exporter, renderers)
	srv.StartOnBackground(sigCancel)

	<-sigCtx.Done()
	logger.Info("received signal, shutting down...")

	if err := srv.ShutdownWithDefaultTimeout(); err != nil {
		logger.Error("http server shutdown failed", utils.ErrAttr(err))
	}

	session.Disconnect()
	logger.Info("exited gracefully")
}

// getLogger builds the process logger, writing JSON either to stdout or to
// the configured log file.
func getLogger(logPath string, verbose bool) (*slog.Logger, func(), error) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	out := os.Stdout
	closeLog := func() {}

	if logPath != "" {
		f, err := os.OpenFile(logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}

		out = f
		closeLog = func() { _ = f.Close() }
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})

	return slog.New(handler), closeLog, nil
}

func fatalIfErr(l *slog.Logger, err error) {
	if err == nil {
		return
	}

	l.Error("error", utils.ErrAttr(err))
	os.Exit(1)
}
