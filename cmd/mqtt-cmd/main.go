// mqtt-cmd runs pre-defined commands when receiving MQTT messages on
// specific topics.
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
	"github.com/mqtt-tools/mqtt-topic-exporter/internal/trigger"
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

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	pahoLevel := slog.LevelInfo
	if conf.MQTT.LogLevel != "" {
		pahoLevel, _ = config.ParseLevel(conf.MQTT.LogLevel)
	}

	mqttclient.ConfigureLogging(logger, pahoLevel)

	session, err := mqttclient.NewSession(logger, conf.MQTT)
	fatalIfErr(logger, err)

	for _, name := range conf.CommandNames() {
		c, err := trigger.NewCommand(logger, conf.Commands[name])
		if err != nil {
			fatalIfErr(logger, fmt.Errorf("error in section %s: %w", name, err))
		}

		if err := session.Register(c); err != nil {
			fatalIfErr(logger, err)
		}

		logger.Info("registered command", slog.String("section", name), slog.String("topic", c.TopicFilter()))
	}

	if len(conf.Commands) == 0 {
		logger.Warn("no command sections configured, nothing to trigger")
	}

	session.Run(sigCtx)
	logger.Info("exited gracefully")
}

func fatalIfErr(l *slog.Logger, err error) {
	if err == nil {
		return
	}

	l.Error("error", utils.ErrAttr(err))
	os.Exit(1)
}
