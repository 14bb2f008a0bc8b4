// Package trigger implements the command-mode action: run a shell command
// when a matching payload arrives on a topic.
package trigger

import (
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"sync"

	"github.com/mqtt-tools/mqtt-topic-exporter/internal/telemetry"
	"github.com/mqtt-tools/mqtt-topic-exporter/pkg/utils"
)

// Config describes one topic-to-command mapping.
type Config struct {
	Topic   string `yaml:"topic"`
	Payload string `yaml:"payload"` // regex, matches anything when empty
	Command string `yaml:"command"` // passed to the shell
}

// Command spawns its configured shell command when a matching payload
// arrives. At most one child process runs at a time per Command instance; a
// trigger while the previous child is alive is dropped.
type Command struct {
	l       *slog.Logger
	topic   string
	command string
	payload *regexp.Regexp

	mu      sync.Mutex
	running bool
}

// NewCommand validates conf and compiles its payload pattern.
func NewCommand(l *slog.Logger, conf Config) (*Command, error) {
	if conf.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}

	if conf.Command == "" {
		return nil, fmt.Errorf("command is required")
	}

	payloadPattern := conf.Payload
	if payloadPattern == "" {
		payloadPattern = ".*"
	}

	payload, err := regexp.Compile(payloadPattern)
	if err != nil {
		return nil, fmt.Errorf("invalid payload pattern %q: %w", payloadPattern, err)
	}

	return &Command{
		l:       l.With(slog.String("component", "command"), slog.String("topic", conf.Topic)),
		topic:   conf.Topic,
		command: conf.Command,
		payload: payload,
	}, nil
}

// TopicFilter returns the subscription filter for this command.
func (c *Command) TopicFilter() string {
	return c.topic
}

// Handle runs the command when payload matches, anchored at the start like
// the metric extraction. The child is detached; Handle never waits for it.
func (c *Command) Handle(topic string, payload []byte) {
	loc := c.payload.FindIndex(payload)
	if loc == nil || loc[0] != 0 {
		c.l.Debug("payload does not match, ignoring",
			slog.String("topic", topic),
			slog.String("payload", string(payload)))

		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		telemetry.CommandsSuppressed.WithLabelValues(c.topic).Inc()
		c.l.Info("previous command still running, ignoring trigger", slog.String("topic", topic))

		return
	}

	cmd := exec.Command("/bin/sh", "-c", c.command)
	if err := cmd.Start(); err != nil {
		c.l.Error("failed to start command",
			slog.String("command", c.command),
			utils.ErrAttr(err))

		return
	}

	c.running = true

	telemetry.CommandsSpawned.WithLabelValues(c.topic).Inc()
	c.l.Debug("started command", slog.String("command", c.command), slog.Int("pid", cmd.Process.Pid))

	go func() {
		_ = cmd.Wait()

		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()
}
