package mqttclient

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/mqtt-tools/mqtt-topic-exporter/pkg/utils"
)

const (
	clientIDPrefix = "mqtt-cmd-"

	connectTimeout       = 5 * time.Second
	connectRetryInterval = 5 * time.Second
	maxReconnectInterval = 15 * time.Second
	disconnectQuiesce    = 250 // milliseconds
)

// Config describes one broker session. Zero values fall back to defaults
// during NewSession validation.
type Config struct {
	Host      string `yaml:"host" envconfig:"MQTT_HOST"`
	Port      int    `yaml:"port" envconfig:"MQTT_PORT"`
	Keepalive int    `yaml:"keepalive" envconfig:"MQTT_KEEPALIVE"` // seconds, 0 disables
	ClientID  string `yaml:"client_id" envconfig:"MQTT_CLIENT_ID"`
	LogLevel  string `yaml:"loglevel" envconfig:"MQTT_LOGLEVEL"` // verbosity of the paho internals
	Username  string `yaml:"username" envconfig:"MQTT_USERNAME"`
	Password  string `yaml:"password" envconfig:"MQTT_PASSWORD"`
}

// Action is a unit of work bound to one topic filter. Handle is invoked
// synchronously on the goroutine that received the message and must not
// block on I/O.
type Action interface {
	TopicFilter() string
	Handle(topic string, payload []byte)
}

// MessageHandler receives one inbound message.
type MessageHandler func(topic string, payload []byte)

// Binding ties a topic filter to a handler.
type Binding struct {
	Filter  string
	Handler MessageHandler
}

// StatusProvider is implemented by actions that need auxiliary
// subscriptions beyond their main topic filter.
type StatusProvider interface {
	StatusBindings() []Binding
}

// Session owns the broker connection and the registered actions. Register
// all actions before calling Start or Run; reconnection and resubscription
// are delegated to the paho client.
type Session struct {
	l        *slog.Logger
	conf     Config
	client   mqtt.Client
	bindings []Binding

	started atomic.Bool
}

// NewSession validates conf and prepares a client without connecting.
func NewSession(l *slog.Logger, conf Config) (*Session, error) {
	if conf.Host == "" {
		return nil, fmt.Errorf("mqtt host is required")
	}

	if conf.Port == 0 {
		conf.Port = 1883
	}

	if conf.Port < 1 || conf.Port > 0xFFFF {
		return nil, fmt.Errorf("mqtt port %d not in valid port range", conf.Port)
	}

	if conf.Keepalive < 0 {
		return nil, fmt.Errorf("negative mqtt keepalive %d", conf.Keepalive)
	}

	if conf.ClientID == "" {
		conf.ClientID = defaultClientID()
	}

	s := &Session{
		l:    l.With(slog.String("component", "mqtt-session")),
		conf: conf,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker("tcp://" + net.JoinHostPort(conf.Host, strconv.Itoa(conf.Port)))
	opts.SetClientID(conf.ClientID)

	if conf.Username != "" {
		opts.SetUsername(conf.Username)
		opts.SetPassword(conf.Password)
	}

	opts.SetKeepAlive(time.Duration(conf.Keepalive) * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetConnectRetryInterval(connectRetryInterval)
	opts.SetMaxReconnectInterval(maxReconnectInterval)

	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(s.onConnectionLost)
	opts.SetReconnectingHandler(s.onReconnecting)
	opts.SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
		s.dispatch(msg.Topic(), msg.Payload())
	})

	s.client = mqtt.NewClient(opts)

	s.l.Debug("session prepared",
		slog.String("host", conf.Host),
		slog.Int("port", conf.Port),
		slog.String("client_id", conf.ClientID))

	return s, nil
}

// Register binds an action's topic filter, plus any status bindings it
// provides, to the session. Must be called before Start or Run.
func (s *Session) Register(a Action) error {
	if s.started.Load() {
		return fmt.Errorf("cannot register action after session start")
	}

	s.bindings = append(s.bindings, Binding{Filter: a.TopicFilter(), Handler: a.Handle})

	if sp, ok := a.(StatusProvider); ok {
		s.bindings = append(s.bindings, sp.StatusBindings()...)
	}

	return nil
}

// Start connects in the background and returns immediately. A failed first
// connection attempt is logged, not fatal; the client keeps retrying.
func (s *Session) Start() {
	if s.started.Swap(true) {
		return
	}

	go func() {
		token := s.client.Connect()
		token.Wait()

		if err := token.Error(); err != nil {
			s.l.Warn("first connection to mqtt broker failed", utils.ErrAttr(err))
		}
	}()
}

// Run connects and blocks until ctx is done, then disconnects.
func (s *Session) Run(ctx context.Context) {
	s.Start()
	<-ctx.Done()
	s.Disconnect()
}

// Disconnect closes the broker connection if one is open.
func (s *Session) Disconnect() {
	if !s.client.IsConnected() {
		return
	}

	s.client.Disconnect(disconnectQuiesce)
	s.l.Info("disconnected from mqtt broker")
}

func (s *Session) onConnect(client mqtt.Client) {
	s.l.Info("connected to mqtt broker", slog.Int("subscriptions", len(s.bindings)))

	// The paho router keeps one callback per filter string, so a filter
	// shared by several bindings (such as a good/bad status pair on one
	// topic) must be subscribed once and fanned out here.
	filters, byFilter := s.groupBindings()

	for _, filter := range filters {
		group := byFilter[filter]

		token := client.Subscribe(filter, 0, func(_ mqtt.Client, msg mqtt.Message) {
			for _, b := range group {
				s.deliver(b, msg.Topic(), msg.Payload())
			}
		})
		token.Wait()

		if err := token.Error(); err != nil {
			s.l.Error("failed to subscribe", slog.String("filter", filter), utils.ErrAttr(err))
			continue
		}

		s.l.Debug("subscribed", slog.String("filter", filter), slog.Int("bindings", len(group)))
	}
}

// groupBindings collects the registered bindings per unique filter, keeping
// registration order for both the filters and the bindings within a group.
func (s *Session) groupBindings() ([]string, map[string][]Binding) {
	byFilter := make(map[string][]Binding, len(s.bindings))
	filters := make([]string, 0, len(s.bindings))

	for _, b := range s.bindings {
		if _, ok := byFilter[b.Filter]; !ok {
			filters = append(filters, b.Filter)
		}

		byFilter[b.Filter] = append(byFilter[b.Filter], b)
	}

	return filters, byFilter
}

func (s *Session) onConnectionLost(_ mqtt.Client, err error) {
	s.l.Warn("connection to mqtt broker lost", utils.ErrAttr(err))
}

func (s *Session) onReconnecting(_ mqtt.Client, opts *mqtt.ClientOptions) {
	s.l.Info("reconnecting to mqtt broker", slog.String("broker", opts.Servers[0].String()))
}

// dispatch routes a message that arrived outside the per-subscription
// callbacks to every binding whose filter matches the concrete topic.
func (s *Session) dispatch(topic string, payload []byte) {
	matched := false

	for _, b := range s.bindings {
		if MatchesFilter(b.Filter, topic) {
			matched = true

			s.deliver(b, topic, payload)
		}
	}

	if !matched {
		s.l.Debug("no binding matches topic", slog.String("topic", topic))
	}
}

// deliver invokes one handler, containing panics so a misbehaving action
// cannot take down the session loop.
func (s *Session) deliver(b Binding, topic string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.l.Error("panic while handling message",
				slog.String("topic", topic),
				slog.String("filter", b.Filter),
				slog.Any("panic", r))
		}
	}()

	b.Handler(topic, payload)
}

// ConfigureLogging routes the paho client's package-level loggers through
// the given slog.Logger. Call once at startup.
func ConfigureLogging(l *slog.Logger, level slog.Level) {
	pl := l.With(slog.String("component", "paho"))

	mqtt.CRITICAL = log.New(utils.NewSlogWriterLevel(pl, slog.LevelError), "", 0)
	mqtt.ERROR = log.New(utils.NewSlogWriterLevel(pl, slog.LevelError), "", 0)

	if level <= slog.LevelWarn {
		mqtt.WARN = log.New(utils.NewSlogWriterLevel(pl, slog.LevelWarn), "", 0)
	}

	if level <= slog.LevelDebug {
		mqtt.DEBUG = log.New(utils.NewSlogWriterLevel(pl, slog.LevelDebug), "", 0)
	}
}

// defaultClientID derives a client id that is stable per host, so restarts
// resume the same broker session unless an id is configured explicitly.
func defaultClientID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}

	return clientIDPrefix + uuid.NewSHA1(uuid.NameSpaceDNS, []byte(host)).String()
}
