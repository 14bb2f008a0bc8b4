// Package metrics implements the message-to-metric transformation engine:
// regex-template extraction, per-topic metric state and exposition
// rendering.
package metrics

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mqtt-tools/mqtt-topic-exporter/internal/telemetry"
	"github.com/mqtt-tools/mqtt-topic-exporter/pkg/mqttclient"
)

// Config describes one topic-to-metric mapping. It is validated and
// compiled once by NewTransformer and not mutated afterwards.
type Config struct {
	// Subscription topic, with + and # wildcards.
	Topic string `yaml:"topic"`

	// Static part of the metric.
	MetricName string `yaml:"metric_name"`
	MetricType string `yaml:"metric_type"`
	MetricHelp string `yaml:"metric_help"`

	// Extraction of labels and value from topic + separator + payload.
	Pattern        string `yaml:"topic_payload_pattern"`
	LabelsTemplate string `yaml:"labels_template"`
	ValueTemplate  string `yaml:"value_template"`
	Separator      string `yaml:"topic_payload_separator"`

	// Do not render a record if its last message is older than this many
	// seconds. Nil disables the staleness check.
	NoActivityTimeout *int `yaml:"no_activity_timeout"`

	// Skip records whose value does not parse as a float. Defaults to true.
	OnlyFloatValues *bool `yaml:"only_float_values"`

	// Render records only between a status_good_payload on the good topic
	// and a status_bad_payload on the bad topic.
	StatusGoodTopic   string `yaml:"status_good_topic"`
	StatusGoodPayload string `yaml:"status_good_payload"`
	StatusBadTopic    string `yaml:"status_bad_topic"`
	StatusBadPayload  string `yaml:"status_bad_payload"`
}

// record holds the last extracted state for one concrete topic. Records are
// created lazily on the first matching message and live for the process
// lifetime; staleness only hides them from rendering.
type record struct {
	labels     string
	value      string
	lastUpdate time.Time
	statusGood bool
}

// Transformer is the metric-mode action: it owns the concrete-topic records
// observed under one config and renders them as exposition text on demand.
// Handle runs on the session's dispatch goroutine while Render runs on HTTP
// request goroutines, so the record map is mutex-guarded.
type Transformer struct {
	l    *slog.Logger
	conf Config

	pattern    *regexp.Regexp
	separator  string
	timeout    time.Duration
	hasTimeout bool
	onlyFloats bool
	selfGating bool

	now func() time.Time

	mu      sync.RWMutex
	records map[string]*record
	order   []string
}

// NewTransformer validates conf and compiles its pattern.
func NewTransformer(l *slog.Logger, conf Config) (*Transformer, error) {
	if conf.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}

	if conf.MetricName == "" {
		return nil, fmt.Errorf("metric_name is required")
	}

	pattern, err := regexp.Compile(conf.Pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid topic_payload_pattern %q: %w", conf.Pattern, err)
	}

	t := &Transformer{
		l:          l.With(slog.String("component", "transformer"), slog.String("metric", conf.MetricName)),
		conf:       conf,
		pattern:    pattern,
		separator:  " ",
		onlyFloats: true,
		selfGating: conf.StatusGoodTopic == "",
		now:        time.Now,
		records:    make(map[string]*record),
	}

	if conf.Separator != "" {
		t.separator = conf.Separator
	}

	if conf.NoActivityTimeout != nil {
		if *conf.NoActivityTimeout < 0 {
			return nil, fmt.Errorf("negative no_activity_timeout %d", *conf.NoActivityTimeout)
		}

		t.hasTimeout = true
		t.timeout = time.Duration(*conf.NoActivityTimeout) * time.Second
	}

	if conf.OnlyFloatValues != nil {
		t.onlyFloats = *conf.OnlyFloatValues
	}

	return t, nil
}

// TopicFilter returns the subscription filter for this transformer.
func (t *Transformer) TopicFilter() string {
	return t.conf.Topic
}

// Handle extracts labels and value from one inbound message. Both templates
// must expand or the message leaves all records untouched.
func (t *Transformer) Handle(topic string, payload []byte) {
	text := topic + t.separator + string(payload)

	labels, okLabels := MatchTemplate(t.pattern, t.conf.LabelsTemplate, text)
	value, okValue := MatchTemplate(t.pattern, t.conf.ValueTemplate, text)

	if !okLabels || !okValue {
		telemetry.ExtractionMisses.WithLabelValues(t.conf.MetricName).Inc()
		t.l.Debug("text does not match pattern",
			slog.String("topic", topic),
			slog.String("text", text),
			slog.String("pattern", t.conf.Pattern))

		return
	}

	t.mu.Lock()

	rec, ok := t.records[topic]
	if !ok {
		rec = &record{statusGood: t.selfGating}
		t.records[topic] = rec
		t.order = append(t.order, topic)
	}

	rec.labels = labels
	rec.value = value
	rec.lastUpdate = t.now()

	if t.selfGating {
		rec.statusGood = true
	}

	t.mu.Unlock()

	telemetry.MessagesHandled.WithLabelValues(t.conf.MetricName).Inc()
	t.l.Debug("updated record", slog.String("topic", topic), slog.String("value", value))
}

// Render returns the exposition text for all currently visible records, in
// first-seen order. A record is visible when it is fresh, its status gate is
// good, and (when only_float_values is set) its value parses as a float.
// With no visible record the result is empty; a header without samples is
// never emitted.
func (t *Transformer) Render() string {
	now := t.now()

	t.mu.RLock()
	defer t.mu.RUnlock()

	var body strings.Builder

	for _, topic := range t.order {
		rec := t.records[topic]

		if t.hasTimeout && now.Sub(rec.lastUpdate) > t.timeout {
			continue
		}

		if !rec.statusGood {
			continue
		}

		if t.onlyFloats {
			if _, err := strconv.ParseFloat(rec.value, 64); err != nil {
				continue
			}
		}

		body.WriteString(t.conf.MetricName)
		body.WriteString("{")
		body.WriteString(rec.labels)
		body.WriteString("} ")
		body.WriteString(rec.value)
		body.WriteString("\n")
	}

	if body.Len() == 0 {
		return ""
	}

	header := "#TYPE " + t.conf.MetricName + " " + t.conf.MetricType + "\n"
	if t.conf.MetricHelp != "" {
		header += "#HELP " + t.conf.MetricName + " " + t.conf.MetricHelp + "\n"
	}

	return header + body.String()
}

// ApplyStatus flips the status gate on every record currently held by this
// transformer when payload equals the configured good or bad payload. The
// gate is scoped to the whole metric, not to individual topics.
func (t *Transformer) ApplyStatus(good bool, payload string) {
	want := t.conf.StatusBadPayload
	if good {
		want = t.conf.StatusGoodPayload
	}

	if payload != want {
		return
	}

	t.mu.Lock()

	changed := 0

	for _, topic := range t.order {
		rec := t.records[topic]
		if rec.statusGood != good {
			rec.statusGood = good
			changed++
		}
	}

	t.mu.Unlock()

	if changed > 0 {
		t.l.Info("metric status changed", slog.Bool("good", good), slog.Int("records", changed))
	}
}

// StatusBindings exposes the optional status subscriptions to the session
// router.
func (t *Transformer) StatusBindings() []mqttclient.Binding {
	var bindings []mqttclient.Binding

	if t.conf.StatusGoodTopic != "" {
		bindings = append(bindings, mqttclient.Binding{
			Filter: t.conf.StatusGoodTopic,
			Handler: func(_ string, payload []byte) {
				t.ApplyStatus(true, string(payload))
			},
		})
	}

	if t.conf.StatusBadTopic != "" {
		bindings = append(bindings, mqttclient.Binding{
			Filter: t.conf.StatusBadTopic,
			Handler: func(_ string, payload []byte) {
				t.ApplyStatus(false, string(payload))
			},
		})
	}

	return bindings
}
