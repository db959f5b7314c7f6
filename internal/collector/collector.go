package collector

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/smeird/PubObs/internal/config"
	"github.com/smeird/PubObs/internal/metrics"
	"github.com/smeird/PubObs/internal/store"
)

// Live status values for a topic.
const (
	StatusWaiting    = "waiting"
	StatusFavorable  = "favorable"
	StatusWarning    = "warning"
	StatusMonitoring = "monitoring"
)

// TopicStatus tracks the latest value seen on one configured topic.
type TopicStatus struct {
	Name       string    `json:"name"`
	Topic      string    `json:"topic"`
	Unit       string    `json:"unit,omitempty"`
	Green      *float64  `json:"green,omitempty"`
	Condition  string    `json:"condition,omitempty"`
	Value      *float64  `json:"value,omitempty"`
	Raw        string    `json:"raw,omitempty"`
	Status     string    `json:"status"`
	UpdatedAt  time.Time `json:"updated_at,omitempty"`
	AgeSeconds float64   `json:"age_seconds,omitempty"`
	ErrorCount int       `json:"error_count"`
	LastError  string    `json:"last_error,omitempty"`
}

// Collector subscribes to the configured MQTT topics, keeps their live
// status and optionally records numeric readings.
type Collector struct {
	store   store.Store
	cfg     config.MQTTConfig
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu        sync.RWMutex
	statuses  map[string]*TopicStatus // keyed by configured name
	byTopic   map[string]string       // MQTT topic to configured name
	connected bool
	skyImage  []byte
	skyAt     time.Time
	ctx       context.Context // Parent context for reading saves.

	newClient func(*mqtt.ClientOptions) mqtt.Client
}

// NewCollector creates a collector for every topic in cfg.
func NewCollector(s store.Store, cfg config.MQTTConfig, m *metrics.Metrics, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Collector{
		store:     s,
		cfg:       cfg,
		metrics:   m,
		logger:    logger,
		statuses:  make(map[string]*TopicStatus, len(cfg.Topics)),
		byTopic:   make(map[string]string, len(cfg.Topics)),
		newClient: mqtt.NewClient,
	}
	for name, t := range cfg.Topics {
		c.statuses[name] = &TopicStatus{
			Name:      name,
			Topic:     t.Topic,
			Unit:      t.Unit,
			Green:     t.Green,
			Condition: t.Condition,
			Status:    StatusWaiting,
		}
		c.byTopic[t.Topic] = name
	}
	return c
}

const (
	reconnectMin = 2 * time.Second
	reconnectMax = 5 * time.Minute
	saveTimeout  = 10 * time.Second
)

// Start connects to the broker and blocks until the context is cancelled.
// The initial connection is retried with backoff; later drops are handled
// by the client's own reconnect logic, which resubscribes through onConnect.
func (c *Collector) Start(ctx context.Context) error {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()

	if c.cfg.Broker == "" {
		c.logger.Info("mqtt broker not configured, collector idle")
		<-ctx.Done()
		return nil
	}

	client := c.newClient(c.clientOptions())

	backoff := reconnectMin
	for {
		err := waitToken(ctx, client.Connect())
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("mqtt connect failed, retrying",
			"broker", c.cfg.Broker,
			"backoff", backoff,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, reconnectMax)
	}

	<-ctx.Done()
	client.Disconnect(250)
	c.setConnected(false)
	return nil
}

func (c *Collector) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(c.cfg.Broker).
		SetClientID(c.cfg.ClientID).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(reconnectMax).
		SetOrderMatters(false).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost)
	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}
	return opts
}

func waitToken(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tok.Done():
		return tok.Error()
	}
}

// onConnect runs on every (re)connect, so subscriptions survive broker restarts.
func (c *Collector) onConnect(client mqtt.Client) {
	c.setConnected(true)
	c.logger.Info("mqtt connected", "broker", c.cfg.Broker)

	c.mu.RLock()
	topics := make(map[string]string, len(c.byTopic))
	for topic, name := range c.byTopic {
		topics[topic] = name
	}
	c.mu.RUnlock()

	if c.cfg.SkyImageTopic != "" {
		topics[c.cfg.SkyImageTopic] = "sky_image"
	}

	for topic, name := range topics {
		tok := client.Subscribe(topic, 0, c.HandleMessage)
		tok.Wait()
		if err := tok.Error(); err != nil {
			c.logger.Error("failed to subscribe", "topic", topic, "error", err)
			c.recordError(name, err)
			continue
		}
		c.logger.Info("subscribed to topic", "name", name, "topic", topic)
	}
}

func (c *Collector) onConnectionLost(_ mqtt.Client, err error) {
	c.setConnected(false)
	c.logger.Warn("mqtt connection lost, reconnecting", "error", err)
}

func (c *Collector) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
	c.metrics.SetMQTTConnected(v)
}

// Connected reports whether the broker connection is currently up.
func (c *Collector) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Status returns a snapshot of all topic statuses ordered by name.
func (c *Collector) Status() []TopicStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := time.Now().UTC()
	result := make([]TopicStatus, 0, len(c.statuses))
	for _, s := range c.statuses {
		status := *s
		if !s.UpdatedAt.IsZero() {
			status.AgeSeconds = now.Sub(s.UpdatedAt).Seconds()
		}
		result = append(result, status)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// TopicByName returns the MQTT topic for a configured name.
func (c *Collector) TopicByName(name string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.statuses[name]
	if !ok {
		return "", false
	}
	return s.Topic, true
}

// AllFavorable reports whether every topic with a threshold is currently
// favorable. It is false when no topic has a threshold.
func (c *Collector) AllFavorable() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	thresholds := 0
	for _, s := range c.statuses {
		if s.Green == nil {
			continue
		}
		thresholds++
		if s.Status != StatusFavorable {
			return false
		}
	}
	return thresholds > 0
}

// SkyImage returns the latest sky image payload and when it arrived.
func (c *Collector) SkyImage() ([]byte, time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.skyImage) == 0 {
		return nil, time.Time{}, false
	}
	return c.skyImage, c.skyAt, true
}

func (c *Collector) recordError(name string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.statuses[name]
	if !ok {
		return
	}
	s.ErrorCount++
	s.LastError = err.Error()
}

// evaluate returns the live status of value against a threshold.
func evaluate(value float64, green *float64, condition string) string {
	if green == nil {
		return StatusMonitoring
	}
	switch condition {
	case "above":
		if value > *green {
			return StatusFavorable
		}
	case "below":
		if value < *green {
			return StatusFavorable
		}
	default:
		return StatusMonitoring
	}
	return StatusWarning
}

// HandleMessage is the paho message callback for every subscribed topic.
func (c *Collector) HandleMessage(_ mqtt.Client, msg mqtt.Message) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic in message handler", "error", r, "topic", msg.Topic())
		}
	}()

	now := time.Now().UTC()

	if c.cfg.SkyImageTopic != "" && msg.Topic() == c.cfg.SkyImageTopic {
		img := append([]byte(nil), msg.Payload()...)
		c.mu.Lock()
		c.skyImage = img
		c.skyAt = now
		c.mu.Unlock()
		c.metrics.MQTTMessage("sky_image")
		c.logger.Debug("sky image updated", "bytes", len(img))
		return
	}

	c.mu.RLock()
	name, ok := c.byTopic[msg.Topic()]
	c.mu.RUnlock()
	if !ok {
		c.logger.Debug("dropping message on unknown topic", "topic", msg.Topic())
		return
	}
	c.metrics.MQTTMessage(name)

	raw := strings.TrimSpace(string(msg.Payload()))
	value, err := strconv.ParseFloat(raw, 64)
	// NaN and Inf cannot be encoded as JSON or stored in a NOT NULL column.
	numeric := err == nil && !math.IsNaN(value) && !math.IsInf(value, 0)

	c.mu.Lock()
	s := c.statuses[name]
	s.UpdatedAt = now
	if numeric {
		v := value
		s.Value = &v
		s.Raw = ""
		s.Status = evaluate(value, s.Green, s.Condition)
	} else {
		s.Value = nil
		s.Raw = raw
		s.Status = StatusMonitoring
	}
	c.mu.Unlock()

	if !numeric || !c.cfg.RecordReadings {
		return
	}

	c.mu.RLock()
	parentCtx := c.ctx
	c.mu.RUnlock()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithTimeout(parentCtx, saveTimeout)
	defer cancel()

	if err := c.store.SaveReading(ctx, &store.Reading{Topic: name, Timestamp: now, Value: value}); err != nil {
		c.logger.Error("failed to save reading", "name", name, "error", err)
		c.recordError(name, fmt.Errorf("saving reading: %w", err))
		return
	}

	c.logger.Debug("saved reading",
		"name", name,
		"timestamp", now.Format(time.RFC3339),
		"value", value,
	)
}
