package collector

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/smeird/PubObs/internal/config"
	"github.com/smeird/PubObs/internal/metrics"
	"github.com/smeird/PubObs/internal/store"
)

// mockStore implements store.Store for testing.
type mockStore struct {
	mu       sync.Mutex
	readings []store.Reading
	saveErr  error // If set, SaveReading returns this error.
}

func (m *mockStore) SaveObservation(context.Context, *store.Observation) error   { return nil }
func (m *mockStore) SaveObservations(context.Context, []store.Observation) error { return nil }

func (m *mockStore) SumSafeByHour(context.Context, time.Time, time.Time) ([]store.HourlySum, error) {
	return nil, nil
}

func (m *mockStore) LatestObservation(context.Context, time.Time, time.Time) (*store.Observation, error) {
	return nil, nil
}

func (m *mockStore) GetDataRange(context.Context) (time.Time, time.Time, error) {
	return time.Time{}, time.Time{}, nil
}

func (m *mockStore) GetObservationCount(context.Context) (int, error) { return 0, nil }

func (m *mockStore) SaveReading(_ context.Context, r *store.Reading) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.readings = append(m.readings, *r)
	return nil
}

func (m *mockStore) GetReadings(context.Context, string, time.Time, time.Time, int) ([]store.Reading, error) {
	return nil, nil
}

func (m *mockStore) GetSetting(context.Context, string) (string, bool, error) { return "", false, nil }
func (m *mockStore) SaveSetting(context.Context, string, string) error         { return nil }
func (m *mockStore) Close() error                                              { return nil }

// fakeMessage implements mqtt.Message.
type fakeMessage struct {
	topic   string
	payload []byte
}

func (f *fakeMessage) Duplicate() bool   { return false }
func (f *fakeMessage) Qos() byte         { return 0 }
func (f *fakeMessage) Retained() bool    { return false }
func (f *fakeMessage) Topic() string     { return f.topic }
func (f *fakeMessage) MessageID() uint16 { return 1 }
func (f *fakeMessage) Payload() []byte   { return f.payload }
func (f *fakeMessage) Ack()              {}

// fakeToken is an already-completed mqtt.Token.
type fakeToken struct{ err error }

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error                   { return t.err }

func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// fakeClient records subscriptions and calls the OnConnect handler on Connect.
type fakeClient struct {
	mqtt.Client
	opts *mqtt.ClientOptions

	mu           sync.Mutex
	subscribed   []string
	disconnected bool
}

func (f *fakeClient) Connect() mqtt.Token {
	if f.opts.OnConnect != nil {
		f.opts.OnConnect(f)
	}
	return &fakeToken{}
}

func (f *fakeClient) Subscribe(topic string, _ byte, _ mqtt.MessageHandler) mqtt.Token {
	f.mu.Lock()
	f.subscribed = append(f.subscribed, topic)
	f.mu.Unlock()
	return &fakeToken{}
}

func (f *fakeClient) Disconnect(uint) {
	f.mu.Lock()
	f.disconnected = true
	f.mu.Unlock()
}

func ptr(f float64) *float64 { return &f }

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker:         "tcp://broker:1883",
		ClientID:       "pubobs-test",
		RecordReadings: true,
		SkyImageTopic:  "Observatory/skyimage",
		Topics: map[string]config.TopicConfig{
			"sqm":   {Topic: "Observatory/sqm", Unit: "mag", Green: ptr(20), Condition: "above"},
			"cloud": {Topic: "Observatory/cloud", Green: ptr(-15), Condition: "below"},
			"temp":  {Topic: "Observatory/temp", Unit: "C"},
		},
	}
}

func statusByName(c *Collector, name string) TopicStatus {
	for _, s := range c.Status() {
		if s.Name == name {
			return s
		}
	}
	return TopicStatus{}
}

func TestCollector_InitialStatus(t *testing.T) {
	coll := NewCollector(&mockStore{}, testConfig(), nil, slog.Default())

	statuses := coll.Status()
	if len(statuses) != 3 {
		t.Fatalf("got %d statuses, want 3", len(statuses))
	}
	if statuses[0].Name != "cloud" || statuses[2].Name != "temp" {
		t.Errorf("statuses not ordered by name: %+v", statuses)
	}
	for _, s := range statuses {
		if s.Status != StatusWaiting {
			t.Errorf("%s status = %q, want waiting", s.Name, s.Status)
		}
	}
	if coll.Connected() {
		t.Error("should not be connected initially")
	}
	if coll.AllFavorable() {
		t.Error("AllFavorable should be false before any reading")
	}
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name      string
		value     float64
		green     *float64
		condition string
		want      string
	}{
		{"above favorable", 21, ptr(20), "above", StatusFavorable},
		{"above equal is warning", 20, ptr(20), "above", StatusWarning},
		{"above warning", 19, ptr(20), "above", StatusWarning},
		{"below favorable", -20, ptr(-15), "below", StatusFavorable},
		{"below warning", -10, ptr(-15), "below", StatusWarning},
		{"no threshold", 5, nil, "", StatusMonitoring},
		{"unknown condition", 5, ptr(1), "near", StatusMonitoring},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := evaluate(tt.value, tt.green, tt.condition); got != tt.want {
				t.Errorf("evaluate(%v) = %q, want %q", tt.value, got, tt.want)
			}
		})
	}
}

func TestCollector_HandleMessage(t *testing.T) {
	ms := &mockStore{}
	coll := NewCollector(ms, testConfig(), metrics.New(), slog.Default())

	coll.HandleMessage(nil, &fakeMessage{topic: "Observatory/sqm", payload: []byte(" 21.3\n")})
	coll.HandleMessage(nil, &fakeMessage{topic: "Observatory/cloud", payload: []byte("-10")})
	coll.HandleMessage(nil, &fakeMessage{topic: "Observatory/temp", payload: []byte("offline")})
	coll.HandleMessage(nil, &fakeMessage{topic: "Other/topic", payload: []byte("1")})

	sqm := statusByName(coll, "sqm")
	if sqm.Status != StatusFavorable || sqm.Value == nil || *sqm.Value != 21.3 {
		t.Errorf("sqm = %+v, want favorable 21.3", sqm)
	}
	if cloud := statusByName(coll, "cloud"); cloud.Status != StatusWarning {
		t.Errorf("cloud status = %q, want warning", cloud.Status)
	}
	temp := statusByName(coll, "temp")
	if temp.Status != StatusMonitoring || temp.Value != nil || temp.Raw != "offline" {
		t.Errorf("temp = %+v, want monitoring with raw payload", temp)
	}

	// Only numeric payloads on known topics are recorded, under the configured name.
	if len(ms.readings) != 2 {
		t.Fatalf("got %d saved readings, want 2", len(ms.readings))
	}
	if ms.readings[0].Topic != "sqm" || ms.readings[0].Value != 21.3 {
		t.Errorf("first reading = %+v", ms.readings[0])
	}

	if coll.AllFavorable() {
		t.Error("AllFavorable should be false while cloud is warning")
	}
	coll.HandleMessage(nil, &fakeMessage{topic: "Observatory/cloud", payload: []byte("-18.5")})
	if !coll.AllFavorable() {
		t.Error("AllFavorable should be true once every thresholded topic is favorable")
	}
}

func TestCollector_HandleMessageNonFinite(t *testing.T) {
	for _, payload := range []string{"NaN", "nan", "Inf", "-Inf", "+infinity"} {
		t.Run(payload, func(t *testing.T) {
			ms := &mockStore{}
			coll := NewCollector(ms, testConfig(), nil, slog.Default())

			coll.HandleMessage(nil, &fakeMessage{topic: "Observatory/sqm", payload: []byte("21")})
			coll.HandleMessage(nil, &fakeMessage{topic: "Observatory/sqm", payload: []byte(payload)})

			s := statusByName(coll, "sqm")
			if s.Status != StatusMonitoring || s.Value != nil || s.Raw != payload {
				t.Errorf("sqm = %+v, want monitoring with raw payload", s)
			}
			if len(ms.readings) != 1 {
				t.Errorf("got %d saved readings, want only the finite one", len(ms.readings))
			}
			if _, err := json.Marshal(coll.Status()); err != nil {
				t.Errorf("status not encodable: %v", err)
			}
		})
	}
}

func TestCollector_RecordReadingsDisabled(t *testing.T) {
	ms := &mockStore{}
	cfg := testConfig()
	cfg.RecordReadings = false
	coll := NewCollector(ms, cfg, nil, slog.Default())

	coll.HandleMessage(nil, &fakeMessage{topic: "Observatory/sqm", payload: []byte("21")})

	if len(ms.readings) != 0 {
		t.Errorf("got %d saved readings, want 0", len(ms.readings))
	}
	if s := statusByName(coll, "sqm"); s.Status != StatusFavorable {
		t.Errorf("status still tracked when not recording: got %q", s.Status)
	}
}

func TestCollector_SaveError(t *testing.T) {
	ms := &mockStore{saveErr: errors.New("disk full")}
	coll := NewCollector(ms, testConfig(), nil, slog.Default())

	coll.HandleMessage(nil, &fakeMessage{topic: "Observatory/sqm", payload: []byte("21")})

	s := statusByName(coll, "sqm")
	if s.ErrorCount != 1 {
		t.Errorf("error count = %d, want 1", s.ErrorCount)
	}
	if s.LastError == "" {
		t.Error("expected last error to be set")
	}
}

func TestCollector_SkyImage(t *testing.T) {
	coll := NewCollector(&mockStore{}, testConfig(), nil, slog.Default())

	if _, _, ok := coll.SkyImage(); ok {
		t.Fatal("expected no sky image initially")
	}

	payload := []byte{0xff, 0xd8, 0xff, 0xe0}
	coll.HandleMessage(nil, &fakeMessage{topic: "Observatory/skyimage", payload: payload})
	payload[0] = 0 // the collector must keep its own copy

	img, at, ok := coll.SkyImage()
	if !ok {
		t.Fatal("expected sky image")
	}
	if img[0] != 0xff || len(img) != 4 {
		t.Errorf("image = %x", img)
	}
	if at.IsZero() {
		t.Error("expected arrival time")
	}
}

func TestCollector_StartSubscribesAndDisconnects(t *testing.T) {
	coll := NewCollector(&mockStore{}, testConfig(), metrics.New(), slog.Default())

	var client *fakeClient
	coll.newClient = func(opts *mqtt.ClientOptions) mqtt.Client {
		client = &fakeClient{opts: opts}
		return client
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = coll.Start(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for !coll.Connected() {
		select {
		case <-deadline:
			t.Fatal("collector never connected")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancellation")
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.subscribed) != 4 {
		t.Errorf("subscribed to %v, want 3 topics plus sky image", client.subscribed)
	}
	if !client.disconnected {
		t.Error("expected Disconnect on shutdown")
	}
	if coll.Connected() {
		t.Error("should report disconnected after shutdown")
	}
}

func TestCollector_ContextCancellation(t *testing.T) {
	coll := NewCollector(&mockStore{}, config.MQTTConfig{}, nil, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // Cancel immediately.

	// Start should return promptly when context is already cancelled.
	done := make(chan struct{})
	go func() {
		_ = coll.Start(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after context cancellation")
	}
}
