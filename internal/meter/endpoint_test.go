package meter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// fakeBus records publishes for assertions. Safe for concurrent use.
type fakeBus struct {
	mu       sync.Mutex
	messages []fakeMessage
	failWith error
}

type fakeMessage struct {
	topic    string
	payload  string
	retained bool
}

func (b *fakeBus) Publish(topic string, payload []byte, _ byte, retained bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failWith != nil {
		return b.failWith
	}
	b.messages = append(b.messages, fakeMessage{topic: topic, payload: string(payload), retained: retained})
	return nil
}

func (b *fakeBus) byTopic() map[string]fakeMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]fakeMessage, len(b.messages))
	for _, m := range b.messages {
		out[m.topic] = m
	}
	return out
}

func (b *fakeBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.messages)
}

// scenarioTags matches the schema {"lFDI": leaf, "Reading": [{"Voltage"}, {"Current"}]}.
func scenarioTags() []TagSpec {
	return []TagSpec{
		ScalarLeaf{Element: "lFDI", Entity: EntityMeta{Type: "sensor"}},
		VariantList{Prefix: "Reading", Variants: []Variant{
			{Element: "Voltage", Entity: EntityMeta{Type: "sensor"}},
			{Element: "Current", Entity: EntityMeta{Type: "sensor"}},
		}},
	}
}

func scenarioDevice() DeviceInfo {
	return DeviceInfo{
		LFDI:      "123",
		Name:      "Meter A (123)",
		Model:     "itron",
		SWVersion: "3.2.39",
	}
}

func newTestEndpoint(t *testing.T, server *httptest.Server, bus Publisher, tags []TagSpec) *Endpoint {
	t.Helper()

	ep, err := NewEndpoint(context.Background(), EndpointOptions{
		Spec:       EndpointSpec{Name: "Reading", URL: "/upt/1/mr/1/r", Tags: tags},
		BaseURL:    server.URL,
		Device:     scenarioDevice(),
		Namer:      NewTopicNamer("homeassistant"),
		HTTPClient: server.Client(),
		Bus:        bus,
		QoS:        1,
		Retry:      fastRetryPolicy(),
	})
	if err != nil {
		t.Fatalf("NewEndpoint() error = %v", err)
	}
	return ep
}

func xmlHandler(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write([]byte(body))
	}
}

const scenarioXML = `<DeviceStatus xmlns="urn:ieee:std:2030.5:ns">
  <lFDI>123</lFDI>
  <Reading>
    <Voltage>240</Voltage>
    <Current>13</Current>
  </Reading>
</DeviceStatus>`

func TestEndpointDiscoveryConfigPerLeaf(t *testing.T) {
	server := httptest.NewTLSServer(xmlHandler(scenarioXML))
	defer server.Close()

	bus := &fakeBus{}
	newTestEndpoint(t, server, bus, scenarioTags())

	// One scalar leaf plus two named variants.
	if bus.count() != 3 {
		t.Fatalf("published %d discovery configs, want 3", bus.count())
	}

	for topic, msg := range bus.byTopic() {
		if !strings.HasSuffix(topic, "/config") {
			t.Errorf("discovery topic %q should end in /config", topic)
		}
		if !msg.retained {
			t.Errorf("discovery config on %q should be retained", topic)
		}

		var payload map[string]any
		if err := json.Unmarshal([]byte(msg.payload), &payload); err != nil {
			t.Fatalf("discovery payload on %q is not JSON: %v", topic, err)
		}
		for _, field := range []string{"name", "unique_id", "state_topic", "device"} {
			if _, ok := payload[field]; !ok {
				t.Errorf("payload on %q missing %q", topic, field)
			}
		}
	}
}

func TestEndpointStateTopicScenario(t *testing.T) {
	server := httptest.NewTLSServer(xmlHandler(scenarioXML))
	defer server.Close()

	ep := newTestEndpoint(t, server, &fakeBus{}, scenarioTags())

	want := map[string]string{
		"lFDI":           "homeassistant/sensor/meter_a_123/lFDI/state",
		"ReadingVoltage": "homeassistant/sensor/meter_a_123/ReadingVoltage/state",
		"ReadingCurrent": "homeassistant/sensor/meter_a_123/ReadingCurrent/state",
	}

	got := ep.StateTopics()
	if len(got) != len(want) {
		t.Fatalf("state topic table has %d entries, want %d", len(got), len(want))
	}
	for key, topic := range want {
		if got[key] != topic {
			t.Errorf("state topic for %q = %q, want %q", key, got[key], topic)
		}
	}
}

func TestEndpointTableCoversParserKeys(t *testing.T) {
	server := httptest.NewTLSServer(xmlHandler(scenarioXML))
	defer server.Close()

	ep := newTestEndpoint(t, server, &fakeBus{}, scenarioTags())

	readings, err := parseReadings([]byte(scenarioXML), scenarioTags())
	if err != nil {
		t.Fatalf("parseReadings() error = %v", err)
	}

	table := ep.StateTopics()
	for key := range readings {
		if _, ok := table[key]; !ok {
			t.Errorf("parser emitted key %q with no registered state topic", key)
		}
	}
}

func TestEndpointPollPublishesReadings(t *testing.T) {
	server := httptest.NewTLSServer(xmlHandler(scenarioXML))
	defer server.Close()

	bus := &fakeBus{}
	ep := newTestEndpoint(t, server, bus, scenarioTags())

	before := bus.count()
	if err := ep.Poll(context.Background()); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}

	byTopic := bus.byTopic()
	wantStates := map[string]string{
		"homeassistant/sensor/meter_a_123/lFDI/state":           "123",
		"homeassistant/sensor/meter_a_123/ReadingVoltage/state": "240",
		"homeassistant/sensor/meter_a_123/ReadingCurrent/state": "13",
	}

	if bus.count()-before != len(wantStates) {
		t.Errorf("poll published %d messages, want %d", bus.count()-before, len(wantStates))
	}
	for topic, value := range wantStates {
		msg, ok := byTopic[topic]
		if !ok {
			t.Errorf("no state published on %q", topic)
			continue
		}
		if msg.payload != value {
			t.Errorf("state on %q = %q, want %q", topic, msg.payload, value)
		}
		if msg.retained {
			t.Errorf("state on %q should not be retained", topic)
		}
	}
}

func TestEndpointMissingElementOmitted(t *testing.T) {
	// Response without the Current element.
	const partialXML = `<DeviceStatus xmlns="urn:ieee:std:2030.5:ns">
  <lFDI>123</lFDI>
  <Reading><Voltage>240</Voltage></Reading>
</DeviceStatus>`

	server := httptest.NewTLSServer(xmlHandler(partialXML))
	defer server.Close()

	bus := &fakeBus{}
	ep := newTestEndpoint(t, server, bus, scenarioTags())

	before := bus.count()
	if err := ep.Poll(context.Background()); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}

	if got := bus.count() - before; got != 2 {
		t.Fatalf("poll published %d states, want 2 (lFDI and ReadingVoltage only)", got)
	}
	byTopic := bus.byTopic()
	if _, ok := byTopic["homeassistant/sensor/meter_a_123/ReadingCurrent/state"]; ok {
		t.Error("missing element should not produce a publish")
	}
}

func TestEndpointQueryRetriesThenSucceeds(t *testing.T) {
	var mu sync.Mutex
	failures := 3
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if failures > 0 {
			failures--
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(scenarioXML))
	}))
	defer server.Close()

	ep := newTestEndpoint(t, server, &fakeBus{}, scenarioTags())

	if err := ep.Poll(context.Background()); err != nil {
		t.Fatalf("Poll() should succeed after transient failures: %v", err)
	}
}

func TestEndpointQueryExhaustsRetries(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	ep := newTestEndpoint(t, server, &fakeBus{}, scenarioTags())

	err := ep.Poll(context.Background())
	if !errors.Is(err, ErrQueryFailed) {
		t.Fatalf("Poll() error = %v, want ErrQueryFailed", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if attempts != 15 {
		t.Errorf("server saw %d attempts, want exactly 15", attempts)
	}
}

func TestEndpointMalformedXML(t *testing.T) {
	server := httptest.NewTLSServer(xmlHandler("<unterminated"))
	defer server.Close()

	ep := newTestEndpoint(t, server, &fakeBus{}, scenarioTags())

	if err := ep.Poll(context.Background()); !errors.Is(err, ErrParseFailed) {
		t.Errorf("Poll() error = %v, want ErrParseFailed", err)
	}
}

func TestEndpointTopicCollision(t *testing.T) {
	server := httptest.NewTLSServer(xmlHandler(scenarioXML))
	defer server.Close()

	tags := []TagSpec{
		ScalarLeaf{Element: "lFDI", Entity: EntityMeta{Type: "sensor"}},
		ScalarLeaf{Element: "lFDI", Entity: EntityMeta{Type: "sensor"}},
	}

	_, err := NewEndpoint(context.Background(), EndpointOptions{
		Spec:       EndpointSpec{Name: "Dup", URL: "/x", Tags: tags},
		BaseURL:    server.URL,
		Device:     scenarioDevice(),
		Namer:      NewTopicNamer("homeassistant"),
		HTTPClient: server.Client(),
		Bus:        &fakeBus{},
		Retry:      fastRetryPolicy(),
	})
	if !errors.Is(err, ErrTopicCollision) {
		t.Errorf("NewEndpoint() error = %v, want ErrTopicCollision", err)
	}
}

func TestEndpointDiscoveryPublishFailure(t *testing.T) {
	server := httptest.NewTLSServer(xmlHandler(scenarioXML))
	defer server.Close()

	_, err := NewEndpoint(context.Background(), EndpointOptions{
		Spec:       EndpointSpec{Name: "Reading", URL: "/x", Tags: scenarioTags()},
		BaseURL:    server.URL,
		Device:     scenarioDevice(),
		Namer:      NewTopicNamer("homeassistant"),
		HTTPClient: server.Client(),
		Bus:        &fakeBus{failWith: errors.New("broker down")},
		Retry:      fastRetryPolicy(),
	})
	if err == nil {
		t.Error("NewEndpoint() should surface discovery publish failures")
	}
}

func TestParseReadingsDropsUnknownElements(t *testing.T) {
	const extraXML = `<DeviceStatus xmlns="urn:ieee:std:2030.5:ns">
  <lFDI>123</lFDI>
  <Unrelated>9</Unrelated>
</DeviceStatus>`

	readings, err := parseReadings([]byte(extraXML), scenarioTags())
	if err != nil {
		t.Fatalf("parseReadings() error = %v", err)
	}
	if len(readings) != 1 || readings["lFDI"] != "123" {
		t.Errorf("readings = %v, want only lFDI", readings)
	}
}
