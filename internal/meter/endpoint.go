package meter

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/beevik/etree"
	"golang.org/x/sync/errgroup"
)

// Endpoint query timeout. Identification uses its own shorter one.
const endpointQueryTimeout = 15 * time.Second

// Publisher is the message-bus surface an endpoint needs.
// Satisfied by *mqtt.Client; shared by reference across all endpoints.
type Publisher interface {
	// Publish sends a message to a topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// ReadingSink receives every routed reading, e.g. for local history or
// a time-series store. Sink failures are logged, never fatal.
type ReadingSink interface {
	Record(ctx context.Context, meterName, endpoint, sensor, value string) error
}

// Endpoint owns one meter sub-resource URL and its tag subtree.
//
// On construction it records the state topic for every leaf sensor and
// publishes one retained discovery config per leaf. On each Poll it
// queries the sub-resource, parses the XML response, and routes each
// reading to its recorded state topic.
//
// The HTTP client and Publisher are shared, not owned; their lifetime
// is managed by the Meter controller.
type Endpoint struct {
	name      string
	url       string
	tags      []TagSpec
	device    DeviceInfo
	meterName string
	namer     TopicNamer

	http *http.Client
	bus  Publisher
	qos  byte

	// stateTopics maps flattened reading keys to state topics.
	// Built once at construction, read-only thereafter.
	stateTopics map[string]string

	retry retryPolicy
	sinks []ReadingSink

	logger   Logger
	loggerMu sync.RWMutex
}

// EndpointOptions holds everything an endpoint needs at construction.
type EndpointOptions struct {
	// Spec is the schema entry for this sub-resource.
	Spec EndpointSpec

	// BaseURL is the meter's https://host:port base.
	BaseURL string

	// Device is the identified meter, referenced for payload enrichment.
	Device DeviceInfo

	// Namer composes discovery and state topics.
	Namer TopicNamer

	// HTTPClient is the shared meter transport.
	HTTPClient *http.Client

	// Bus is the shared message-bus client.
	Bus Publisher

	// QoS is the publish quality-of-service level.
	QoS byte

	// Logger is optional.
	Logger Logger

	// Sinks optionally receive every routed reading.
	Sinks []ReadingSink

	// Retry overrides the default policy when non-zero (tests).
	Retry retryPolicy
}

// NewEndpoint constructs an endpoint and publishes its discovery
// configs, one retained config per leaf sensor, concurrently.
//
// The state-topic table is fully populated before any config is
// published, so reading routing is correct even if publishes race.
//
// Returns ErrTopicCollision if two leaves resolve to the same state
// topic, or the first publish failure.
func NewEndpoint(ctx context.Context, opts EndpointOptions) (*Endpoint, error) {
	if opts.HTTPClient == nil {
		return nil, fmt.Errorf("HTTP client is required")
	}
	if opts.Bus == nil {
		return nil, fmt.Errorf("message-bus client is required")
	}

	retry := opts.Retry
	if retry.attempts == 0 {
		retry = defaultRetryPolicy()
	}

	e := &Endpoint{
		name:        opts.Spec.Name,
		url:         opts.BaseURL + opts.Spec.URL,
		tags:        opts.Spec.Tags,
		device:      opts.Device,
		meterName:   opts.Device.Name,
		namer:       opts.Namer,
		http:        opts.HTTPClient,
		bus:         opts.Bus,
		qos:         opts.QoS,
		stateTopics: make(map[string]string),
		retry:       retry,
		sinks:       opts.Sinks,
		logger:      opts.Logger,
	}

	configs, err := e.buildConfigs()
	if err != nil {
		return nil, err
	}

	// Table is complete; now fan out the retained config publishes.
	var g errgroup.Group
	for _, cfg := range configs {
		cfg := cfg
		g.Go(func() error {
			if err := e.bus.Publish(cfg.topic, cfg.payload, e.qos, true); err != nil {
				return fmt.Errorf("publishing discovery config %s: %w", cfg.topic, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	e.logDebug("endpoint ready", "endpoint", e.name, "sensors", len(e.stateTopics))

	return e, nil
}

// buildConfigs walks the tag tree, generating one discovery config per
// leaf and recording each leaf's state topic in the lookup table.
func (e *Endpoint) buildConfigs() ([]discoveryConfig, error) {
	configs := make([]discoveryConfig, 0, LeafCount(e.tags))

	add := func(key string, entity EntityMeta) error {
		cfg, err := buildSensorConfig(e.namer, e.device, e.meterName, key, entity)
		if err != nil {
			return err
		}
		if _, ok := e.stateTopics[key]; ok {
			return fmt.Errorf("%w: duplicate key %s", ErrTopicCollision, key)
		}
		e.stateTopics[key] = cfg.stateTopic
		configs = append(configs, cfg)
		return nil
	}

	for _, tag := range e.tags {
		switch t := tag.(type) {
		case ScalarLeaf:
			if err := add(t.Element, t.Entity); err != nil {
				return nil, err
			}
		case VariantList:
			for _, v := range t.Variants {
				if err := add(t.Prefix+v.Element, v.Entity); err != nil {
					return nil, err
				}
			}
		default:
			return nil, fmt.Errorf("%w: unknown tag spec %T", ErrSchemaInvalid, tag)
		}
	}

	return configs, nil
}

// Poll performs one query, parse, route, publish cycle.
//
// Query failures that exhaust the retry budget return ErrQueryFailed;
// malformed XML returns ErrParseFailed. Either way the cycle is a
// no-op for this endpoint and siblings are unaffected. Missing elements
// are not errors, their keys are simply absent this cycle.
func (e *Endpoint) Poll(ctx context.Context) error {
	body, err := e.query(ctx)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrQueryFailed, e.name, err)
	}

	readings, err := parseReadings(body, e.tags)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrParseFailed, e.name, err)
	}

	return e.publishReadings(ctx, readings)
}

// Name returns the endpoint's schema display name.
func (e *Endpoint) Name() string {
	return e.name
}

// StateTopics returns a copy of the reading-key to state-topic table.
func (e *Endpoint) StateTopics() map[string]string {
	out := make(map[string]string, len(e.stateTopics))
	for k, v := range e.stateTopics {
		out[k] = v
	}
	return out
}

// query fetches the sub-resource body, retrying per the policy.
func (e *Endpoint) query(ctx context.Context) ([]byte, error) {
	var body []byte
	err := retryQuery(ctx, e.retry, e.logWarn, func() error {
		data, err := fetchXML(ctx, e.http, e.url, endpointQueryTimeout)
		if err != nil {
			return err
		}
		body = data
		return nil
	})
	return body, err
}

// publishReadings routes each reading to its state topic and fans out
// the publishes. Readings with no registered state topic are dropped.
func (e *Endpoint) publishReadings(ctx context.Context, readings map[string]string) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(readings))

	for key, value := range readings {
		topic, ok := e.stateTopics[key]
		if !ok {
			// No registered topic for this key; drop the reading.
			e.logDebug("dropping unmapped reading", "endpoint", e.name, "key", key)
			continue
		}

		e.record(ctx, key, value)

		wg.Add(1)
		go func(topic, value string) {
			defer wg.Done()
			if err := e.bus.Publish(topic, []byte(value), e.qos, false); err != nil {
				errCh <- fmt.Errorf("publishing %s: %w", topic, err)
			}
		}(topic, value)
	}

	wg.Wait()
	close(errCh)

	// First failure wins; the rest were still attempted.
	for err := range errCh {
		return err
	}
	return nil
}

// record hands the reading to every sink. Sink errors never fail a cycle.
func (e *Endpoint) record(ctx context.Context, key, value string) {
	for _, sink := range e.sinks {
		if err := sink.Record(ctx, SanitizeName(e.meterName), e.name, key, value); err != nil {
			e.logWarn("reading sink failed", "endpoint", e.name, "key", key, "error", err)
		}
	}
}

// parseReadings extracts the tag tree's leaves from a meter XML
// response. Elements are matched by local name anywhere in the
// document. A missing element omits its key from the result.
func parseReadings(body []byte, tags []TagSpec) (map[string]string, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return nil, err
	}
	if doc.Root() == nil {
		return nil, fmt.Errorf("response has no root element")
	}

	readings := make(map[string]string)
	find := func(element string) (string, bool) {
		el := doc.FindElement("//" + element)
		if el == nil {
			return "", false
		}
		return el.Text(), true
	}

	for _, tag := range tags {
		switch t := tag.(type) {
		case ScalarLeaf:
			if value, ok := find(t.Element); ok {
				readings[t.Element] = value
			}
		case VariantList:
			for _, v := range t.Variants {
				if value, ok := find(v.Element); ok {
					readings[t.Prefix+v.Element] = value
				}
			}
		}
	}

	return readings, nil
}

// fetchXML performs one GET with a per-attempt timeout, treating
// non-2xx statuses as retryable failures.
func fetchXML(ctx context.Context, client *http.Client, url string, timeout time.Duration) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck // Read side only

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}

	return io.ReadAll(resp.Body)
}

// SetLogger updates the endpoint's logger.
func (e *Endpoint) SetLogger(logger Logger) {
	e.loggerMu.Lock()
	defer e.loggerMu.Unlock()
	e.logger = logger
}

func (e *Endpoint) logDebug(msg string, keysAndValues ...any) {
	e.loggerMu.RLock()
	logger := e.logger
	e.loggerMu.RUnlock()

	if logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (e *Endpoint) logWarn(msg string, keysAndValues ...any) {
	e.loggerMu.RLock()
	logger := e.logger
	e.loggerMu.RUnlock()

	if logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}
