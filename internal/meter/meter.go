package meter

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/beevik/etree"
	"golang.org/x/sync/errgroup"
)

// Hardware identification constants.
const (
	// hardwareInfoPath is the fixed sub-resource carrying device identity.
	hardwareInfoPath = "/sdev/sdi"

	// identifyTimeout is the per-attempt timeout for the identification
	// query. Endpoint polls use the longer endpointQueryTimeout.
	identifyTimeout = 4 * time.Second

	// defaultPollInterval is the delay between poll cycles.
	defaultPollInterval = 5 * time.Second
)

// State is the meter controller's lifecycle position.
type State int

// Meter lifecycle states.
const (
	StateUninitialized State = iota
	StateIdentifying
	StateConfiguring
	StateReady
	StateRunning
	StateTerminated
)

// String returns the state name for logs.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateIdentifying:
		return "identifying"
	case StateConfiguring:
		return "configuring"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Meter is the device controller for one physical meter.
//
// Lifecycle: construct, Setup once (fatal for this meter if hardware
// identification never succeeds within the retry budget), then Run
// until the context is cancelled. Sibling meters share the HTTP and
// message-bus clients by reference and are unaffected by this meter's
// failures.
type Meter struct {
	name    string
	baseURL string

	http *http.Client
	bus  Publisher
	qos  byte

	namer        TopicNamer
	schemaDir    string
	pollInterval time.Duration
	retry        retryPolicy
	sinks        []ReadingSink

	device    DeviceInfo
	endpoints []*Endpoint

	state   State
	stateMu sync.RWMutex

	logger   Logger
	loggerMu sync.RWMutex
}

// Options holds configuration for creating a meter controller.
type Options struct {
	// Name is the configured display name, without the LFDI suffix.
	Name string

	// Addr is the meter's host:port.
	Addr string

	// TopicPrefix is the discovery/state topic prefix.
	TopicPrefix string

	// SchemaDir holds the endpoint schema files.
	SchemaDir string

	// PollInterval is the delay between poll cycles. Zero means the
	// default of 5s.
	PollInterval time.Duration

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

// New creates a meter controller. Call Setup before Run.
func New(opts Options) (*Meter, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("meter address is required")
	}
	if opts.HTTPClient == nil {
		return nil, fmt.Errorf("HTTP client is required")
	}
	if opts.Bus == nil {
		return nil, fmt.Errorf("message-bus client is required")
	}

	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	retry := opts.Retry
	if retry.attempts == 0 {
		retry = defaultRetryPolicy()
	}

	return &Meter{
		name:         opts.Name,
		baseURL:      "https://" + opts.Addr,
		http:         opts.HTTPClient,
		bus:          opts.Bus,
		qos:          opts.QoS,
		namer:        NewTopicNamer(opts.TopicPrefix),
		schemaDir:    opts.SchemaDir,
		pollInterval: pollInterval,
		retry:        retry,
		sinks:        opts.Sinks,
		state:        StateUninitialized,
		logger:       opts.Logger,
	}, nil
}

// Setup identifies the meter hardware, publishes the device-level
// discovery config, loads the firmware-appropriate schema, and
// constructs every endpoint concurrently.
//
// Identification failure after the retry budget returns
// ErrIdentificationFailed: fatal for this meter, not the process.
func (m *Meter) Setup(ctx context.Context) error {
	m.setState(StateIdentifying)

	device, err := m.identify(ctx)
	if err != nil {
		m.setState(StateTerminated)
		return fmt.Errorf("%w: %w", ErrIdentificationFailed, err)
	}
	m.stateMu.Lock()
	m.device = device
	m.stateMu.Unlock()

	m.logInfo("meter identified",
		"lfdi", device.LFDI,
		"firmware", device.SWVersion,
		"model", device.Model)

	m.setState(StateConfiguring)

	deviceCfg, err := buildDeviceConfig(m.namer, device)
	if err != nil {
		m.setState(StateTerminated)
		return err
	}
	if err := m.bus.Publish(deviceCfg.topic, deviceCfg.payload, m.qos, true); err != nil {
		m.setState(StateTerminated)
		return fmt.Errorf("publishing device discovery config: %w", err)
	}

	schemaPath := SchemaFile(m.schemaDir, device.SWVersion)
	specs, err := LoadSchema(schemaPath)
	if err != nil {
		m.setState(StateTerminated)
		return fmt.Errorf("loading schema %s: %w", schemaPath, err)
	}

	if err := m.buildEndpoints(ctx, specs); err != nil {
		m.setState(StateTerminated)
		return err
	}

	m.setState(StateReady)
	m.logInfo("meter ready", "endpoints", len(m.endpoints), "schema", schemaPath)

	return nil
}

// buildEndpoints constructs all endpoints concurrently. A single
// construction failure aborts setup for this meter.
func (m *Meter) buildEndpoints(ctx context.Context, specs []EndpointSpec) error {
	endpoints := make([]*Endpoint, len(specs))

	g, gctx := errgroup.WithContext(ctx)
	for i, spec := range specs {
		i, spec := i, spec
		g.Go(func() error {
			ep, err := NewEndpoint(gctx, EndpointOptions{
				Spec:       spec,
				BaseURL:    m.baseURL,
				Device:     m.device,
				Namer:      m.namer,
				HTTPClient: m.http,
				Bus:        m.bus,
				QoS:        m.qos,
				Logger:     m.loggerSnapshot(),
				Sinks:      m.sinks,
				Retry:      m.retry,
			})
			if err != nil {
				return fmt.Errorf("endpoint %s: %w", spec.Name, err)
			}
			endpoints[i] = ep
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Sensor names must be unique across the whole meter; two endpoints
	// resolving to the same state topic is a configuration error.
	seen := make(map[string]string)
	for _, ep := range endpoints {
		for _, topic := range ep.StateTopics() {
			if other, ok := seen[topic]; ok {
				return fmt.Errorf("%w: endpoints %s and %s share %s",
					ErrTopicCollision, other, ep.Name(), topic)
			}
			seen[topic] = ep.Name()
		}
	}

	m.stateMu.Lock()
	m.endpoints = endpoints
	m.stateMu.Unlock()
	return nil
}

// Run drives the repeating poll cycle until ctx is cancelled.
//
// Each cycle sleeps for the poll interval, then polls every endpoint
// concurrently. A failure in one endpoint's poll is caught and logged;
// siblings still publish their readings that cycle.
func (m *Meter) Run(ctx context.Context) error {
	if m.State() != StateReady {
		return ErrNotReady
	}
	m.setState(StateRunning)
	defer m.setState(StateTerminated)

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	m.logInfo("poll loop started", "interval", m.pollInterval.String())

	for {
		select {
		case <-ctx.Done():
			m.logInfo("poll loop stopped")
			return nil
		case <-ticker.C:
			m.pollAll(ctx)
		}
	}
}

// pollAll fans one poll cycle out across every endpoint, catching each
// endpoint's failure locally so the join always completes.
func (m *Meter) pollAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, ep := range m.endpoints {
		wg.Add(1)
		go func(ep *Endpoint) {
			defer wg.Done()
			if err := ep.Poll(ctx); err != nil {
				m.logError("endpoint poll failed", err)
			}
		}(ep)
	}
	wg.Wait()
}

// identify queries the hardware-info sub-resource under the retry
// policy and requires all three identity fields.
func (m *Meter) identify(ctx context.Context) (DeviceInfo, error) {
	var device DeviceInfo

	err := retryQuery(ctx, m.retry, m.logWarn, func() error {
		body, err := fetchXML(ctx, m.http, m.baseURL+hardwareInfoPath, identifyTimeout)
		if err != nil {
			return err
		}

		info, err := parseHardwareInfo(body)
		if err != nil {
			return err
		}

		device = info
		device.Name = fmt.Sprintf("%s (%s)", m.name, info.LFDI)
		return nil
	})

	return device, err
}

// parseHardwareInfo extracts lFDI, swVer, and mfID from the hardware
// endpoint response. All three are required.
func parseHardwareInfo(body []byte) (DeviceInfo, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return DeviceInfo{}, fmt.Errorf("parsing hardware info: %w", err)
	}

	var info DeviceInfo
	fields := []struct {
		element string
		dst     *string
	}{
		{"lFDI", &info.LFDI},
		{"swVer", &info.SWVersion},
		{"mfID", &info.Model},
	}
	for _, f := range fields {
		el := doc.FindElement("//" + f.element)
		if el == nil || el.Text() == "" {
			return DeviceInfo{}, fmt.Errorf("hardware info missing %s", f.element)
		}
		*f.dst = el.Text()
	}

	return info, nil
}

// State returns the controller's current lifecycle state.
func (m *Meter) State() State {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.state
}

// Device returns the identified device info. Zero before Setup succeeds.
// Safe to call while Setup runs.
func (m *Meter) Device() DeviceInfo {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.device
}

// Endpoints returns the constructed endpoints. Empty before Setup.
// Safe to call while Setup runs.
func (m *Meter) Endpoints() []*Endpoint {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.endpoints
}

func (m *Meter) setState(s State) {
	m.stateMu.Lock()
	m.state = s
	m.stateMu.Unlock()
}

// SetLogger updates the meter's logger.
func (m *Meter) SetLogger(logger Logger) {
	m.loggerMu.Lock()
	defer m.loggerMu.Unlock()
	m.logger = logger
}

func (m *Meter) loggerSnapshot() Logger {
	m.loggerMu.RLock()
	defer m.loggerMu.RUnlock()
	return m.logger
}

func (m *Meter) logInfo(msg string, keysAndValues ...any) {
	if logger := m.loggerSnapshot(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (m *Meter) logWarn(msg string, keysAndValues ...any) {
	if logger := m.loggerSnapshot(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (m *Meter) logError(msg string, err error) {
	if logger := m.loggerSnapshot(); logger != nil {
		logger.Error(msg, "error", err)
	}
}
