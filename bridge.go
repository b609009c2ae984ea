package leap

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State is a position in the connection lifecycle state machine (§4.4).
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateHandshaking
	StateBootstrapping
	StateLive
	StateError
	StateClosing
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnecting:
		return "Connecting"
	case StateHandshaking:
		return "Handshaking"
	case StateBootstrapping:
		return "Bootstrapping"
	case StateLive:
		return "Live"
	case StateError:
		return "Error"
	case StateClosing:
		return "Closing"
	case StateReconnecting:
		return "Reconnecting"
	default:
		return "Unknown"
	}
}

// BridgeOptions configures a Bridge.
type BridgeOptions struct {
	Config *Config
	// OnConnected is invoked exactly once per successful bootstrap (§4.4
	// step 8), including after every reconnect.
	OnConnected func()
}

// Bridge is the public engine: it owns the connection lifecycle, the live
// device model, the reconnect supervisor, and per-topic observer
// registries. A Bridge is safe for concurrent use by multiple goroutines;
// internally only its own supervisor goroutine swaps the connection and runs
// bootstrap, and event routing updates entity state from the requester's
// dispatch goroutine (§5).
type Bridge struct {
	cfg    *Config
	logger *logrus.Logger
	model  *model

	onConnected func()

	mu        sync.RWMutex
	state     State
	conn      *Connection
	requester *Requester
	flavor    bridgeFlavor

	cancel    context.CancelFunc
	closeOnce sync.Once
	closed    chan struct{}

	deviceSubsMu    sync.Mutex
	deviceSubs      map[int]map[uint64]func(*Device)
	nextDeviceSubID uint64

	buttonSubsMu    sync.Mutex
	buttonSubs      map[int]map[uint64]func(eventType string, buttonID int)
	nextButtonSubID uint64

	occupancySubsMu    sync.Mutex
	occupancySubs      map[int]map[uint64]func(Occupancy)
	nextOccupancySubID uint64

	diagnostics *diagnosticsRing
}

// NewBridge constructs a Bridge ready for Connect. cfg must not be nil.
func NewBridge(opts BridgeOptions) *Bridge {
	cfg := opts.Config
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
	}
	return &Bridge{
		cfg:            cfg,
		logger:         logger,
		model:          newModel(),
		onConnected:    opts.OnConnected,
		state:          StateIdle,
		closed:         make(chan struct{}),
		deviceSubs:     make(map[int]map[uint64]func(*Device)),
		buttonSubs:     make(map[int]map[uint64]func(eventType string, buttonID int)),
		occupancySubs:  make(map[int]map[uint64]func(Occupancy)),
		diagnostics:    newDiagnosticsRing(cfg.DiagnosticsRingSize),
	}
}

// Connect starts the engine's supervisor goroutine and blocks until the
// first connection attempt succeeds or fails; the supervisor keeps running
// in the background afterward, retrying on every subsequent disconnect
// regardless of how the first attempt went.
func (b *Bridge) Connect(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	firstResult := make(chan error, 1)
	var firstOnce sync.Once

	goRoutine(context.Background(), "leap-bridge-supervisor", b.logger, func(_ context.Context) {
		b.supervise(runCtx, func(err error) {
			firstOnce.Do(func() { firstResult <- err })
		})
	})

	select {
	case err := <-firstResult:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the supervisor and releases the current connection. Safe to
// call more than once.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		b.setState(StateClosing)
		if b.cancel != nil {
			b.cancel()
		}
		close(b.closed)
	})
	req, err := b.currentRequester()
	if err != nil {
		return nil // never connected, or already torn down
	}
	return req.Close()
}

// State returns the engine's current lifecycle state.
func (b *Bridge) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Diagnostics returns a snapshot of recent lifecycle events (state
// transitions, bootstrap/reconnect outcomes), oldest first.
func (b *Bridge) Diagnostics() []DiagnosticEvent {
	return b.diagnostics.snapshot()
}

func (b *Bridge) setState(s State) {
	b.mu.Lock()
	old := b.state
	b.state = s
	b.mu.Unlock()
	b.logger.WithFields(logrus.Fields{"from": old, "to": s}).Debug("leap: state transition")
	b.diagnostics.record(fmt.Sprintf("%s -> %s", old, s), time.Now())
}

func (b *Bridge) currentRequester() (*Requester, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.requester == nil {
		return nil, ErrConnectionClosed
	}
	return b.requester, nil
}

// supervise runs the reconnect loop described in §4.4: connect, bootstrap,
// wait for disconnect, back off, repeat. onFirstResult is invoked exactly
// once, with the outcome of the first connectOnce call.
func (b *Bridge) supervise(ctx context.Context, onFirstResult func(error)) {
	var backoff time.Duration
	first := true

	for {
		select {
		case <-ctx.Done():
			b.setState(StateClosing)
			return
		default:
		}

		err := b.connectOnce(ctx)
		if first {
			onFirstResult(err)
			first = false
		}
		if err != nil {
			b.logger.WithError(err).Warn("leap: connect attempt failed")
			b.setState(StateReconnecting)
			backoff = nextBackoff(b.cfg, backoff)
			if !sleepOrDone(ctx, backoff) {
				return
			}
			continue
		}

		backoff = 0
		b.waitForDisconnect(ctx)

		select {
		case <-ctx.Done():
			b.setState(StateClosing)
			return
		default:
		}

		b.setState(StateReconnecting)
		backoff = nextBackoff(b.cfg, 0)
		if !sleepOrDone(ctx, backoff) {
			return
		}
	}
}

// sleepOrDone waits for d or ctx cancellation, returning false if cancelled.
func sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// nextBackoff computes the next exponential-backoff delay with ±20%
// jitter, capped at cfg.ReconnectMaxBackoff (§4.4 "Reconnect loop").
func nextBackoff(cfg *Config, prev time.Duration) time.Duration {
	next := prev * 2
	if next <= 0 {
		next = cfg.ReconnectInitialBackoff
	}
	jitter := 0.8 + rand.Float64()*0.4
	next = time.Duration(float64(next) * jitter)
	if next > cfg.ReconnectMaxBackoff {
		next = cfg.ReconnectMaxBackoff
	}
	return next
}

// connectOnce performs one full connect+bootstrap cycle, replacing the
// engine's live connection and requester on success.
func (b *Bridge) connectOnce(ctx context.Context) error {
	b.setState(StateConnecting)

	caPath, certPath, keyPath := b.cfg.CredentialPaths()
	caPEM, certPEM, keyPEM, err := loadCredentialFiles(caPath, certPath, keyPath)
	if err != nil {
		b.setState(StateError)
		return err
	}
	cert, err := loadTLSCertificate(certPEM, keyPEM)
	if err != nil {
		b.setState(StateError)
		return err
	}
	caPool, err := loadCAPool(caPEM)
	if err != nil {
		b.setState(StateError)
		return err
	}

	b.setState(StateHandshaking)
	conn, err := OpenConnection(ctx, b.cfg.Host, b.cfg.OperationsPort, cert, caPool, b.cfg.RequestTimeout, b.cfg.ReadBufferFloor, b.logger)
	if err != nil {
		b.setState(StateError)
		return err
	}

	requester := NewRequester(conn, b.cfg.RequestTimeout, b.logger)

	b.setState(StateBootstrapping)
	hooks := bootstrapHooks{
		onZoneStatus:      b.handleZoneStatus,
		onButtonEvent:     b.handleButtonEvent,
		onOccupancyStatus: b.handleOccupancyStatus,
	}
	flavor, err := runBootstrap(ctx, requester, b.model, hooks, b.logger)
	if err != nil {
		_ = requester.Close()
		b.setState(StateError)
		return err
	}

	b.mu.Lock()
	b.conn = conn
	b.requester = requester
	b.flavor = flavor
	b.mu.Unlock()

	b.setState(StateLive)
	b.diagnostics.record("bootstrap complete", time.Now())

	if b.onConnected != nil {
		safeInvoke(b.logger, func() { b.onConnected() })
	}
	return nil
}

func loadCredentialFiles(caPath, certPath, keyPath string) (ca, cert, key []byte, err error) {
	ca, err = os.ReadFile(caPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("leap: read CA cert %q: %w", caPath, err)
	}
	cert, err = os.ReadFile(certPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("leap: read client cert %q: %w", certPath, err)
	}
	key, err = os.ReadFile(keyPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("leap: read client key %q: %w", keyPath, err)
	}
	return ca, cert, key, nil
}

func (b *Bridge) waitForDisconnect(ctx context.Context) {
	req, err := b.currentRequester()
	if err != nil {
		return
	}
	select {
	case <-ctx.Done():
	case <-req.Done():
	}
}

// safeInvoke calls fn, logging and swallowing any panic (§4.4 "Observers
// run synchronously... an observer that fails must not disrupt delivery").
func safeInvoke(logger *logrus.Logger, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.WithField("panic", rec).Error("leap: observer callback panicked")
		}
	}()
	fn()
}

// --- Event routing (§4.4 "Event routing") ---

func (b *Bridge) handleZoneStatus(zoneID int, dto zoneStatusDTO) {
	deviceID, ok := b.model.deviceIDForZone(zoneID)
	if !ok {
		return
	}
	dev, ok := b.model.GetDevice(deviceID)
	if !ok {
		return
	}
	dev.mu.Lock()
	if dto.ZoneStatus.Level != nil {
		level := *dto.ZoneStatus.Level
		dev.CurrentState = &level
	}
	if dto.ZoneStatus.FanSpeed != "" {
		dev.FanSpeed = FanSpeed(dto.ZoneStatus.FanSpeed)
	}
	if dto.ZoneStatus.Tilt != nil {
		tilt := *dto.ZoneStatus.Tilt
		dev.Tilt = &tilt
	}
	dev.mu.Unlock()

	b.notifyDeviceSubscribers(deviceID, dev)
}

func (b *Bridge) handleButtonEvent(deviceID, groupID, buttonID int, eventType string) {
	_ = deviceID
	_ = groupID
	b.notifyButtonSubscribers(buttonID, eventType)
}

func (b *Bridge) handleOccupancyStatus(groupID int, status Occupancy) {
	var areaID *int
	if g, ok := b.model.GetOccupancyGroup(groupID); ok {
		g.mu.Lock()
		g.Status = status
		areaID = g.AssociatedAreaID
		g.mu.Unlock()
	}
	if areaID != nil {
		if area, ok := b.model.GetArea(*areaID); ok {
			area.mu.Lock()
			area.OccupancyState = status
			area.mu.Unlock()
		}
	}
	b.notifyOccupancySubscribers(groupID, status)
}

// --- Observer registries (Design note: one table per topic, free-slot
// removal via plain map delete) ---

// AddSubscriber registers fn to be called with the updated Device whenever
// deviceID's zone status changes. The returned func unregisters it.
func (b *Bridge) AddSubscriber(deviceID int, fn func(*Device)) func() {
	b.deviceSubsMu.Lock()
	id := b.nextDeviceSubID
	b.nextDeviceSubID++
	if b.deviceSubs[deviceID] == nil {
		b.deviceSubs[deviceID] = make(map[uint64]func(*Device))
	}
	b.deviceSubs[deviceID][id] = fn
	b.deviceSubsMu.Unlock()

	return func() {
		b.deviceSubsMu.Lock()
		delete(b.deviceSubs[deviceID], id)
		if len(b.deviceSubs[deviceID]) == 0 {
			delete(b.deviceSubs, deviceID)
		}
		b.deviceSubsMu.Unlock()
	}
}

func (b *Bridge) notifyDeviceSubscribers(deviceID int, dev *Device) {
	b.deviceSubsMu.Lock()
	var handlers []func(*Device)
	for _, fn := range b.deviceSubs[deviceID] {
		handlers = append(handlers, fn)
	}
	b.deviceSubsMu.Unlock()
	for _, fn := range handlers {
		h := fn
		safeInvoke(b.logger, func() { h(dev) })
	}
}

// AddButtonSubscriber registers fn to be called with (eventType, buttonID)
// on every Press/Release event for buttonID.
func (b *Bridge) AddButtonSubscriber(buttonID int, fn func(eventType string, buttonID int)) func() {
	b.buttonSubsMu.Lock()
	id := b.nextButtonSubID
	b.nextButtonSubID++
	if b.buttonSubs[buttonID] == nil {
		b.buttonSubs[buttonID] = make(map[uint64]func(string, int))
	}
	b.buttonSubs[buttonID][id] = fn
	b.buttonSubsMu.Unlock()

	return func() {
		b.buttonSubsMu.Lock()
		delete(b.buttonSubs[buttonID], id)
		if len(b.buttonSubs[buttonID]) == 0 {
			delete(b.buttonSubs, buttonID)
		}
		b.buttonSubsMu.Unlock()
	}
}

func (b *Bridge) notifyButtonSubscribers(buttonID int, eventType string) {
	b.buttonSubsMu.Lock()
	var handlers []func(string, int)
	for _, fn := range b.buttonSubs[buttonID] {
		handlers = append(handlers, fn)
	}
	b.buttonSubsMu.Unlock()
	for _, fn := range handlers {
		h := fn
		safeInvoke(b.logger, func() { h(eventType, buttonID) })
	}
}

// AddOccupancySubscriber registers fn to be called with the new Occupancy
// whenever groupID's aggregated status changes.
func (b *Bridge) AddOccupancySubscriber(groupID int, fn func(Occupancy)) func() {
	b.occupancySubsMu.Lock()
	id := b.nextOccupancySubID
	b.nextOccupancySubID++
	if b.occupancySubs[groupID] == nil {
		b.occupancySubs[groupID] = make(map[uint64]func(Occupancy))
	}
	b.occupancySubs[groupID][id] = fn
	b.occupancySubsMu.Unlock()

	return func() {
		b.occupancySubsMu.Lock()
		delete(b.occupancySubs[groupID], id)
		if len(b.occupancySubs[groupID]) == 0 {
			delete(b.occupancySubs, groupID)
		}
		b.occupancySubsMu.Unlock()
	}
}

func (b *Bridge) notifyOccupancySubscribers(groupID int, status Occupancy) {
	b.occupancySubsMu.Lock()
	var handlers []func(Occupancy)
	for _, fn := range b.occupancySubs[groupID] {
		handlers = append(handlers, fn)
	}
	b.occupancySubsMu.Unlock()
	for _, fn := range handlers {
		h := fn
		safeInvoke(b.logger, func() { h(status) })
	}
}

// --- Snapshot views ---

func (b *Bridge) GetDevices() []*Device {
	return b.model.Devices()
}

func (b *Bridge) GetDevicesByDomain(domain Domain) []*Device {
	return b.model.DevicesByDomain(domain)
}

func (b *Bridge) GetDevicesByType(deviceType string) []*Device {
	return b.model.DevicesByType(deviceType)
}

func (b *Bridge) GetDevice(deviceID int) (*Device, bool) {
	return b.model.GetDevice(deviceID)
}

func (b *Bridge) GetArea(areaID int) (*Area, bool) {
	return b.model.GetArea(areaID)
}

func (b *Bridge) GetScenes() []*Scene {
	return b.model.Scenes()
}
