package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// State is a step of the ANCS connection lifecycle.
type State int32

const (
	StateIdle State = iota
	StateDiscovering
	StateConnecting
	StateResolvingCharacteristics
	StateSubscribing
	StateActive
	StateTerminated
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDiscovering:
		return "discovering"
	case StateConnecting:
		return "connecting"
	case StateResolvingCharacteristics:
		return "resolving-characteristics"
	case StateSubscribing:
		return "subscribing"
	case StateActive:
		return "active"
	case StateTerminated:
		return "terminated"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// ConnectAttempts is the number of connect + discovery tries before giving up.
const ConnectAttempts = 3

var (
	ErrDeviceNotFound = errors.New("ble: no device offers the ANCS service")
	ErrAlreadyStarted = errors.New("ble: manager already started")
)

// ConnectError is returned when every connect attempt failed. Err is the
// error of the last attempt.
type ConnectError struct {
	Address  string
	Attempts int
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("ble: connect to %s failed after %d attempts: %v", e.Address, e.Attempts, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ManagerOptions configures the connection manager.
type ManagerOptions struct {
	// OnStateChange is called synchronously on every transition.
	OnStateChange func(from, to State)
}

// Session is an established ANCS link with a live Notification Source
// subscription.
type Session struct {
	Device          Device
	Characteristics CharacteristicSet
	// Events yields raw Notification Source values until the link drops.
	Events <-chan []byte
}

// Manager drives discovery, connection, characteristic resolution and
// subscription for a single peer.
type Manager struct {
	transport Transport
	opts      ManagerOptions

	mu      sync.Mutex
	state   State
	session *Session
}

// NewManager creates a connection manager on top of transport.
func NewManager(transport Transport, opts ManagerOptions) *Manager {
	return &Manager{
		transport: transport,
		opts:      opts,
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns the active session, or nil.
func (m *Manager) Session() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

func (m *Manager) setState(to State) {
	m.mu.Lock()
	from := m.state
	m.state = to
	m.mu.Unlock()
	m.changed(from, to)
}

func (m *Manager) changed(from, to State) {
	if from == to {
		return
	}
	slog.Debug("[BLE] state change", "from", from, "to", to)
	if m.opts.OnStateChange != nil {
		m.opts.OnStateChange(from, to)
	}
}

// Start runs the lifecycle from Idle to Active. Any failure leaves the
// manager in StateFailed. A manager that terminated or failed may be
// started again.
func (m *Manager) Start(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	from := m.state
	switch from {
	case StateIdle, StateTerminated, StateFailed:
	default:
		m.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	m.state = StateDiscovering
	m.mu.Unlock()
	m.changed(from, StateDiscovering)

	session, err := m.start(ctx)
	if err != nil {
		m.setState(StateFailed)
		return nil, err
	}

	m.mu.Lock()
	m.session = session
	m.mu.Unlock()
	m.setState(StateActive)
	return session, nil
}

func (m *Manager) start(ctx context.Context) (*Session, error) {
	dev, err := m.discover(ctx)
	if err != nil {
		return nil, err
	}
	slog.Info("[BLE] found ANCS device", "name", dev.Name, "address", dev.Address)

	m.setState(StateConnecting)
	services, err := m.connect(ctx, dev)
	if err != nil {
		return nil, err
	}

	m.setState(StateResolvingCharacteristics)
	chars, err := ResolveCharacteristics(services)
	if err != nil {
		return nil, err
	}
	slog.Info("[BLE] all ANCS characteristics found", "address", dev.Address)

	// Data Source is only validated; its stream is reserved for attribute
	// responses.
	m.setState(StateSubscribing)
	events, err := m.transport.Subscribe(ctx, *chars.NotificationSource)
	if err != nil {
		return nil, fmt.Errorf("ble: subscribe to notification source: %w", err)
	}

	return &Session{
		Device:          dev,
		Characteristics: chars,
		Events:          events,
	}, nil
}

// discover makes one pass over the known devices and returns the first that
// lists the ANCS service.
func (m *Manager) discover(ctx context.Context) (Device, error) {
	devices, err := m.transport.Devices(ctx)
	if err != nil {
		return Device{}, fmt.Errorf("ble: list devices: %w", err)
	}
	for _, dev := range devices {
		if dev.HasService(ServiceUUID) {
			return dev, nil
		}
	}
	return Device{}, ErrDeviceNotFound
}

// connect links to dev and discovers its services, retrying the pair as one
// unit with no delay between attempts. An existing link is reused.
func (m *Manager) connect(ctx context.Context, dev Device) ([]Service, error) {
	connected, err := m.transport.Connected(ctx, dev)
	if err != nil {
		slog.Warn("[BLE] could not query connection state", "address", dev.Address, "error", err)
	}
	if connected {
		slog.Info("[BLE] already connected", "address", dev.Address)
		services, err := m.transport.Services(ctx, dev)
		if err != nil {
			return nil, &ConnectError{Address: dev.Address, Attempts: 1, Err: err}
		}
		return services, nil
	}

	var lastErr error
	attempts := 0
	for attempts < ConnectAttempts {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		attempts++

		services, err := m.connectOnce(ctx, dev)
		if err == nil {
			slog.Info("[BLE] connected", "address", dev.Address, "attempt", attempts)
			return services, nil
		}
		lastErr = err
		slog.Warn("[BLE] connect failed", "address", dev.Address, "attempt", attempts, "error", err)
	}
	return nil, &ConnectError{Address: dev.Address, Attempts: attempts, Err: lastErr}
}

func (m *Manager) connectOnce(ctx context.Context, dev Device) ([]Service, error) {
	if err := m.transport.Connect(ctx, dev); err != nil {
		return nil, err
	}
	return m.transport.Services(ctx, dev)
}

// Terminate marks the session as ended. No reconnection is attempted.
func (m *Manager) Terminate() {
	m.mu.Lock()
	m.session = nil
	m.mu.Unlock()
	m.setState(StateTerminated)
}
