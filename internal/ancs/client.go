// Package ancs runs an ANCS session: it brings the link up, keeps the set of
// active notifications in sync with the peer and sends Control Point
// commands.
package ancs

import (
	"context"
	"encoding"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/ancsd/internal/ble"
	"github.com/chaz8081/ancsd/internal/ble/protocol"
	"github.com/chaz8081/ancsd/internal/notify"
)

// DefaultShutdownGrace bounds how long Run waits for the subscription to
// close after cancellation.
const DefaultShutdownGrace = 3 * time.Second

var (
	ErrStreamTerminated = errors.New("ancs: notification stream terminated")
	ErrNotActive        = errors.New("ancs: session not active")
)

// Options configures a Client.
type Options struct {
	// ShutdownGrace defaults to DefaultShutdownGrace when zero.
	ShutdownGrace time.Duration
	// OnEvent is called from the session loop after each decoded event has
	// been applied to the store.
	OnEvent func(protocol.Event)
	// OnStateChange is passed through to the connection manager.
	OnStateChange func(from, to ble.State)
}

// Client owns one connection manager and the notification store it feeds.
type Client struct {
	transport ble.Transport
	manager   *ble.Manager
	opts      Options

	// store is only touched by the goroutine running Run.
	store     *notify.Store
	snapshots chan chan []protocol.Event

	mu       sync.Mutex
	loopDone chan struct{} // non-nil while the session loop runs
}

// NewClient creates a client on top of transport.
func NewClient(transport ble.Transport, opts Options) *Client {
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = DefaultShutdownGrace
	}
	return &Client{
		transport: transport,
		manager:   ble.NewManager(transport, ble.ManagerOptions{OnStateChange: opts.OnStateChange}),
		opts:      opts,
		store:     notify.NewStore(),
		snapshots: make(chan chan []protocol.Event),
	}
}

// State returns the connection lifecycle state.
func (c *Client) State() ble.State {
	return c.manager.State()
}

// Run connects to the first device offering ANCS and processes its
// notifications until ctx is cancelled or the stream ends. Cancellation is
// a clean shutdown and returns nil. The end of the stream returns
// ErrStreamTerminated; no reconnection is attempted.
func (c *Client) Run(ctx context.Context) error {
	session, err := c.manager.Start(ctx)
	if err != nil {
		return err
	}
	slog.Info("[ANCS] session active", "device", session.Device.Name, "address", session.Device.Address)

	c.store = notify.NewStore()
	done := make(chan struct{})
	c.mu.Lock()
	c.loopDone = done
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.loopDone = nil
		c.mu.Unlock()
		close(done)
	}()

	return c.loop(ctx, session)
}

func (c *Client) loop(ctx context.Context, session *ble.Session) error {
	// Attribute responses arrive on the Data Source; nothing subscribes to
	// it yet, so this case never fires.
	var dataSource <-chan []byte

	for {
		select {
		case data, ok := <-session.Events:
			if !ok {
				slog.Warn("[ANCS] notification stream ended", "address", session.Device.Address)
				c.manager.Terminate()
				return ErrStreamTerminated
			}
			c.handle(data)

		case data := <-dataSource:
			slog.Debug("[ANCS] data source value ignored", "len", len(data))

		case reply := <-c.snapshots:
			reply <- c.store.Snapshot()

		case <-ctx.Done():
			c.shutdown(session)
			return nil
		}
	}
}

// handle decodes one Notification Source value and applies it to the store.
// Malformed values are logged and skipped.
func (c *Client) handle(data []byte) {
	ev, err := protocol.DecodeEvent(data)
	if err != nil {
		slog.Warn("[ANCS] skipping malformed event", "error", err, "data", fmt.Sprintf("% x", data))
		return
	}

	switch ev.Kind {
	case protocol.EventNotificationAdded, protocol.EventNotificationModified:
		c.store.Insert(ev.UID, ev)
	case protocol.EventNotificationRemoved:
		c.store.Remove(ev.UID)
	}
	slog.Info("[ANCS] notification",
		"event", ev.Kind,
		"uid", ev.UID,
		"category", ev.Category,
		"flags", ev.Flags,
		"active", c.store.Len(),
	)

	if c.opts.OnEvent != nil {
		c.opts.OnEvent(ev)
	}
}

// shutdown waits up to the grace period for the transport to close the
// subscription, then marks the session terminated.
func (c *Client) shutdown(session *ble.Session) {
	timer := time.NewTimer(c.opts.ShutdownGrace)
	defer timer.Stop()

	for {
		select {
		case _, ok := <-session.Events:
			if ok {
				continue
			}
			slog.Info("[ANCS] unsubscribed", "address", session.Device.Address)
		case <-timer.C:
			slog.Warn("[ANCS] shutdown grace period elapsed", "grace", c.opts.ShutdownGrace)
		}
		break
	}
	c.manager.Terminate()
}

// Notifications returns the active notifications ordered by UID.
func (c *Client) Notifications(ctx context.Context) ([]protocol.Event, error) {
	c.mu.Lock()
	done := c.loopDone
	c.mu.Unlock()
	if done == nil {
		return nil, ErrNotActive
	}

	reply := make(chan []protocol.Event, 1)
	select {
	case c.snapshots <- reply:
	case <-done:
		return nil, ErrNotActive
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case events := <-reply:
		return events, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GetNotificationAttributes asks the peer for attributes of notification
// uid. The answer arrives on the Data Source.
func (c *Client) GetNotificationAttributes(ctx context.Context, uid uint32, reqs ...protocol.AttributeRequest) error {
	return c.writeCommand(ctx, protocol.GetNotificationAttributesCommand{UID: uid, Requests: reqs})
}

// GetAppAttributes asks the peer for attributes of the app appID.
func (c *Client) GetAppAttributes(ctx context.Context, appID string, attrs ...protocol.AppAttributeID) error {
	return c.writeCommand(ctx, protocol.GetAppAttributesCommand{AppIdentifier: appID, Attributes: attrs})
}

// PerformNotificationAction triggers the positive or negative action of
// notification uid.
func (c *Client) PerformNotificationAction(ctx context.Context, uid uint32, action protocol.ActionID) error {
	return c.writeCommand(ctx, protocol.PerformNotificationActionCommand{UID: uid, Action: action})
}

func (c *Client) writeCommand(ctx context.Context, cmd encoding.BinaryMarshaler) error {
	session := c.manager.Session()
	if session == nil || c.manager.State() != ble.StateActive {
		return ErrNotActive
	}
	data, err := cmd.MarshalBinary()
	if err != nil {
		return fmt.Errorf("ancs: encode command: %w", err)
	}
	if err := c.transport.Write(ctx, *session.Characteristics.ControlPoint, data); err != nil {
		return fmt.Errorf("ancs: write control point: %w", err)
	}
	slog.Debug("[ANCS] command sent", "data", fmt.Sprintf("% x", data))
	return nil
}
