package ancs

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chaz8081/ancsd/internal/ble"
	"github.com/chaz8081/ancsd/internal/ble/protocol"
)

func event(kind protocol.EventID, uid byte) []byte {
	return []byte{byte(kind), 0, byte(protocol.CategorySocial), 1, uid, 0, 0, 0}
}

type runResult struct {
	err error
}

// startClient runs c in the background and waits until it is Active.
func startClient(t *testing.T, m *mockTransport, opts Options) (*Client, context.CancelFunc, <-chan runResult) {
	t.Helper()
	active := make(chan struct{})
	opts.OnStateChange = func(_, to ble.State) {
		if to == ble.StateActive {
			close(active)
		}
	}
	c := NewClient(m, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan runResult, 1)
	go func() { done <- runResult{err: c.Run(ctx)} }()

	select {
	case <-active:
	case res := <-done:
		cancel()
		t.Fatalf("Run() returned early: %v", res.err)
	case <-time.After(2 * time.Second):
		cancel()
		t.Fatal("client did not become active")
	}
	return c, cancel, done
}

func waitRun(t *testing.T, done <-chan runResult) error {
	t.Helper()
	select {
	case res := <-done:
		return res.err
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return")
		return nil
	}
}

func TestRunDispatchesEvents(t *testing.T) {
	m := newMockTransport()
	seen := make(chan protocol.Event, 8)
	c, cancel, done := startClient(t, m, Options{
		OnEvent: func(ev protocol.Event) { seen <- ev },
	})
	defer cancel()

	m.events <- event(protocol.EventNotificationAdded, 1)
	m.events <- event(protocol.EventNotificationAdded, 2)
	m.events <- []byte{0x01, 0x02} // malformed, skipped
	m.events <- event(7, 3)        // unknown event ID, skipped
	m.events <- event(protocol.EventNotificationModified, 1)
	m.events <- event(protocol.EventNotificationRemoved, 2)
	m.events <- event(protocol.EventNotificationRemoved, 9) // unknown uid

	for i := 0; i < 5; i++ {
		select {
		case <-seen:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d events dispatched", i)
		}
	}

	got, err := c.Notifications(context.Background())
	if err != nil {
		t.Fatalf("Notifications() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Notifications() = %v, want 1 entry", got)
	}
	if got[0].UID != 1 || got[0].Kind != protocol.EventNotificationModified {
		t.Errorf("Notifications()[0] = %v, want uid 1 modified", got[0])
	}

	cancel()
	if err := waitRun(t, done); err != nil {
		t.Errorf("Run() error = %v, want nil", err)
	}
}

func TestRunStreamTerminated(t *testing.T) {
	m := newMockTransport()
	c, cancel, done := startClient(t, m, Options{})
	defer cancel()

	m.closeStream()
	if err := waitRun(t, done); !errors.Is(err, ErrStreamTerminated) {
		t.Fatalf("Run() error = %v, want ErrStreamTerminated", err)
	}
	if c.State() != ble.StateTerminated {
		t.Errorf("State() = %v, want terminated", c.State())
	}
}

func TestRunCancelled(t *testing.T) {
	m := newMockTransport()
	c, cancel, done := startClient(t, m, Options{})

	cancel()
	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run() error = %v, want nil", err)
	}
	if c.State() != ble.StateTerminated {
		t.Errorf("State() = %v, want terminated", c.State())
	}
}

func TestRunShutdownGraceElapsed(t *testing.T) {
	m := newMockTransport()
	m.holdOnCancel = true
	c, cancel, done := startClient(t, m, Options{ShutdownGrace: 20 * time.Millisecond})

	start := time.Now()
	cancel()
	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run() error = %v, want nil", err)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("Run() returned after %v, before the grace period", elapsed)
	}
	if c.State() != ble.StateTerminated {
		t.Errorf("State() = %v, want terminated", c.State())
	}
}

func TestRunNoDevice(t *testing.T) {
	m := newMockTransport()
	m.devices = nil
	c := NewClient(m, Options{})

	err := c.Run(context.Background())
	if !errors.Is(err, ble.ErrDeviceNotFound) {
		t.Fatalf("Run() error = %v, want ErrDeviceNotFound", err)
	}
	if c.State() != ble.StateFailed {
		t.Errorf("State() = %v, want failed", c.State())
	}
}

func TestCommandsBeforeActive(t *testing.T) {
	c := NewClient(newMockTransport(), Options{})
	ctx := context.Background()

	if err := c.PerformNotificationAction(ctx, 1, protocol.ActionPositive); !errors.Is(err, ErrNotActive) {
		t.Errorf("PerformNotificationAction() error = %v, want ErrNotActive", err)
	}
	if err := c.GetAppAttributes(ctx, "com.apple.mobilemail", protocol.AppAttrDisplayName); !errors.Is(err, ErrNotActive) {
		t.Errorf("GetAppAttributes() error = %v, want ErrNotActive", err)
	}
	if _, err := c.Notifications(ctx); !errors.Is(err, ErrNotActive) {
		t.Errorf("Notifications() error = %v, want ErrNotActive", err)
	}
}

func TestCommandsWriteControlPoint(t *testing.T) {
	m := newMockTransport()
	c, cancel, done := startClient(t, m, Options{})
	defer func() {
		cancel()
		waitRun(t, done)
	}()
	ctx := context.Background()

	if err := c.GetNotificationAttributes(ctx, 0x0A,
		protocol.Attr(protocol.AttrAppIdentifier),
		protocol.AttrWithLen(protocol.AttrTitle, 32),
	); err != nil {
		t.Fatalf("GetNotificationAttributes() error = %v", err)
	}
	if err := c.GetAppAttributes(ctx, "com.a", protocol.AppAttrDisplayName); err != nil {
		t.Fatalf("GetAppAttributes() error = %v", err)
	}
	if err := c.PerformNotificationAction(ctx, 0x0A, protocol.ActionNegative); err != nil {
		t.Fatalf("PerformNotificationAction() error = %v", err)
	}

	want := [][]byte{
		{0x00, 0x0A, 0, 0, 0, 0x00, 0x01, 0x20, 0x00},
		{0x01, 'c', 'o', 'm', '.', 'a', 0x00, 0x00},
		{0x02, 0x0A, 0, 0, 0, 0x01},
	}
	got := m.written("/svc/cp")
	if len(got) != len(want) {
		t.Fatalf("got %d writes, want %d", len(got), len(want))
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Errorf("write %d = % x, want % x", i, got[i], want[i])
		}
	}
}

func TestCommandErrors(t *testing.T) {
	m := newMockTransport()
	c, cancel, done := startClient(t, m, Options{})
	defer func() {
		cancel()
		waitRun(t, done)
	}()
	ctx := context.Background()

	err := c.PerformNotificationAction(ctx, 1, protocol.ActionID(5))
	if !errors.Is(err, protocol.ErrInvalidActionID) {
		t.Errorf("invalid action error = %v, want ErrInvalidActionID", err)
	}
	if n := len(m.written("/svc/cp")); n != 0 {
		t.Errorf("invalid command wrote %d values", n)
	}

	m.mu.Lock()
	m.writeErr = errLinkLost
	m.mu.Unlock()
	err = c.PerformNotificationAction(ctx, 1, protocol.ActionPositive)
	if !errors.Is(err, errLinkLost) {
		t.Errorf("write failure error = %v, want errLinkLost", err)
	}
}
