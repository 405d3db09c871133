package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/google/uuid"
)

const (
	agentIface        = "org.bluez.Agent1"
	agentManagerIface = "org.bluez.AgentManager1"
	agentPathPrefix   = "/com/github/chaz8081/ancsd/agent_"

	bluezErrRejected = "org.bluez.Error.Rejected"
	bluezErrCanceled = "org.bluez.Error.Canceled"
)

// Agent IO capabilities understood by BlueZ.
const (
	CapabilityDisplayOnly     = "DisplayOnly"
	CapabilityDisplayYesNo    = "DisplayYesNo"
	CapabilityKeyboardOnly    = "KeyboardOnly"
	CapabilityNoInputNoOutput = "NoInputNoOutput"
	CapabilityKeyboardDisplay = "KeyboardDisplay"
)

const agentIntrospect = `
<!DOCTYPE node PUBLIC "-//freedesktop//DTD D-BUS Object Introspection 1.0//EN"
"http://www.freedesktop.org/standards/dbus/1.0/introspect.dtd">
<node>
	<interface name="org.bluez.Agent1">
		<method name="Release"/>
		<method name="RequestPinCode">
			<arg name="device" type="o" direction="in"/>
			<arg name="pincode" type="s" direction="out"/>
		</method>
		<method name="DisplayPinCode">
			<arg name="device" type="o" direction="in"/>
			<arg name="pincode" type="s" direction="in"/>
		</method>
		<method name="RequestPasskey">
			<arg name="device" type="o" direction="in"/>
			<arg name="passkey" type="u" direction="out"/>
		</method>
		<method name="DisplayPasskey">
			<arg name="device" type="o" direction="in"/>
			<arg name="passkey" type="u" direction="in"/>
			<arg name="entered" type="q" direction="in"/>
		</method>
		<method name="RequestConfirmation">
			<arg name="device" type="o" direction="in"/>
			<arg name="passkey" type="u" direction="in"/>
		</method>
		<method name="RequestAuthorization">
			<arg name="device" type="o" direction="in"/>
		</method>
		<method name="AuthorizeService">
			<arg name="device" type="o" direction="in"/>
			<arg name="uuid" type="s" direction="in"/>
		</method>
		<method name="Cancel"/>
	</interface>
	<interface name="org.freedesktop.DBus.Introspectable">
		<method name="Introspect">
			<arg name="xml_data" type="s" direction="out"/>
		</method>
	</interface>
</node>`

// AgentOptions configures how the pairing agent registers with BlueZ.
type AgentOptions struct {
	Capability string
	// Default requests that BlueZ route all pairing requests to this agent.
	Default bool
}

// AgentRegistration is a pairing agent exported on the bus.
type AgentRegistration struct {
	transport *BluezTransport
	agent     *bluezAgent
}

// RegisterAgent exports agent as org.bluez.Agent1 and registers it with
// BlueZ. The transport is passed to every callback as its AgentSession.
func (b *BluezTransport) RegisterAgent(agent *PairingAgent, opts AgentOptions) (*AgentRegistration, error) {
	if opts.Capability == "" {
		opts.Capability = CapabilityDisplayYesNo
	}

	path := dbus.ObjectPath(agentPathPrefix + strings.ReplaceAll(uuid.NewString(), "-", ""))
	ctx, cancel := context.WithCancel(context.Background())
	ba := &bluezAgent{
		agent:     agent,
		transport: b,
		path:      path,
		ctx:       ctx,
		cancel:    cancel,
		inflight:  make(map[int]context.CancelFunc),
	}

	if err := b.conn.Export(ba, path, agentIface); err != nil {
		cancel()
		return nil, fmt.Errorf("ble: export agent: %w", err)
	}
	if err := b.conn.Export(introspect.Introspectable(agentIntrospect), path, "org.freedesktop.DBus.Introspectable"); err != nil {
		ba.unexport()
		return nil, fmt.Errorf("ble: export agent introspection: %w", err)
	}

	manager := b.conn.Object(bluezService, "/org/bluez")
	if err := manager.Call(agentManagerIface+".RegisterAgent", 0, path, opts.Capability).Err; err != nil {
		ba.unexport()
		return nil, fmt.Errorf("ble: register agent: %w", err)
	}
	if opts.Default {
		if err := manager.Call(agentManagerIface+".RequestDefaultAgent", 0, path).Err; err != nil {
			_ = manager.Call(agentManagerIface+".UnregisterAgent", 0, path).Err
			ba.unexport()
			return nil, fmt.Errorf("ble: request default agent: %w", err)
		}
	}

	slog.Info("[AGENT] registered", "path", path, "capability", opts.Capability, "default", opts.Default)
	return &AgentRegistration{transport: b, agent: ba}, nil
}

// Unregister removes the agent from BlueZ and cancels any pending prompts.
func (r *AgentRegistration) Unregister() error {
	manager := r.transport.conn.Object(bluezService, "/org/bluez")
	err := manager.Call(agentManagerIface+".UnregisterAgent", 0, r.agent.path).Err
	r.agent.unexport()
	if err != nil {
		return fmt.Errorf("ble: unregister agent: %w", err)
	}
	slog.Info("[AGENT] unregistered", "path", r.agent.path)
	return nil
}

// bluezAgent adapts PairingAgent to the org.bluez.Agent1 method set. godbus
// runs each incoming call on its own goroutine.
type bluezAgent struct {
	agent     *PairingAgent
	transport *BluezTransport
	path      dbus.ObjectPath

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	nextID   int
	inflight map[int]context.CancelFunc
}

func (ba *bluezAgent) unexport() {
	ba.cancel()
	ba.transport.conn.Export(nil, ba.path, agentIface)
	ba.transport.conn.Export(nil, ba.path, "org.freedesktop.DBus.Introspectable")
}

// begin returns a context for one agent call that Cancel and Release abort.
func (ba *bluezAgent) begin() (context.Context, func()) {
	ctx, cancel := context.WithCancel(ba.ctx)
	ba.mu.Lock()
	id := ba.nextID
	ba.nextID++
	ba.inflight[id] = cancel
	ba.mu.Unlock()

	return ctx, func() {
		ba.mu.Lock()
		delete(ba.inflight, id)
		ba.mu.Unlock()
		cancel()
	}
}

func (ba *bluezAgent) cancelInflight() {
	ba.mu.Lock()
	defer ba.mu.Unlock()
	for id, cancel := range ba.inflight {
		cancel()
		delete(ba.inflight, id)
	}
}

func (ba *bluezAgent) request(device dbus.ObjectPath) PairingRequest {
	return PairingRequest{Adapter: ba.transport.adapter, Device: addressFromPath(device)}
}

// agentError maps a callback error to the D-Bus error BlueZ expects.
func agentError(err error) *dbus.Error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrRejected) {
		return dbus.NewError(bluezErrRejected, []interface{}{err.Error()})
	}
	return dbus.NewError(bluezErrCanceled, []interface{}{err.Error()})
}

func (ba *bluezAgent) Release() *dbus.Error {
	slog.Info("[AGENT] released by BlueZ", "path", ba.path)
	ba.cancelInflight()
	return nil
}

func (ba *bluezAgent) Cancel() *dbus.Error {
	slog.Info("[AGENT] request cancelled by BlueZ")
	ba.cancelInflight()
	return nil
}

func (ba *bluezAgent) RequestPinCode(device dbus.ObjectPath) (string, *dbus.Error) {
	ctx, done := ba.begin()
	defer done()
	pin, err := ba.agent.RequestPinCode(ctx, ba.transport, ba.request(device))
	return pin, agentError(err)
}

func (ba *bluezAgent) DisplayPinCode(device dbus.ObjectPath, pincode string) *dbus.Error {
	ctx, done := ba.begin()
	defer done()
	return agentError(ba.agent.DisplayPinCode(ctx, ba.transport, ba.request(device), pincode))
}

func (ba *bluezAgent) RequestPasskey(device dbus.ObjectPath) (uint32, *dbus.Error) {
	ctx, done := ba.begin()
	defer done()
	passkey, err := ba.agent.RequestPasskey(ctx, ba.transport, ba.request(device))
	return passkey, agentError(err)
}

func (ba *bluezAgent) DisplayPasskey(device dbus.ObjectPath, passkey uint32, entered uint16) *dbus.Error {
	ctx, done := ba.begin()
	defer done()
	return agentError(ba.agent.DisplayPasskey(ctx, ba.transport, ba.request(device), passkey, entered))
}

func (ba *bluezAgent) RequestConfirmation(device dbus.ObjectPath, passkey uint32) *dbus.Error {
	ctx, done := ba.begin()
	defer done()
	return agentError(ba.agent.RequestConfirmation(ctx, ba.transport, ba.request(device), passkey))
}

func (ba *bluezAgent) RequestAuthorization(device dbus.ObjectPath) *dbus.Error {
	ctx, done := ba.begin()
	defer done()
	return agentError(ba.agent.RequestAuthorization(ctx, ba.transport, ba.request(device)))
}

// AuthorizeService accepts every service the peer asks for.
func (ba *bluezAgent) AuthorizeService(device dbus.ObjectPath, service string) *dbus.Error {
	slog.Debug("[AGENT] authorizing service", "device", addressFromPath(device), "uuid", service)
	return nil
}
