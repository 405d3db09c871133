package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"tinygo.org/x/bluetooth"
)

const (
	bluezService       = "org.bluez"
	adapterIface       = "org.bluez.Adapter1"
	deviceIface        = "org.bluez.Device1"
	gattServiceIface   = "org.bluez.GattService1"
	gattCharIface      = "org.bluez.GattCharacteristic1"
	gattDescIface      = "org.bluez.GattDescriptor1"
	propsIface         = "org.freedesktop.DBus.Properties"
	propsChangedSignal = propsIface + ".PropertiesChanged"
	objectManagerIface = "org.freedesktop.DBus.ObjectManager"
)

// notifyBuffer is the number of notifications queued per subscription
// before new ones are dropped.
const notifyBuffer = 64

// servicesResolvedTimeout bounds the wait for BlueZ to finish GATT discovery
// after a connect.
const servicesResolvedTimeout = 10 * time.Second

type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

type subscription struct {
	ch   chan []byte
	done chan struct{}
	// notifying is set once BlueZ reports Notifying=true for this
	// subscription. Earlier Notifying=false signals belong to a previous
	// StartNotify/StopNotify cycle.
	notifying bool
}

// BluezTransport implements Transport on top of the BlueZ D-Bus API.
// All operations share a single private system bus connection.
type BluezTransport struct {
	conn        *dbus.Conn
	adapter     string
	adapterPath dbus.ObjectPath
	signals     chan *dbus.Signal

	mu   sync.Mutex
	subs map[dbus.ObjectPath]*subscription
}

// NewBluezTransport connects to the system bus and binds to the named
// adapter (e.g. "hci0").
func NewBluezTransport(adapter string) (*BluezTransport, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("ble: connect to system bus: %w", err)
	}

	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ble: list bus names: %w", err)
	}
	found := false
	for _, n := range names {
		if n == bluezService {
			found = true
			break
		}
	}
	if !found {
		conn.Close()
		return nil, fmt.Errorf("ble: %s not found on system bus, is bluetooth.service running?", bluezService)
	}

	rule := "type='signal',interface='" + propsIface + "',member='PropertiesChanged',path_namespace='/org/bluez'"
	if err := conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule).Err; err != nil {
		conn.Close()
		return nil, fmt.Errorf("ble: add match rule: %w", err)
	}

	b := &BluezTransport{
		conn:        conn,
		adapter:     adapter,
		adapterPath: dbus.ObjectPath("/org/bluez/" + adapter),
		signals:     make(chan *dbus.Signal, 32),
		subs:        make(map[dbus.ObjectPath]*subscription),
	}
	conn.Signal(b.signals)
	go b.watchSignals()

	return b, nil
}

// Adapter returns the adapter name the transport is bound to.
func (b *BluezTransport) Adapter() string {
	return b.adapter
}

// Close stops all subscriptions and closes the bus connection.
func (b *BluezTransport) Close() error {
	b.mu.Lock()
	for path := range b.subs {
		b.closeSubLocked(path)
	}
	b.mu.Unlock()

	// Closing the connection also closes b.signals, ending watchSignals.
	return b.conn.Close()
}

// --- property helpers ---

func (b *BluezTransport) getProp(ctx context.Context, path dbus.ObjectPath, iface, prop string) (dbus.Variant, error) {
	var v dbus.Variant
	err := b.conn.Object(bluezService, path).CallWithContext(ctx, propsIface+".Get", 0, iface, prop).Store(&v)
	return v, err
}

func (b *BluezTransport) setProp(ctx context.Context, path dbus.ObjectPath, iface, prop string, val interface{}) error {
	return b.conn.Object(bluezService, path).CallWithContext(ctx, propsIface+".Set", 0, iface, prop, dbus.MakeVariant(val)).Err
}

func (b *BluezTransport) getBool(ctx context.Context, path dbus.ObjectPath, iface, prop string) (bool, error) {
	v, err := b.getProp(ctx, path, iface, prop)
	if err != nil {
		return false, err
	}
	val, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("ble: property %s is not bool", prop)
	}
	return val, nil
}

func (b *BluezTransport) managedObjects(ctx context.Context) (managedObjects, error) {
	var objects managedObjects
	err := b.conn.Object(bluezService, "/").CallWithContext(ctx, objectManagerIface+".GetManagedObjects", 0).Store(&objects)
	if err != nil {
		return nil, fmt.Errorf("ble: get managed objects: %w", err)
	}
	return objects, nil
}

// --- adapter ---

// PowerOn switches the adapter on if it is not already powered.
func (b *BluezTransport) PowerOn(ctx context.Context) error {
	powered, err := b.getBool(ctx, b.adapterPath, adapterIface, "Powered")
	if err != nil {
		return fmt.Errorf("ble: read %s power state: %w", b.adapter, err)
	}
	if powered {
		return nil
	}
	if err := b.setProp(ctx, b.adapterPath, adapterIface, "Powered", true); err != nil {
		return fmt.Errorf("ble: power on %s: %w", b.adapter, err)
	}
	slog.Info("[BLE] adapter powered on", "adapter", b.adapter)
	return nil
}

// --- devices ---

// Devices lists the devices BlueZ knows on this adapter, ordered by object
// path.
func (b *BluezTransport) Devices(ctx context.Context) ([]Device, error) {
	objects, err := b.managedObjects(ctx)
	if err != nil {
		return nil, err
	}

	var devices []Device
	for path, ifaces := range objects {
		props, ok := ifaces[deviceIface]
		if !ok {
			continue
		}
		if adapter, _ := props["Adapter"].Value().(dbus.ObjectPath); adapter != b.adapterPath {
			continue
		}
		devices = append(devices, deviceFromProps(path, props))
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].Path < devices[j].Path })
	return devices, nil
}

func deviceFromProps(path dbus.ObjectPath, props map[string]dbus.Variant) Device {
	dev := Device{Path: string(path)}
	dev.Address, _ = props["Address"].Value().(string)
	if alias, ok := props["Alias"].Value().(string); ok {
		dev.Name = alias
	} else {
		dev.Name, _ = props["Name"].Value().(string)
	}
	uuids, _ := props["UUIDs"].Value().([]string)
	dev.UUIDs = parseUUIDs(uuids)
	return dev
}

func parseUUIDs(raw []string) []UUID {
	out := make([]UUID, 0, len(raw))
	for _, s := range raw {
		u, err := bluetooth.ParseUUID(s)
		if err != nil {
			slog.Debug("[BLE] skipping malformed UUID", "uuid", s, "error", err)
			continue
		}
		out = append(out, u)
	}
	return out
}

func (b *BluezTransport) Connected(ctx context.Context, dev Device) (bool, error) {
	return b.getBool(ctx, b.devicePath(dev), deviceIface, "Connected")
}

// Connect links to dev and waits for BlueZ to resolve its services.
func (b *BluezTransport) Connect(ctx context.Context, dev Device) error {
	path := b.devicePath(dev)
	if err := b.conn.Object(bluezService, path).CallWithContext(ctx, deviceIface+".Connect", 0).Err; err != nil {
		return fmt.Errorf("ble: connect to %s: %w", dev.Address, err)
	}
	return b.waitServicesResolved(ctx, path)
}

func (b *BluezTransport) waitServicesResolved(ctx context.Context, path dbus.ObjectPath) error {
	ctx, cancel := context.WithTimeout(ctx, servicesResolvedTimeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		resolved, err := b.getBool(ctx, path, deviceIface, "ServicesResolved")
		if err == nil && resolved {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("ble: waiting for services on %s: %w", path, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Services builds the GATT tree of dev from BlueZ's object hierarchy.
func (b *BluezTransport) Services(ctx context.Context, dev Device) ([]Service, error) {
	objects, err := b.managedObjects(ctx)
	if err != nil {
		return nil, err
	}
	return gattTree(objects, b.devicePath(dev)), nil
}

// gattTree groups services, characteristics and descriptors by their
// parent object property.
func gattTree(objects managedObjects, devPath dbus.ObjectPath) []Service {
	var paths []dbus.ObjectPath
	for path := range objects {
		paths = append(paths, path)
	}
	sort.Slice(paths, func(i, j int) bool { return paths[i] < paths[j] })

	var services []Service
	svcIndex := make(map[dbus.ObjectPath]int)
	for _, path := range paths {
		props, ok := objects[path][gattServiceIface]
		if !ok {
			continue
		}
		if parent, _ := props["Device"].Value().(dbus.ObjectPath); parent != devPath {
			continue
		}
		u, ok := variantUUID(props)
		if !ok {
			continue
		}
		svcIndex[path] = len(services)
		services = append(services, Service{UUID: u, Path: string(path)})
	}

	type charRef struct{ svc, char int }
	charIndex := make(map[dbus.ObjectPath]charRef)
	for _, path := range paths {
		props, ok := objects[path][gattCharIface]
		if !ok {
			continue
		}
		parent, _ := props["Service"].Value().(dbus.ObjectPath)
		si, ok := svcIndex[parent]
		if !ok {
			continue
		}
		u, ok := variantUUID(props)
		if !ok {
			continue
		}
		charIndex[path] = charRef{si, len(services[si].Characteristics)}
		services[si].Characteristics = append(services[si].Characteristics, Characteristic{UUID: u, Path: string(path)})
	}

	for _, path := range paths {
		props, ok := objects[path][gattDescIface]
		if !ok {
			continue
		}
		parent, _ := props["Characteristic"].Value().(dbus.ObjectPath)
		ref, ok := charIndex[parent]
		if !ok {
			continue
		}
		u, ok := variantUUID(props)
		if !ok {
			continue
		}
		char := &services[ref.svc].Characteristics[ref.char]
		char.Descriptors = append(char.Descriptors, Descriptor{UUID: u, Path: string(path)})
	}

	return services
}

func variantUUID(props map[string]dbus.Variant) (UUID, bool) {
	s, ok := props["UUID"].Value().(string)
	if !ok {
		return UUID{}, false
	}
	u, err := bluetooth.ParseUUID(s)
	if err != nil {
		return UUID{}, false
	}
	return u, true
}

// --- characteristics ---

// Subscribe starts notifications on char. The stream ends when ctx is done,
// BlueZ stops notifying, the device disconnects or the transport closes.
func (b *BluezTransport) Subscribe(ctx context.Context, char Characteristic) (<-chan []byte, error) {
	path := dbus.ObjectPath(char.Path)
	sub := &subscription{
		ch:   make(chan []byte, notifyBuffer),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if _, exists := b.subs[path]; exists {
		b.closeSubLocked(path)
	}
	b.subs[path] = sub
	b.mu.Unlock()

	if err := b.conn.Object(bluezService, path).CallWithContext(ctx, gattCharIface+".StartNotify", 0).Err; err != nil {
		b.closeSub(path, sub)
		return nil, fmt.Errorf("ble: start notify on %s: %w", path, err)
	}

	go func() {
		select {
		case <-ctx.Done():
			// StopNotify may fail if the device is already gone.
			_ = b.conn.Object(bluezService, path).Call(gattCharIface+".StopNotify", 0).Err
			b.closeSub(path, sub)
		case <-sub.done:
		}
	}()

	return sub.ch, nil
}

// Write sends data to char using a write request.
func (b *BluezTransport) Write(ctx context.Context, char Characteristic, data []byte) error {
	options := map[string]interface{}{"type": "request"}
	err := b.conn.Object(bluezService, dbus.ObjectPath(char.Path)).CallWithContext(ctx, gattCharIface+".WriteValue", 0, data, options).Err
	if err != nil {
		return fmt.Errorf("ble: write %s: %w", char.Path, err)
	}
	return nil
}

// closeSub closes sub if it is still the registered subscription for path.
func (b *BluezTransport) closeSub(path dbus.ObjectPath, sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[path] == sub {
		b.closeSubLocked(path)
	}
}

// closeSubLocked must be called with mu held.
func (b *BluezTransport) closeSubLocked(path dbus.ObjectPath) {
	sub, ok := b.subs[path]
	if !ok {
		return
	}
	delete(b.subs, path)
	close(sub.ch)
	close(sub.done)
}

func (b *BluezTransport) deliver(path dbus.ObjectPath, value []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[path]
	if !ok {
		return
	}
	select {
	case sub.ch <- value:
	default:
		slog.Warn("[BLE] notification dropped, subscriber too slow", "path", path)
	}
}

func (b *BluezTransport) closeSubsUnder(devPath dbus.ObjectPath) {
	prefix := string(devPath) + "/"
	b.mu.Lock()
	defer b.mu.Unlock()
	for path := range b.subs {
		if strings.HasPrefix(string(path), prefix) {
			b.closeSubLocked(path)
		}
	}
}

func (b *BluezTransport) watchSignals() {
	for sig := range b.signals {
		if sig.Name != propsChangedSignal {
			continue
		}
		// Body: [interface_name string, changed_props map[string]Variant, invalidated []string]
		if len(sig.Body) < 2 {
			continue
		}
		iface, ok := sig.Body[0].(string)
		if !ok {
			continue
		}
		changed, ok := sig.Body[1].(map[string]dbus.Variant)
		if !ok {
			continue
		}

		b.handlePropertiesChanged(sig.Path, iface, changed)
	}
}

func (b *BluezTransport) handlePropertiesChanged(path dbus.ObjectPath, iface string, changed map[string]dbus.Variant) {
	switch iface {
	case gattCharIface:
		if v, ok := changed["Value"]; ok {
			if value, ok := v.Value().([]byte); ok {
				b.deliver(path, value)
			}
		}
		if v, ok := changed["Notifying"]; ok {
			if notifying, ok := v.Value().(bool); ok {
				b.setNotifying(path, notifying)
			}
		}
	case deviceIface:
		if v, ok := changed["Connected"]; ok {
			if connected, ok := v.Value().(bool); ok && !connected {
				slog.Info("[BLE] device disconnected", "path", path)
				b.closeSubsUnder(path)
			}
		}
	}
}

// setNotifying records a Notifying change. Notifying=false only ends a
// subscription that BlueZ has confirmed as notifying.
func (b *BluezTransport) setNotifying(path dbus.ObjectPath, notifying bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[path]
	if !ok {
		return
	}
	if notifying {
		sub.notifying = true
		return
	}
	if !sub.notifying {
		slog.Debug("[BLE] ignoring stale Notifying=false", "path", path)
		return
	}
	b.closeSubLocked(path)
}

// --- trust ---

// SetTrusted marks the device in req as trusted so it may reconnect
// without pairing again.
func (b *BluezTransport) SetTrusted(ctx context.Context, req PairingRequest, trusted bool) error {
	path := b.devicePathForAddress(req.Device)
	if err := b.setProp(ctx, path, deviceIface, "Trusted", trusted); err != nil {
		return fmt.Errorf("ble: set Trusted on %s: %w", path, err)
	}
	return nil
}

// --- paths ---

func (b *BluezTransport) devicePath(dev Device) dbus.ObjectPath {
	if dev.Path != "" {
		return dbus.ObjectPath(dev.Path)
	}
	return b.devicePathForAddress(dev.Address)
}

// devicePathForAddress converts "AA:BB:CC:DD:EE:FF" to
// "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF".
func (b *BluezTransport) devicePathForAddress(addr string) dbus.ObjectPath {
	return dbus.ObjectPath(string(b.adapterPath) + "/dev_" + strings.ReplaceAll(strings.ToUpper(addr), ":", "_"))
}

// addressFromPath extracts the MAC address from a BlueZ device object path.
func addressFromPath(path dbus.ObjectPath) string {
	s := string(path)
	i := strings.LastIndex(s, "/dev_")
	if i < 0 {
		return ""
	}
	s = s[i+len("/dev_"):]
	if j := strings.IndexByte(s, '/'); j >= 0 {
		s = s[:j]
	}
	return strings.ReplaceAll(s, "_", ":")
}

var (
	_ Transport    = (*BluezTransport)(nil)
	_ AgentSession = (*BluezTransport)(nil)
)
