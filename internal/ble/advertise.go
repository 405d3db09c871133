package ble

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/godbus/dbus/v5/prop"
	"github.com/google/uuid"
)

const (
	advertisementIface      = "org.bluez.LEAdvertisement1"
	advertisingManagerIface = "org.bluez.LEAdvertisingManager1"
	advertisementPathPrefix = "/com/github/chaz8081/ancsd/advertisement_"
	introspectableIface     = "org.freedesktop.DBus.Introspectable"
)

// advertisementProps describes a connectable, discoverable advertisement
// that solicits ANCS, so the phone offers the service once it connects.
func advertisementProps(localName string) prop.Map {
	return prop.Map{
		advertisementIface: {
			"Type":         {Value: "peripheral"},
			"SolicitUUIDs": {Value: []string{ServiceUUID.String()}},
			"LocalName":    {Value: localName},
			"Discoverable": {Value: true},
			"Timeout":      {Value: uint16(0)},
		},
	}
}

// Advertiser is an LE advertisement registered with BlueZ on the
// transport's adapter.
type Advertiser struct {
	transport *BluezTransport
	path      dbus.ObjectPath
}

// advertisementObject is the org.bluez.LEAdvertisement1 method set.
type advertisementObject struct {
	path dbus.ObjectPath
}

// Release is called by BlueZ when it drops the advertisement.
func (o advertisementObject) Release() *dbus.Error {
	slog.Info("[BLE] advertisement released by BlueZ", "path", o.path)
	return nil
}

// StartAdvertising exports an org.bluez.LEAdvertisement1 object and
// registers it with the adapter. The adapter alias is set to localName.
func (b *BluezTransport) StartAdvertising(ctx context.Context, localName string) (*Advertiser, error) {
	a := &Advertiser{
		transport: b,
		path:      dbus.ObjectPath(advertisementPathPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")),
	}

	props, err := prop.Export(b.conn, a.path, advertisementProps(localName))
	if err != nil {
		return nil, fmt.Errorf("ble: export advertisement properties: %w", err)
	}
	if err := b.conn.Export(advertisementObject{path: a.path}, a.path, advertisementIface); err != nil {
		a.unexport()
		return nil, fmt.Errorf("ble: export advertisement: %w", err)
	}
	node := &introspect.Node{
		Name: string(a.path),
		Interfaces: []introspect.Interface{
			prop.IntrospectData,
			{
				Name:       advertisementIface,
				Methods:    []introspect.Method{{Name: "Release"}},
				Properties: props.Introspection(advertisementIface),
			},
		},
	}
	if err := b.conn.Export(introspect.NewIntrospectable(node), a.path, introspectableIface); err != nil {
		a.unexport()
		return nil, fmt.Errorf("ble: export advertisement introspection: %w", err)
	}

	// LocalName only reaches extended advertising data; the alias puts the
	// name in the legacy advertisement too.
	if err := b.setProp(ctx, b.adapterPath, adapterIface, "Alias", localName); err != nil {
		a.unexport()
		return nil, fmt.Errorf("ble: set %s alias: %w", b.adapter, err)
	}

	manager := b.conn.Object(bluezService, b.adapterPath)
	if err := manager.CallWithContext(ctx, advertisingManagerIface+".RegisterAdvertisement", 0, a.path, map[string]interface{}{}).Err; err != nil {
		a.unexport()
		return nil, fmt.Errorf("ble: register advertisement on %s: %w", b.adapter, err)
	}

	slog.Info("[BLE] advertising", "adapter", b.adapter, "name", localName, "path", a.path)
	return a, nil
}

// Stop unregisters the advertisement and removes it from the bus.
func (a *Advertiser) Stop() error {
	b := a.transport
	err := b.conn.Object(bluezService, b.adapterPath).Call(advertisingManagerIface+".UnregisterAdvertisement", 0, a.path).Err
	a.unexport()
	if err != nil {
		return fmt.Errorf("ble: unregister advertisement: %w", err)
	}
	slog.Info("[BLE] advertising stopped")
	return nil
}

func (a *Advertiser) unexport() {
	conn := a.transport.conn
	conn.Export(nil, a.path, advertisementIface)
	conn.Export(nil, a.path, propsIface)
	conn.Export(nil, a.path, introspectableIface)
}
