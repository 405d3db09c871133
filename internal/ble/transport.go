// Package ble implements the ANCS client side of the BLE link: the
// connection state machine, characteristic resolution, the pairing agent and
// a BlueZ transport that drives them on Linux.
package ble

import (
	"context"
	"fmt"

	"tinygo.org/x/bluetooth"
)

// UUID identifies a GATT service, characteristic or descriptor.
type UUID = bluetooth.UUID

// ANCS GATT UUIDs
var (
	ServiceUUID            = mustParseUUID("7905f431-b5ce-4e99-a40f-4b1e122d00d0")
	NotificationSourceUUID = mustParseUUID("9fbf120d-6301-42d9-8c58-25e699a21dbd")
	ControlPointUUID       = mustParseUUID("69d1d8f3-45e1-49a8-9821-9bbdfdaad9d9")
	DataSourceUUID         = mustParseUUID("22eac6e9-24d6-4bb5-be44-b36ace7c7bfb")

	// CCCDescriptorUUID is the Client Characteristic Configuration descriptor.
	CCCDescriptorUUID = bluetooth.New16BitUUID(0x2902)
)

func mustParseUUID(s string) UUID {
	u, err := bluetooth.ParseUUID(s)
	if err != nil {
		panic(fmt.Sprintf("ble: bad UUID %q: %v", s, err))
	}
	return u
}

// Device is a peer known to the transport.
type Device struct {
	Name    string
	Address string
	// Path is the transport's handle for the device (a D-Bus object path
	// on BlueZ).
	Path string
	// UUIDs are the service UUIDs advertised by or cached for the device.
	UUIDs []UUID
}

// HasService reports whether u is among the device's service UUIDs.
func (d Device) HasService(u UUID) bool {
	for _, x := range d.UUIDs {
		if x == u {
			return true
		}
	}
	return false
}

// Service is a discovered GATT service and its characteristics.
type Service struct {
	UUID            UUID
	Path            string
	Characteristics []Characteristic
}

// Characteristic is a discovered GATT characteristic.
type Characteristic struct {
	UUID        UUID
	Path        string
	Descriptors []Descriptor
}

// Descriptor is a discovered GATT descriptor.
type Descriptor struct {
	UUID UUID
	Path string
}

// Transport abstracts the BLE stack for testing.
type Transport interface {
	// Devices lists the peers known to the adapter, in adapter order.
	Devices(ctx context.Context) ([]Device, error)
	// Connected reports whether dev currently has a link.
	Connected(ctx context.Context, dev Device) (bool, error)
	// Connect establishes a link to dev. Connecting an already connected
	// device succeeds.
	Connect(ctx context.Context, dev Device) error
	// Services returns the resolved GATT tree of dev.
	Services(ctx context.Context, dev Device) ([]Service, error)
	// Subscribe enables notifications on char. The returned channel yields
	// one buffer per notification and is closed when the subscription ends.
	// Each call starts a new stream.
	Subscribe(ctx context.Context, char Characteristic) (<-chan []byte, error)
	// Write writes data to char.
	Write(ctx context.Context, char Characteristic, data []byte) error
}
