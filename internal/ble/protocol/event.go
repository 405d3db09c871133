// Package protocol implements the Apple Notification Center Service wire
// format: Notification Source events and Control Point commands.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// EventSize is the fixed length of a Notification Source event.
const EventSize = 8

var ErrInvalidEventLength = errors.New("protocol: invalid event length")

// Event is a decoded Notification Source event.
//
//	byte 0:    EventID
//	byte 1:    EventFlags
//	byte 2:    CategoryID
//	byte 3:    CategoryCount
//	bytes 4-7: NotificationUID (little-endian)
type Event struct {
	Kind          EventID
	Flags         EventFlags
	Category      CategoryID
	CategoryCount uint8
	UID           uint32
}

// DecodeEvent parses a raw Notification Source value.
func DecodeEvent(data []byte) (Event, error) {
	if len(data) != EventSize {
		return Event{}, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidEventLength, len(data), EventSize)
	}
	kind, err := ParseEventID(data[0])
	if err != nil {
		return Event{}, err
	}
	return Event{
		Kind:          kind,
		Flags:         EventFlags(data[1]),
		Category:      CategoryID(data[2]),
		CategoryCount: data[3],
		UID:           binary.LittleEndian.Uint32(data[4:8]),
	}, nil
}

func (e Event) String() string {
	return fmt.Sprintf("uid=%d %s category=%s count=%d flags=%s",
		e.UID, e.Kind, e.Category, e.CategoryCount, e.Flags)
}
