package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMissingAttributeLength = errors.New("protocol: attribute requires a max length")
	ErrInvalidAppIdentifier   = errors.New("protocol: invalid app identifier")
	ErrInvalidActionID        = errors.New("protocol: invalid action ID")
)

// AttributeRequest asks for one notification attribute. MaxLen is only
// encoded for attributes where HasLength reports true.
type AttributeRequest struct {
	ID     NotificationAttributeID
	MaxLen uint16
	HasLen bool
}

// Attr requests a fixed-size attribute.
func Attr(id NotificationAttributeID) AttributeRequest {
	return AttributeRequest{ID: id}
}

// AttrWithLen requests a variable-length attribute truncated to maxLen bytes.
func AttrWithLen(id NotificationAttributeID, maxLen uint16) AttributeRequest {
	return AttributeRequest{ID: id, MaxLen: maxLen, HasLen: true}
}

// GetNotificationAttributesCommand requests attributes of one notification.
// Requests are answered in the order given.
type GetNotificationAttributesCommand struct {
	UID      uint32
	Requests []AttributeRequest
}

// MarshalBinary encodes the command for the Control Point.
//
//	[CommandID=0][NotificationUID:4 LE]{[AttributeID][MaxLen:2 LE]?}...
func (c GetNotificationAttributesCommand) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, 5+3*len(c.Requests))
	buf = append(buf, byte(CommandGetNotificationAttributes))
	buf = binary.LittleEndian.AppendUint32(buf, c.UID)
	for _, req := range c.Requests {
		if !req.ID.Valid() {
			return nil, fmt.Errorf("%w: notification attribute %d", ErrInvalidAttributeID, req.ID)
		}
		buf = append(buf, byte(req.ID))
		if !req.ID.HasLength() {
			continue
		}
		if !req.HasLen {
			return nil, fmt.Errorf("%w: attribute %d", ErrMissingAttributeLength, req.ID)
		}
		buf = binary.LittleEndian.AppendUint16(buf, req.MaxLen)
	}
	return buf, nil
}

// GetAppAttributesCommand requests attributes of an app.
type GetAppAttributesCommand struct {
	AppIdentifier string
	Attributes    []AppAttributeID
}

// MarshalBinary encodes the command for the Control Point.
//
//	[CommandID=1][AppIdentifier UTF-8][0x00]{[AttributeID]}...
func (c GetAppAttributesCommand) MarshalBinary() ([]byte, error) {
	if strings.IndexByte(c.AppIdentifier, 0) >= 0 {
		return nil, fmt.Errorf("%w: contains NUL", ErrInvalidAppIdentifier)
	}
	buf := make([]byte, 0, 2+len(c.AppIdentifier)+len(c.Attributes))
	buf = append(buf, byte(CommandGetAppAttributes))
	buf = append(buf, c.AppIdentifier...)
	buf = append(buf, 0)
	for _, id := range c.Attributes {
		if !id.Valid() {
			return nil, fmt.Errorf("%w: app attribute %d", ErrInvalidAttributeID, id)
		}
		buf = append(buf, byte(id))
	}
	return buf, nil
}

// PerformNotificationActionCommand triggers the positive or negative action
// of a notification.
type PerformNotificationActionCommand struct {
	UID    uint32
	Action ActionID
}

// MarshalBinary encodes the command for the Control Point.
//
//	[CommandID=2][NotificationUID:4 LE][ActionID]
func (c PerformNotificationActionCommand) MarshalBinary() ([]byte, error) {
	if !c.Action.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidActionID, c.Action)
	}
	buf := make([]byte, 0, 6)
	buf = append(buf, byte(CommandPerformNotificationAction))
	buf = binary.LittleEndian.AppendUint32(buf, c.UID)
	buf = append(buf, byte(c.Action))
	return buf, nil
}
