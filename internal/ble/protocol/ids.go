package protocol

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidEventID     = errors.New("protocol: invalid event ID")
	ErrInvalidAttributeID = errors.New("protocol: invalid attribute ID")
)

// EventID is the first byte of a Notification Source event.
type EventID uint8

const (
	EventNotificationAdded    EventID = 0
	EventNotificationModified EventID = 1
	EventNotificationRemoved  EventID = 2
)

// ParseEventID validates b against the known event IDs.
func ParseEventID(b byte) (EventID, error) {
	switch EventID(b) {
	case EventNotificationAdded, EventNotificationModified, EventNotificationRemoved:
		return EventID(b), nil
	}
	return 0, fmt.Errorf("%w: %d", ErrInvalidEventID, b)
}

func (e EventID) String() string {
	switch e {
	case EventNotificationAdded:
		return "added"
	case EventNotificationModified:
		return "modified"
	case EventNotificationRemoved:
		return "removed"
	default:
		return fmt.Sprintf("EventID(%d)", uint8(e))
	}
}

// EventFlags is the bitmask carried in byte 1 of an event.
type EventFlags uint8

const (
	FlagSilent         EventFlags = 1 << 0
	FlagImportant      EventFlags = 1 << 1
	FlagPreExisting    EventFlags = 1 << 2
	FlagPositiveAction EventFlags = 1 << 3
	FlagNegativeAction EventFlags = 1 << 4
)

var flagNames = []struct {
	flag EventFlags
	name string
}{
	{FlagSilent, "silent"},
	{FlagImportant, "important"},
	{FlagPreExisting, "preexisting"},
	{FlagPositiveAction, "positive"},
	{FlagNegativeAction, "negative"},
}

// Has reports whether every bit in flag is set.
func (f EventFlags) Has(flag EventFlags) bool {
	return f&flag == flag
}

func (f EventFlags) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	rest := f
	for _, fn := range flagNames {
		if f.Has(fn.flag) {
			parts = append(parts, fn.name)
			rest &^= fn.flag
		}
	}
	if rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%02x", uint8(rest)))
	}
	return strings.Join(parts, "|")
}

// CategoryID classifies a notification. Values outside the known range are
// kept as received.
type CategoryID uint8

const (
	CategoryOther CategoryID = iota
	CategoryIncomingCall
	CategoryMissedCall
	CategoryVoicemail
	CategorySocial
	CategorySchedule
	CategoryEmail
	CategoryNews
	CategoryHealthAndFitness
	CategoryBusinessAndFinance
	CategoryLocation
	CategoryEntertainment
)

var categoryNames = [...]string{
	CategoryOther:              "other",
	CategoryIncomingCall:       "incoming-call",
	CategoryMissedCall:         "missed-call",
	CategoryVoicemail:          "voicemail",
	CategorySocial:             "social",
	CategorySchedule:           "schedule",
	CategoryEmail:              "email",
	CategoryNews:               "news",
	CategoryHealthAndFitness:   "health-and-fitness",
	CategoryBusinessAndFinance: "business-and-finance",
	CategoryLocation:           "location",
	CategoryEntertainment:      "entertainment",
}

func (c CategoryID) String() string {
	if int(c) < len(categoryNames) {
		return categoryNames[c]
	}
	return fmt.Sprintf("CategoryID(%d)", uint8(c))
}

// CommandID is the first byte of a Control Point command.
type CommandID uint8

const (
	CommandGetNotificationAttributes CommandID = 0
	CommandGetAppAttributes          CommandID = 1
	CommandPerformNotificationAction CommandID = 2
)

// NotificationAttributeID selects a notification attribute in a
// GetNotificationAttributes command.
type NotificationAttributeID uint8

const (
	AttrAppIdentifier NotificationAttributeID = iota
	AttrTitle                                 // followed by a 2-byte max length
	AttrSubtitle                              // followed by a 2-byte max length
	AttrMessage                               // followed by a 2-byte max length
	AttrMessageSize
	AttrDate // UTS #35 yyyyMMdd'T'HHmmSS
	AttrPositiveActionLabel
	AttrNegativeActionLabel
)

// ParseNotificationAttributeID validates b against the known attribute IDs.
func ParseNotificationAttributeID(b byte) (NotificationAttributeID, error) {
	id := NotificationAttributeID(b)
	if !id.Valid() {
		return 0, fmt.Errorf("%w: notification attribute %d", ErrInvalidAttributeID, b)
	}
	return id, nil
}

// Valid reports whether a is a defined attribute.
func (a NotificationAttributeID) Valid() bool {
	return a <= AttrNegativeActionLabel
}

// HasLength reports whether requests for a carry a 2-byte max length.
func (a NotificationAttributeID) HasLength() bool {
	switch a {
	case AttrTitle, AttrSubtitle, AttrMessage:
		return true
	}
	return false
}

// AppAttributeID selects an app attribute in a GetAppAttributes command.
type AppAttributeID uint8

const (
	AppAttrDisplayName AppAttributeID = 0
)

// ParseAppAttributeID validates b against the known app attribute IDs.
func ParseAppAttributeID(b byte) (AppAttributeID, error) {
	id := AppAttributeID(b)
	if !id.Valid() {
		return 0, fmt.Errorf("%w: app attribute %d", ErrInvalidAttributeID, b)
	}
	return id, nil
}

// Valid reports whether a is a defined app attribute.
func (a AppAttributeID) Valid() bool {
	return a == AppAttrDisplayName
}

// ActionID selects the action in a PerformNotificationAction command.
type ActionID uint8

const (
	ActionPositive ActionID = 0
	ActionNegative ActionID = 1
)

func (a ActionID) Valid() bool {
	return a == ActionPositive || a == ActionNegative
}
