package ble

import "fmt"

// CharacteristicRole names one of the five handles an ANCS session needs.
type CharacteristicRole int

const (
	RoleNotificationSource CharacteristicRole = iota
	RoleNotificationSourceCCC
	RoleControlPoint
	RoleDataSource
	RoleDataSourceCCC
)

func (r CharacteristicRole) String() string {
	switch r {
	case RoleNotificationSource:
		return "notification source"
	case RoleNotificationSourceCCC:
		return "notification source CCC"
	case RoleControlPoint:
		return "control point"
	case RoleDataSource:
		return "data source"
	case RoleDataSourceCCC:
		return "data source CCC"
	default:
		return fmt.Sprintf("CharacteristicRole(%d)", int(r))
	}
}

// MissingCharacteristicError reports the first required handle the peer
// did not expose.
type MissingCharacteristicError struct {
	Which CharacteristicRole
}

func (e *MissingCharacteristicError) Error() string {
	return fmt.Sprintf("ble: %s not found", e.Which)
}

// CharacteristicSet holds the resolved ANCS handles.
type CharacteristicSet struct {
	NotificationSource    *Characteristic
	NotificationSourceCCC *Descriptor
	ControlPoint          *Characteristic
	DataSource            *Characteristic
	DataSourceCCC         *Descriptor
}

// Complete reports whether every handle is present.
func (s CharacteristicSet) Complete() bool {
	return s.missing() < 0
}

// missing returns the first absent role in check order, or -1.
func (s CharacteristicSet) missing() CharacteristicRole {
	switch {
	case s.NotificationSource == nil:
		return RoleNotificationSource
	case s.NotificationSourceCCC == nil:
		return RoleNotificationSourceCCC
	case s.ControlPoint == nil:
		return RoleControlPoint
	case s.DataSource == nil:
		return RoleDataSource
	case s.DataSourceCCC == nil:
		return RoleDataSourceCCC
	}
	return -1
}

// ResolveCharacteristics picks the ANCS handles out of a discovered GATT
// tree. Services other than the ANCS service are ignored.
func ResolveCharacteristics(services []Service) (CharacteristicSet, error) {
	var set CharacteristicSet
	for _, svc := range services {
		if svc.UUID != ServiceUUID {
			continue
		}
		for i := range svc.Characteristics {
			char := &svc.Characteristics[i]
			switch char.UUID {
			case NotificationSourceUUID:
				set.NotificationSource = char
				set.NotificationSourceCCC = findCCC(char)
			case ControlPointUUID:
				set.ControlPoint = char
			case DataSourceUUID:
				set.DataSource = char
				set.DataSourceCCC = findCCC(char)
			}
		}
	}

	if role := set.missing(); role >= 0 {
		return CharacteristicSet{}, &MissingCharacteristicError{Which: role}
	}
	return set, nil
}

func findCCC(char *Characteristic) *Descriptor {
	for i := range char.Descriptors {
		if char.Descriptors[i].UUID == CCCDescriptorUUID {
			return &char.Descriptors[i]
		}
	}
	return nil
}
