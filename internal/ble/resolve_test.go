package ble

import (
	"errors"
	"testing"
)

func TestResolveCharacteristics(t *testing.T) {
	set, err := ResolveCharacteristics(ancsServices())
	if err != nil {
		t.Fatalf("ResolveCharacteristics() error = %v", err)
	}
	if !set.Complete() {
		t.Fatal("Complete() = false for resolved set")
	}

	checks := []struct {
		name string
		got  string
		want string
	}{
		{"NotificationSource", set.NotificationSource.Path, "/svc1/ns"},
		{"NotificationSourceCCC", set.NotificationSourceCCC.Path, "/svc1/ns/ccc"},
		{"ControlPoint", set.ControlPoint.Path, "/svc1/cp"},
		{"DataSource", set.DataSource.Path, "/svc1/ds"},
		{"DataSourceCCC", set.DataSourceCCC.Path, "/svc1/ds/ccc"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %q, want %q", c.name, c.got, c.want)
		}
	}
}

func TestResolveCharacteristicsIgnoresOtherServices(t *testing.T) {
	services := ancsServices()[:1] // only the decoy service
	_, err := ResolveCharacteristics(services)
	var missing *MissingCharacteristicError
	if !errors.As(err, &missing) {
		t.Fatalf("error = %v, want MissingCharacteristicError", err)
	}
	if missing.Which != RoleNotificationSource {
		t.Errorf("Which = %v, want %v", missing.Which, RoleNotificationSource)
	}
}

func TestResolveCharacteristicsMissingDataSourceCCC(t *testing.T) {
	services := ancsServices()
	services[1].Characteristics[2].Descriptors = nil

	_, err := ResolveCharacteristics(services)
	var missing *MissingCharacteristicError
	if !errors.As(err, &missing) {
		t.Fatalf("error = %v, want MissingCharacteristicError", err)
	}
	if missing.Which != RoleDataSourceCCC {
		t.Errorf("Which = %v, want %v", missing.Which, RoleDataSourceCCC)
	}
}

func TestResolveCharacteristicsReportsFirstMissing(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(chars []Characteristic) []Characteristic
		want   CharacteristicRole
	}{
		{
			name: "notification source CCC and control point",
			mutate: func(chars []Characteristic) []Characteristic {
				chars[0].Descriptors = nil
				return []Characteristic{chars[0], chars[2]}
			},
			want: RoleNotificationSourceCCC,
		},
		{
			name: "control point and data source",
			mutate: func(chars []Characteristic) []Characteristic {
				return chars[:1]
			},
			want: RoleControlPoint,
		},
		{
			name: "data source",
			mutate: func(chars []Characteristic) []Characteristic {
				return chars[:2]
			},
			want: RoleDataSource,
		},
		{
			name: "everything",
			mutate: func(chars []Characteristic) []Characteristic {
				return nil
			},
			want: RoleNotificationSource,
		},
		{
			name: "CCC with wrong UUID",
			mutate: func(chars []Characteristic) []Characteristic {
				chars[2].Descriptors = []Descriptor{{UUID: ControlPointUUID, Path: "/x"}}
				return chars
			},
			want: RoleDataSourceCCC,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			services := ancsServices()
			services[1].Characteristics = tt.mutate(services[1].Characteristics)

			_, err := ResolveCharacteristics(services)
			var missing *MissingCharacteristicError
			if !errors.As(err, &missing) {
				t.Fatalf("error = %v, want MissingCharacteristicError", err)
			}
			if missing.Which != tt.want {
				t.Errorf("Which = %v, want %v", missing.Which, tt.want)
			}
		})
	}
}

func TestCharacteristicSetIncomplete(t *testing.T) {
	if (CharacteristicSet{}).Complete() {
		t.Error("empty set reports Complete")
	}
}
