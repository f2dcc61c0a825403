package dexcom

import (
	"reflect"
	"testing"
)

func TestValidateAll_ShippedSpecs(t *testing.T) {
	if err := ValidateAll(); err != nil {
		t.Fatalf("shipped endpoint specs must validate: %v", err)
	}
}

func TestValidate_RenameCollision(t *testing.T) {
	spec := EndpointSpec{
		Name: "broken",
		Columns: []Column{
			{Source: "systemTime", Type: TypeDatetime},
			{Source: "system.time", Type: TypeString}, // also system_time
		},
	}
	if err := spec.Validate(); err == nil {
		t.Fatal("expected collision error, got nil")
	}
}

func TestValidate_ReservedNames(t *testing.T) {
	tests := []string{"id", "date"}
	for _, src := range tests {
		spec := EndpointSpec{
			Name:    "broken",
			Columns: []Column{{Source: src, Type: TypeString}},
		}
		if err := spec.Validate(); err == nil {
			t.Errorf("column %q should collide with reserved name", src)
		}
	}
}

func TestValidate_DedupeKeyMustExist(t *testing.T) {
	spec := EndpointSpec{
		Name:      "broken",
		Columns:   []Column{{Source: "value", Type: TypeFloat}},
		DedupeKey: []string{"id", "nope"},
	}
	if err := spec.Validate(); err == nil {
		t.Fatal("expected unknown dedupe key error, got nil")
	}
}

func TestColumnNames_LeadingIdentityColumns(t *testing.T) {
	got := Events.ColumnNames()
	want := []string{"id", "date", "system_time", "display_time", "event_type", "event_sub_type", "value", "unit"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("column names = %v, want %v", got, want)
	}
}
