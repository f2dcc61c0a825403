package dexcom

import "fmt"

// ColumnType is the warehouse-side type a column is declared with. The sink
// enforces these instead of inferring types from the data.
type ColumnType string

const (
	TypeString   ColumnType = "STRING"
	TypeDate     ColumnType = "DATE"
	TypeDatetime ColumnType = "DATETIME"
	TypeFloat    ColumnType = "FLOAT"
	TypeInteger  ColumnType = "INTEGER"
)

// Column maps one field of the vendor payload onto a destination column.
// Source is the vendor's name (camelCase, possibly dotted for nested fields);
// the destination name is derived by SnakeCase.
type Column struct {
	Source string
	Type   ColumnType
}

func (c Column) Name() string {
	return SnakeCase(c.Source)
}

// EndpointSpec is the static description of one vendor data category:
// where to fetch it, how the response is keyed, and how rows land in the
// warehouse. All pipeline stages are parameterized by one of these.
type EndpointSpec struct {
	Name        string
	Path        string
	ResponseKey string // empty means the body itself is a single record
	Table       string
	Columns     []Column

	// DedupeKey lists destination column names forming the at-most-once key
	// when duplicate suppression is enabled. Empty disables dedupe for the
	// endpoint regardless of configuration.
	DedupeKey []string
}

// ColumnNames returns the full destination column list in load order,
// including the two identity columns every table carries.
func (s EndpointSpec) ColumnNames() []string {
	names := make([]string, 0, len(s.Columns)+2)
	names = append(names, "id", "date")
	for _, c := range s.Columns {
		names = append(names, c.Name())
	}
	return names
}

// Validate fails when the snake-case rename produces colliding or reserved
// destination names. Meant to run at startup: a collision is a programming
// error in the spec table, not a runtime condition.
func (s EndpointSpec) Validate() error {
	seen := map[string]string{
		"id":   "(reserved)",
		"date": "(reserved)",
	}
	for _, c := range s.Columns {
		name := c.Name()
		if prev, ok := seen[name]; ok {
			return fmt.Errorf("endpoint %s: column %q renames to %q which collides with %s", s.Name, c.Source, name, prev)
		}
		seen[name] = fmt.Sprintf("%q", c.Source)
	}
	for _, k := range s.DedupeKey {
		if _, ok := seen[k]; !ok {
			return fmt.Errorf("endpoint %s: dedupe key column %q not in schema", s.Name, k)
		}
	}
	return nil
}

var (
	// Devices: CGM hardware seen on the account during the window.
	Devices = EndpointSpec{
		Name:        "devices",
		Path:        "/v2/users/self/devices",
		ResponseKey: "devices",
		Table:       "dexcom-devices",
		Columns: []Column{
			{Source: "transmitterGeneration", Type: TypeString},
			{Source: "displayDevice", Type: TypeString},
			{Source: "lastUploadDate", Type: TypeDatetime},
		},
		DedupeKey: []string{"id", "date", "last_upload_date"},
	}

	// EGVs: estimated glucose values, the high-volume endpoint.
	EGVs = EndpointSpec{
		Name:        "egvs",
		Path:        "/v2/users/self/egvs",
		ResponseKey: "egvs",
		Table:       "dexcom-egvs",
		Columns: []Column{
			{Source: "systemTime", Type: TypeDatetime},
			{Source: "displayTime", Type: TypeDatetime},
			{Source: "value", Type: TypeFloat},
			{Source: "realtimeValue", Type: TypeFloat},
			{Source: "smoothedValue", Type: TypeFloat},
			{Source: "status", Type: TypeString},
			{Source: "trend", Type: TypeString},
			{Source: "trendRate", Type: TypeFloat},
		},
		DedupeKey: []string{"id", "date", "system_time"},
	}

	// Events: user-logged events (meals, insulin, exercise).
	Events = EndpointSpec{
		Name:        "events",
		Path:        "/v2/users/self/events",
		ResponseKey: "events",
		Table:       "dexcom-events",
		Columns: []Column{
			{Source: "systemTime", Type: TypeDatetime},
			{Source: "displayTime", Type: TypeDatetime},
			{Source: "eventType", Type: TypeString},
			{Source: "eventSubType", Type: TypeString},
			{Source: "value", Type: TypeFloat},
			{Source: "unit", Type: TypeString},
		},
		DedupeKey: []string{"id", "date", "system_time"},
	}

	// Profile: account profile snapshot, a single nested object per user.
	Profile = EndpointSpec{
		Name:        "profile",
		Path:        "/v2/users/self/profile",
		ResponseKey: "",
		Table:       "profile",
		Columns: []Column{
			{Source: "user.age", Type: TypeInteger},
			{Source: "user.city", Type: TypeString},
			{Source: "user.state", Type: TypeString},
			{Source: "user.country", Type: TypeString},
			{Source: "user.dateOfBirth", Type: TypeDate},
			{Source: "user.displayName", Type: TypeString},
			{Source: "user.encodedId", Type: TypeString},
			{Source: "user.fullName", Type: TypeString},
			{Source: "user.gender", Type: TypeString},
			{Source: "user.height", Type: TypeFloat},
			{Source: "user.heightUnit", Type: TypeString},
			{Source: "user.timezone", Type: TypeString},
		},
		DedupeKey: []string{"id", "date"},
	}
)

// Specs returns every endpoint the service ingests.
func Specs() []EndpointSpec {
	return []EndpointSpec{Devices, EGVs, Events, Profile}
}

// ValidateAll runs Validate over every spec; called once at startup.
func ValidateAll() error {
	for _, s := range Specs() {
		if err := s.Validate(); err != nil {
			return err
		}
	}
	return nil
}
