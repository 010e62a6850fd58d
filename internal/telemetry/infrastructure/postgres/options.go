package postgres

const (
	defaultDeviceTable    = "device"
	defaultTelemetryTable = "telemetry"
)

type tables struct {
	device    string
	telemetry string
}

func newTables(opts []Option) tables {
	t := tables{device: defaultDeviceTable, telemetry: defaultTelemetryTable}
	for _, opt := range opts {
		opt(&t)
	}
	return t
}

// Option configures table names.
type Option func(*tables)

// WithDeviceTable overrides the default device table name.
func WithDeviceTable(table string) Option {
	return func(t *tables) {
		if table != "" {
			t.device = table
		}
	}
}

// WithTelemetryTable overrides the default telemetry table name.
func WithTelemetryTable(table string) Option {
	return func(t *tables) {
		if table != "" {
			t.telemetry = table
		}
	}
}
