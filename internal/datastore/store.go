package datastore

import "fmt"

// Config holds datastore configuration: the relational store is always
// present, the time-series sink is optional per spec §4.9.
type Config struct {
	SQLitePath     string
	InfluxDBURL    string
	InfluxDBOrg    string
	InfluxDBToken  string
	InfluxDBBucket string
}

// Open wires the relational store and, if an InfluxDB URL is configured,
// the time-series sink. A zero-value InfluxDBURL yields a nil sink — the
// relational store alone still satisfies spec §6.
func Open(config *Config) (Store, TelemetrySink, error) {
	sqlite, err := NewSQLiteStore(config.SQLitePath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create SQLite store: %w", err)
	}

	if config.InfluxDBURL == "" {
		return sqlite, nil, nil
	}

	sink, err := NewInfluxDBSink(config.InfluxDBURL, config.InfluxDBToken, config.InfluxDBOrg, config.InfluxDBBucket)
	if err != nil {
		sqlite.Close()
		return nil, nil, fmt.Errorf("failed to create InfluxDB sink: %w", err)
	}
	return sqlite, sink, nil
}
