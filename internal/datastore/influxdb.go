package datastore

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// InfluxDBSink implements TelemetrySink for decoded live-value history,
// the optional time-series enrichment of spec §4.9. Disabled entirely when
// no endpoint is configured — the relational store alone satisfies spec §6.
type InfluxDBSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

func NewInfluxDBSink(url, token, org, bucket string) (*InfluxDBSink, error) {
	client := influxdb2.NewClient(url, token)
	if _, err := client.Ping(context.Background()); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to InfluxDB: %w", err)
	}
	return &InfluxDBSink{client: client, writeAPI: client.WriteAPIBlocking(org, bucket)}, nil
}

func (s *InfluxDBSink) WritePoint(p LiveValuePoint) error {
	point := influxdb2.NewPoint(
		"live_value",
		map[string]string{
			"vin":       p.VIN,
			"ecu":       fmt.Sprintf("0x%02X", p.ECU),
			"parameter": p.Parameter,
			"unit":      p.Unit,
		},
		map[string]interface{}{
			"value": p.Value,
		},
		p.Timestamp,
	)
	if err := s.writeAPI.WritePoint(context.Background(), point); err != nil {
		return fmt.Errorf("failed to write live value point: %w", err)
	}
	return nil
}

func (s *InfluxDBSink) Close() error {
	s.client.Close()
	return nil
}
