// Package influxdb provides optional time-series storage for meter readings.
//
// It wraps the official influxdb-client-go v2 library with connection
// management, reading writes, and health monitoring.
//
// # Purpose
//
// Every value the bridge republishes to MQTT can also be recorded in
// InfluxDB under the meter_readings measurement, tagged by meter,
// endpoint, and sensor. This gives long-term history beyond what the
// broker retains.
//
// # Usage
//
//	cfg := config.InfluxDBConfig{
//	    Enabled: true,
//	    URL:     "http://localhost:8086",
//	    Token:   "your-token",
//	    Org:     "home",
//	    Bucket:  "energy",
//	}
//
//	client, err := influxdb.Connect(cfg)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteReading("meter_a_123", "Instantaneous Demand", "value", 1234)
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API uses non-blocking batched writes.
//
// # Error Handling
//
// Write operations are non-blocking and batch errors are delivered via
// the SetOnError callback. Connection and health check errors are
// returned directly.
package influxdb
