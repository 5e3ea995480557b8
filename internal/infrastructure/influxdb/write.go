package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteReading writes a single meter reading to InfluxDB.
//
// This is the primary method for recording republished sensor values.
// The write is non-blocking; data is batched and sent asynchronously.
//
// Parameters:
//   - meter: Sanitized meter name (e.g., "meter_a_123")
//   - endpoint: Endpoint display name (e.g., "Instantaneous Demand")
//   - sensor: Sensor key within the endpoint (e.g., "value", "TouTierA")
//   - value: The numeric reading
//
// Example:
//
//	client.WriteReading("meter_a_123", "Instantaneous Demand", "value", 1234)
func (c *Client) WriteReading(meter, endpoint, sensor string, value float64) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"meter_readings",
		map[string]string{
			"meter":    meter,
			"endpoint": endpoint,
			"sensor":   sensor,
		},
		map[string]interface{}{
			"value": value,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for measurements that don't fit WriteReading, such as
// bridge uptime or poll cycle durations.
//
// Parameters:
//   - measurement: The measurement name (table)
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the actual data
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WritePointWithTime writes a custom point with a specific timestamp.
//
// Use this when the timestamp is not "now" (e.g., backfilled data).
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}
