package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// MeasurementRAMSES holds every decoded reading.
const MeasurementRAMSES = "ramses"

// WriteReading queues one decoded payload, tagged with the Gray Logic
// device id and role. Nil fields are sensor sentinels and are left out;
// a reading with nothing left is dropped.
func (c *Client) WriteReading(deviceID, role string, fields map[string]any, at time.Time) {
	if !c.open.Load() {
		return
	}
	if p := readingPoint(deviceID, role, fields, at); p != nil {
		c.writeAPI.WritePoint(p)
	}
}

func readingPoint(deviceID, role string, fields map[string]any, at time.Time) *write.Point {
	p := write.NewPointWithMeasurement(MeasurementRAMSES).
		AddTag("device_id", deviceID).
		AddTag("role", role).
		SetTime(at)

	var n int
	for k, v := range fields {
		if v == nil {
			continue
		}
		p.AddField(k, v)
		n++
	}
	if n == 0 {
		return nil
	}
	return p.SortFields()
}
