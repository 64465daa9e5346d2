// Package influxdb stores decoded RAMSES readings in InfluxDB v2.
//
// Each reading becomes one point in the "ramses" measurement:
//
//	ramses,device_id=ramses-co2,role=co2 co2_ppm=434i,signal_dbm=-45i
//
// *Client satisfies ramses.TelemetryWriter.
package influxdb
