// Package logging sets up the bridge's log/slog logger.
//
// Output is JSON (or text, for development) on stdout, stderr or a file
// rotated by lumberjack. Every entry carries "service" and "version":
//
//	log := logging.New(cfg.Logging, version)
//	defer log.Close()
//	log.With("component", "engine").Info("frame sent", "code", "22F1")
//
// Do not log the MQTT password or the InfluxDB token.
package logging
