// Package ramses implements the RAMSES-II bridge for Gray Logic.
//
// RAMSES-II is the RF protocol spoken by Orcon/Itho ventilation units, their
// remotes and CO2 sensors. Frames are demodulated by an external gateway
// (ramses_esp) and delivered as text lines over MQTT or a serial port. This
// package parses and encodes those lines, decodes payloads per message code,
// correlates requests with their responses and publishes device state to
// Gray Logic Core.
//
// # Architecture
//
//	┌─────────────────┐          ┌─────────────────┐           ┌──────────┐
//	│   Gray Logic    │   MQTT   │  RAMSES Bridge  │ MQTT/USB  │ ramses   │  RF
//	│      Core       │◄────────►│   (this pkg)    │◄─────────►│ gateway  │◄────► fan, CO2, remote
//	└─────────────────┘          └─────────────────┘           └──────────┘
//
// # Layers
//
//   - Address: 24-bit device id rendered as "TT:NNNNNN"
//   - Frame: one wire line, "045 RP --- 29:224547 18:149960 --:------ 12A0 002 002F"
//   - Registry: payload decoders keyed by message code, with a fallback
//   - ExpectedResponse / PendingQueue: request correlation and retry bookkeeping
//   - Engine: publish, retry, inbound dispatch and address discovery
//   - Coordinator: aggregated fan and sensor state, Gray Logic topics, telemetry
//
// # Example
//
//	frame, err := ramses.ParseFrame(ramses.Envelope{Line: "080  I --- 32:098366 --:------ 32:098366 1298 003 0001B2"})
//	if err != nil {
//	    return err
//	}
//	payload, _ := ramses.DefaultRegistry().Decode(frame)
//	fmt.Println(*payload.(*ramses.CO2Payload).Level) // 434
//
// # Thread Safety
//
// Engine, PendingQueue, Coordinator and the gateways are safe for concurrent
// use. Frames are not mutated after they are handed to the engine.
package ramses
