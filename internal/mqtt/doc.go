// Package mqtt mirrors the event bus to an MQTT broker so other systems
// can follow conversations and tool server health without polling the
// HTTP API.
//
// The mirror uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. On every (re-)connect it
// publishes a birth message ("online") to the availability topic and
// retained instance info and daily counters. A will message moves the
// availability topic to "offline" on unexpected disconnects.
//
// Topics, relative to the configured prefix:
//
//	availability                 online | offline (retained)
//	info                         instance metadata (retained)
//	stats                        daily counters (retained)
//	events/<source>/<kind>       every bus event as JSON
//	servers/<id>/status          directory status (retained)
//	servers/<id>/health          watcher readiness (retained)
package mqtt
