// Package mqtt publishes the relay as a Home Assistant device over MQTT:
// retained discovery configs for a small set of diagnostic sensors, an
// availability topic with a last-will "offline", and periodic state
// updates (open connections, messages handled, last request).
//
// Connection management is delegated to Eclipse Paho v2's [autopaho],
// which reconnects automatically; discovery and the birth message are
// re-published on every connect.
package mqtt
