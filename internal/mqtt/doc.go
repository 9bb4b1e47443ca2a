// Package mqtt publishes tracked phones to Home Assistant over MQTT
// discovery and accepts device commands from a command topic. Each
// phone appears as a native HA device with a GPS device_tracker,
// battery and status sensors, and availability tracking; the bridge
// itself appears as a hub device with diagnostic sensors.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes retained discovery config payloads for the
// bridge and every known phone, a birth message ("online") to the
// availability topic, and re-subscribes to the command topic. A will
// message ensures the availability topic transitions to "offline" on
// unexpected disconnects.
package mqtt
