// Package platform delivers driver output to the outside world: raw NMEA
// over UDP, location and NMEA over MQTT, and location updates to websocket
// clients.
package platform
