// Package mqtt bridges the in-process event bus to an MQTT broker.
//
// The bridge uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. Every bus event is published
// as JSON to <prefix>/events/<source>/<kind> with QoS 0 and no retain
// flag. On every (re-)connect a retained "online" message goes to
// <prefix>/availability, and a will message flips it to "offline" on
// unexpected disconnects.
//
// The bridge reads the bus through a buffered subscription, so a slow
// or absent broker costs dropped events, never a stalled agent turn.
package mqtt
