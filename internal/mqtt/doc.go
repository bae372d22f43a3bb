// Package mqtt exposes Matomo sensors to Home Assistant through MQTT
// discovery. Each config entry becomes an HA device; each sensor entity
// gets a retained discovery config, a retained state topic, and two
// availability topics (the bridge's and the entry's) that must both be
// "online" for HA to show a value.
//
// The connection is managed by Eclipse Paho v2's [autopaho] package.
// On every (re-)connect the publisher sends a birth message, subscribes
// to HA's status topic, and republishes every discovery config and the
// last known states. A will message flips the bridge availability topic
// to "offline" on unexpected disconnects. When HA announces "online" on
// its status topic (after an HA restart) everything is republished
// again so entities reappear without waiting for the next poll.
package mqtt
