// Package mqtt announces FluxMind activity on an MQTT broker.
//
// The [Notifier] publishes a retained availability topic with a will
// message, periodic status values (uptime, version, default model,
// tokens used today), and one message per fired study session so that
// phones, dashboards, or home automation can remind the student.
//
// Connection management uses Eclipse Paho v2's [autopaho] package, which
// reconnects automatically. On every (re-)connect the notifier publishes
// its birth message ("online"); the will flips the availability topic to
// "offline" on an unexpected disconnect.
//
// Topics, with <device> from mqtt.device_name:
//
//	fluxmind/<device>/availability    online | offline (retained)
//	fluxmind/<device>/<value>/state   status values (retained)
//	fluxmind/<device>/reminders       fired study sessions (JSON)
package mqtt
