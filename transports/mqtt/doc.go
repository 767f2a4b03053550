// Package mqtt is the MQTT 3.1.1 messaging.Driver, built on the Eclipse
// Paho client.
//
// A key subscribes to its destination as a topic filter; a key with a group
// uses the shared subscription "$share/<group>/<topic>". Messages are
// acknowledged manually, so a failed QoS 1 message stays unacknowledged and
// is resent when a persistent session resumes.
package mqtt
