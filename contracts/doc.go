// Package contracts defines the canonical in-memory shapes every broker
// transport agrees on.
//
// This package defines:
//   - Envelope: one inbound or outbound message with its metadata and ack handle
//   - Key and Destination: subscription identity and publish target
//   - AckPolicy and Outcome: how and whether a message gets settled
//   - the error taxonomy shared by the dispatcher and the transports
//
// Nothing in this package talks to a network; transports translate their wire
// deliveries into these types and the messaging package drives them.
package contracts
