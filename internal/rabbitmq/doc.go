// Package rabbitmq provides the AMQP plumbing behind the rabbitmq transport.
//
// This package includes:
//   - ConnectionManager: Manages the connection with backoff reconnection
//   - ChannelPool: Pools channels with idle eviction and confirm mode tracking
//   - Publisher: Publishes with broker confirms
//   - Consumer: Runs subscriptions that reopen their channel after a reconnect
//   - TopologyManager: Manages exchanges, queues, bindings and dead lettering
package rabbitmq
