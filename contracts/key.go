package contracts

import "fmt"

// Key identifies a subscription: a queue name, a topic plus consumer group,
// or an MQTT topic filter.
type Key struct {
	Destination string
	Group       string
}

// NewKey creates a key without a consumer group
func NewKey(destination string) Key {
	return Key{Destination: destination}
}

// String returns "destination" or "destination@group"
func (k Key) String() string {
	if k.Group == "" {
		return k.Destination
	}
	return fmt.Sprintf("%s@%s", k.Destination, k.Group)
}

// IsZero reports whether the key has no destination
func (k Key) IsZero() bool {
	return k.Destination == ""
}

// Destination describes where an outbound message goes.
type Destination struct {
	// Name is the routing key (AMQP), topic (Kafka) or topic (MQTT)
	Name string
	// Exchange is only meaningful to AMQP transports; empty means the default exchange
	Exchange string
	// Key is the Kafka partition key
	Key string
}

// To creates a destination addressed by name only
func To(name string) Destination {
	return Destination{Name: name}
}

// String returns a printable form used in logs and errors
func (d Destination) String() string {
	if d.Exchange == "" {
		return d.Name
	}
	return d.Exchange + "/" + d.Name
}
