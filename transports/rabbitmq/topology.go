package rabbitmq

import (
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/relay/contracts"
	"github.com/glimte/relay/internal/rabbitmq"
	"github.com/glimte/relay/messaging"
)

// QueueName returns the queue a key consumes
func QueueName(key contracts.Key) string {
	if key.Group == "" {
		return key.Destination
	}
	return key.Destination + "." + key.Group
}

// DeadLetterQueue returns the queue holding the messages a key's queue
// dead letters when the driver has a dead letter exchange
func DeadLetterQueue(key contracts.Key) string {
	return QueueName(key) + ".dlq"
}

// topologyFor declares the driver exchange, the key's queue and its
// bindings. Group queues are also bound under their own name so a message
// can be addressed to one group, as dead letter replays do.
func (d *Driver) topologyFor(sub messaging.Subscription) rabbitmq.Topology {
	queue := QueueName(sub.Key)
	args := amqp.Table{}
	topology := rabbitmq.Topology{
		Exchanges: []rabbitmq.ExchangeDeclaration{d.exchangeDeclaration()},
	}

	if d.cfg.deadLetterExchange != "" && !sub.Temporary && !strings.HasSuffix(queue, ".dlq") {
		dead, dlArgs := rabbitmq.DeadLetterTopology(queue, d.cfg.deadLetterExchange)
		topology = topology.Merge(dead)
		for k, v := range dlArgs {
			args[k] = v
		}
	}
	if d.cfg.maxPriority > 0 {
		args["x-max-priority"] = int32(d.cfg.maxPriority)
	}
	if d.cfg.singleActiveConsumer && !sub.Temporary {
		args["x-single-active-consumer"] = true
	}
	if len(args) == 0 {
		args = nil
	}

	topology.Queues = append(topology.Queues, rabbitmq.QueueDeclaration{
		Name:       queue,
		Durable:    !sub.Temporary,
		AutoDelete: sub.Temporary,
		Exclusive:  sub.Temporary,
		Arguments:  args,
	})
	topology.Bindings = append(topology.Bindings, rabbitmq.Binding{
		Queue:      queue,
		Exchange:   d.cfg.exchange,
		RoutingKey: sub.Key.Destination,
	})
	if queue != sub.Key.Destination && !sub.Temporary {
		topology.Bindings = append(topology.Bindings, rabbitmq.Binding{
			Queue:      queue,
			Exchange:   d.cfg.exchange,
			RoutingKey: queue,
		})
	}

	return topology
}

func (d *Driver) exchangeDeclaration() rabbitmq.ExchangeDeclaration {
	return rabbitmq.ExchangeDeclaration{
		Name:    d.cfg.exchange,
		Type:    d.cfg.exchangeType,
		Durable: true,
	}
}
