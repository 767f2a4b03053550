package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// TopologyManager manages RabbitMQ topology (exchanges, queues, bindings)
type TopologyManager struct {
	pool *ChannelPool
}

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology is a set of declarations applied in order: exchanges, queues,
// then bindings.
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// Merge appends the declarations of other
func (t Topology) Merge(other Topology) Topology {
	return Topology{
		Exchanges: append(append([]ExchangeDeclaration(nil), t.Exchanges...), other.Exchanges...),
		Queues:    append(append([]QueueDeclaration(nil), t.Queues...), other.Queues...),
		Bindings:  append(append([]Binding(nil), t.Bindings...), other.Bindings...),
	}
}

// Declare applies the topology on ch
func (t Topology) Declare(ch *amqp.Channel) error {
	for _, exchange := range t.Exchanges {
		if err := declareExchange(ch, exchange); err != nil {
			return err
		}
	}
	for _, queue := range t.Queues {
		if _, err := declareQueue(ch, queue); err != nil {
			return err
		}
	}
	for _, binding := range t.Bindings {
		if err := bindQueue(ch, binding); err != nil {
			return err
		}
	}
	return nil
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(pool *ChannelPool) *TopologyManager {
	return &TopologyManager{
		pool: pool,
	}
}

// DeclareTopology declares the complete topology
func (tm *TopologyManager) DeclareTopology(ctx context.Context, topology Topology) error {
	return tm.pool.Execute(ctx, topology.Declare)
}

// DeclareExchange declares a single exchange
func (tm *TopologyManager) DeclareExchange(ctx context.Context, exchange ExchangeDeclaration) error {
	return tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		return declareExchange(ch, exchange)
	})
}

// DeclareQueue declares a single queue
func (tm *TopologyManager) DeclareQueue(ctx context.Context, queue QueueDeclaration) (amqp.Queue, error) {
	var q amqp.Queue
	err := tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		var err error
		q, err = declareQueue(ch, queue)
		return err
	})
	return q, err
}

// DeleteQueue deletes a queue
func (tm *TopologyManager) DeleteQueue(ctx context.Context, name string, ifUnused, ifEmpty bool) error {
	return tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		_, err := ch.QueueDelete(name, ifUnused, ifEmpty, false)
		if err != nil {
			return topologyError("queue", name, "delete", err)
		}
		return nil
	})
}

// GetQueueInfo retrieves queue information
func (tm *TopologyManager) GetQueueInfo(ctx context.Context, name string) (amqp.Queue, error) {
	var q amqp.Queue
	err := tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		var err error
		q, err = ch.QueueDeclarePassive(name, false, false, false, false, nil)
		return err
	})
	return q, err
}

func declareExchange(ch *amqp.Channel, exchange ExchangeDeclaration) error {
	err := ch.ExchangeDeclare(
		exchange.Name,
		exchange.Type,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		exchange.Arguments,
	)
	if err != nil {
		return topologyError("exchange", exchange.Name, "declare", err)
	}
	return nil
}

func declareQueue(ch *amqp.Channel, queue QueueDeclaration) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
	if err != nil {
		return q, topologyError("queue", queue.Name, "declare", err)
	}
	return q, nil
}

func bindQueue(ch *amqp.Channel, binding Binding) error {
	err := ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
	if err != nil {
		return topologyError("binding", binding.Queue+"->"+binding.Exchange, "declare", err)
	}
	return nil
}

func topologyError(component, name, op string, err error) error {
	return &TopologyError{
		Component: component,
		Name:      name,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// DeadLetterTopology declares the dead letter exchange dlx and a durable
// queue "<queue>.dlq" bound to it, and returns the arguments the main queue
// needs so rejected messages end up there.
func DeadLetterTopology(queue, dlx string) (Topology, amqp.Table) {
	dlq := queue + ".dlq"
	topology := Topology{
		Exchanges: []ExchangeDeclaration{
			{Name: dlx, Type: amqp.ExchangeDirect, Durable: true},
		},
		Queues: []QueueDeclaration{
			{Name: dlq, Durable: true},
		},
		Bindings: []Binding{
			{Queue: dlq, Exchange: dlx, RoutingKey: dlq},
		},
	}
	args := amqp.Table{
		"x-dead-letter-exchange":    dlx,
		"x-dead-letter-routing-key": dlq,
	}
	return topology, args
}
