// Package memory provides an in-process transport driver.
//
// Published messages are queued per subscription key and delivered in order
// to the key's consumers. Nack puts a message back at the head of its queue
// with the attempt counter raised, so redelivery behaves like a broker that
// requeues. Every settlement is recorded and can be inspected, which makes
// the driver the test double for code built on messaging.Broker:
//
//	driver := memory.New()
//	broker := messaging.NewBroker(driver)
//	...
//	driver.Settlements(contracts.NewKey("orders"))
package memory
