package queue

// Delivery is a trigger read from the stream together with its settlement hooks.
type Delivery struct {
	ID      string
	Trigger TriggerMessage
	Ack     func() error
	Nack    func(toDLQ bool) error
}
