package bridge

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/theognis1002/nimbus-relay/internal/queue"
)

type Action string

const (
	ActionGetQueue         Action = "GET_QUEUE"
	ActionUpdateQueue      Action = "UPDATE_QUEUE"
	ActionNotification     Action = "NOTIFICATION"
	ActionSendNotification Action = "SEND_NOTIFICATION"
	ActionProcessQueue     Action = "PROCESS_QUEUE"
	ActionQueueReply       Action = "QUEUE_REPLY"
	ActionSendResult       Action = "SEND_RESULT"
)

var (
	ErrUnknownAction = errors.New("bridge: unknown action")
	ErrMissingPort   = errors.New("bridge: message requires a reply port")
)

// Message is one frame of the worker/page protocol. The set of
// implementations is closed; Decode and Encode cover every one of them.
type Message interface {
	Action() Action
	isMessage()
}

// GetQueue asks a page for its queue; the answer is a QueueReply on Port.
type GetQueue struct {
	Port string
}

// UpdateQueue pushes the worker's current queue to a page.
type UpdateQueue struct {
	Queue []queue.QueueItem
}

// Notification carries human-readable progress text to a page.
type Notification struct {
	Text string
}

// SendNotification asks the worker for one direct delivery of Payload;
// the outcome is a SendResult on Port.
type SendNotification struct {
	Port    string
	Payload json.RawMessage
}

// ProcessQueue asks the worker to start a drain pass.
type ProcessQueue struct{}

// QueueReply answers a GetQueue.
type QueueReply struct {
	Port  string
	Queue []queue.QueueItem
}

// SendResult answers a SendNotification.
type SendResult struct {
	Port    string
	Success bool
	Error   string
}

func (GetQueue) Action() Action         { return ActionGetQueue }
func (UpdateQueue) Action() Action      { return ActionUpdateQueue }
func (Notification) Action() Action     { return ActionNotification }
func (SendNotification) Action() Action { return ActionSendNotification }
func (ProcessQueue) Action() Action     { return ActionProcessQueue }
func (QueueReply) Action() Action       { return ActionQueueReply }
func (SendResult) Action() Action       { return ActionSendResult }

func (GetQueue) isMessage()         {}
func (UpdateQueue) isMessage()      {}
func (Notification) isMessage()     {}
func (SendNotification) isMessage() {}
func (ProcessQueue) isMessage()     {}
func (QueueReply) isMessage()       {}
func (SendResult) isMessage()       {}

type envelope struct {
	Action  Action             `json:"action"`
	Port    string             `json:"port,omitempty"`
	Queue   *[]queue.QueueItem `json:"colaMensajes,omitempty"`
	Message string             `json:"message,omitempty"`
	Payload json.RawMessage    `json:"mensaje,omitempty"`
	Success *bool              `json:"success,omitempty"`
	Error   string             `json:"error,omitempty"`
}

func Encode(msg Message) ([]byte, error) {
	env := envelope{Action: msg.Action()}
	switch m := msg.(type) {
	case GetQueue:
		env.Port = m.Port
	case UpdateQueue:
		env.Queue = nonNil(m.Queue)
	case Notification:
		env.Message = m.Text
	case SendNotification:
		env.Port = m.Port
		env.Payload = m.Payload
	case ProcessQueue:
	case QueueReply:
		env.Port = m.Port
		env.Queue = nonNil(m.Queue)
	case SendResult:
		env.Port = m.Port
		env.Success = &m.Success
		env.Error = m.Error
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownAction, msg)
	}
	return json.Marshal(env)
}

func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}

	switch env.Action {
	case ActionGetQueue:
		if env.Port == "" {
			return nil, fmt.Errorf("%w: %s", ErrMissingPort, env.Action)
		}
		return GetQueue{Port: env.Port}, nil
	case ActionUpdateQueue:
		return UpdateQueue{Queue: items(env.Queue)}, nil
	case ActionNotification:
		return Notification{Text: env.Message}, nil
	case ActionSendNotification:
		if env.Port == "" {
			return nil, fmt.Errorf("%w: %s", ErrMissingPort, env.Action)
		}
		return SendNotification{Port: env.Port, Payload: env.Payload}, nil
	case ActionProcessQueue:
		return ProcessQueue{}, nil
	case ActionQueueReply:
		if env.Port == "" {
			return nil, fmt.Errorf("%w: %s", ErrMissingPort, env.Action)
		}
		return QueueReply{Port: env.Port, Queue: items(env.Queue)}, nil
	case ActionSendResult:
		if env.Port == "" {
			return nil, fmt.Errorf("%w: %s", ErrMissingPort, env.Action)
		}
		r := SendResult{Port: env.Port, Error: env.Error}
		if env.Success != nil {
			r.Success = *env.Success
		}
		return r, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, env.Action)
	}
}

func nonNil(q []queue.QueueItem) *[]queue.QueueItem {
	if q == nil {
		q = []queue.QueueItem{}
	}
	return &q
}

// items treats a missing queue as an empty one.
func items(q *[]queue.QueueItem) []queue.QueueItem {
	if q == nil || *q == nil {
		return []queue.QueueItem{}
	}
	return *q
}
