package collaborator

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// Notification is one dispatched message.
type Notification struct {
	TenantID string
	Channel  string
	Message  string
}

// LogNotifier dispatches notifications to the process log and keeps an
// in-memory record. It stands in for chat/pager integrations in single-node
// deployments and tests.
type LogNotifier struct {
	name   string
	logger *log.Logger

	mu   sync.Mutex
	sent []Notification
}

// NewLogNotifier returns a notifier writing through the given logger. A nil
// logger uses the process default.
func NewLogNotifier(name string, logger *log.Logger) *LogNotifier {
	if logger == nil {
		logger = log.Default()
	}
	return &LogNotifier{name: name, logger: logger}
}

func (n *LogNotifier) Name() string {
	return n.name
}

func (n *LogNotifier) Invoke(ctx context.Context, in Input) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}
	channel := in.Params["channel"]
	if channel == "" {
		channel = "default"
	}
	message := in.Params["message"]
	if message == "" {
		message = fmt.Sprintf("exception %s requires attention", in.Exception.ID)
	}

	notification := Notification{TenantID: in.TenantID, Channel: channel, Message: message}
	n.mu.Lock()
	n.sent = append(n.sent, notification)
	n.mu.Unlock()

	n.logger.Printf("notify tenant=%s channel=%s message=%q", in.TenantID, channel, message)
	return Output{Detail: fmt.Sprintf("notified %s", channel)}, nil
}

// Sent returns a copy of the dispatched notifications.
func (n *LogNotifier) Sent() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Notification, len(n.sent))
	copy(out, n.sent)
	return out
}
