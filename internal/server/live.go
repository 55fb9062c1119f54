package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/aporkolab/Nyelvszo-v.2.0/internal/notify"
)

// ErrNoLiveConnection is the delivery error when the recipient has no open
// connection.
var ErrNoLiveConnection = errors.New("server: recipient has no live connection")

// LiveChannel delivers notifications to a user's open connections through the
// user session index.
type LiveChannel struct {
	hub *Hub
}

func NewLiveChannel(h *Hub) *LiveChannel { return &LiveChannel{hub: h} }

func (l *LiveChannel) Name() string { return notify.ChannelLive }

// Send queues a notification frame on every connection of recipient. A frame
// that lands in a backlog still counts as accepted.
func (l *LiveChannel) Send(ctx context.Context, recipient string, msg notify.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ids := l.hub.UserConnections(recipient)
	if len(ids) == 0 {
		return fmt.Errorf("%w: %s", ErrNoLiveConnection, recipient)
	}
	frame := encodeFrame(TypeNotification, msg)
	accepted := 0
	for _, id := range ids {
		if c, ok := l.hub.Get(id); ok {
			c.enqueue(frame)
			accepted++
		}
	}
	if accepted == 0 {
		return fmt.Errorf("%w: %s", ErrNoLiveConnection, recipient)
	}
	l.hub.metrics.delivered(ctx, "notification", accepted)
	return nil
}
