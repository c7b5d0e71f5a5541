package dispatch

import (
	"context"

	"github.com/notifyhub/notifyhub/app/database"
)

// LiveProvider handles the LIVE channel. Delivery itself is a no-op: the
// dispatcher publishes every status transition to the stream hub, and the
// SENT transition is what reaches connected clients. Keeping the provider
// in the delivery path gives LIVE the same status lifecycle as every
// other channel.
type LiveProvider struct{}

var _ Provider = (*LiveProvider)(nil)

func NewLiveProvider() *LiveProvider {
	return &LiveProvider{}
}

func (p *LiveProvider) Channel() database.Channel {
	return database.ChannelLive
}

func (p *LiveProvider) Deliver(_ context.Context, _ database.Notification, _ database.Event, _ database.User) error {
	return nil
}
