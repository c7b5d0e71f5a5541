package dispatch

import (
	"context"
	"errors"

	"github.com/notifyhub/notifyhub/app/database"
)

// Provider delivers a notification over one channel.
type Provider interface {
	Channel() database.Channel
	Deliver(ctx context.Context, n database.Notification, event database.Event, user database.User) error
}

// FatalError marks a delivery error that retrying cannot fix, such as a
// missing recipient address. The dispatcher fails the notification
// immediately instead of exhausting the retry budget.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

func Fatal(err error) error {
	return &FatalError{Err: err}
}

func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
