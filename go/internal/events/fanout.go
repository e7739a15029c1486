package events

import (
	"context"
	"errors"
)

// Fanout publishes every event to each of its buses in order. All buses are
// tried; the errors are joined.
type Fanout []Bus

var _ Bus = Fanout(nil)

func (f Fanout) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, bus := range f {
		if err := bus.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
