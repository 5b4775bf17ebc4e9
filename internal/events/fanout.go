// Package events combines event publishers.
package events

import (
	"context"
	"errors"

	interfaces "github.com/sheikh-saqib/token-ledger/internal/interfaces"
)

// Fanout hands every event to each publisher in turn. One failing
// publisher does not stop the others; their errors are joined.
type Fanout []interfaces.EventPublisher

func (f Fanout) Publish(ctx context.Context, topic string, event any) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, topic, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ interfaces.EventPublisher = Fanout(nil)
