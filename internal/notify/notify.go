// Package notify fans committed classification outcomes out to external
// listeners. Delivery is best effort: the outcome is already durable when a
// notifier runs.
package notify

import (
	"context"
	"errors"

	"tickwatch/internal/domain"
)

type Notifier interface {
	Notify(ctx context.Context, o domain.Outcome) error
}

// Multi delivers to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, o domain.Outcome) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, o); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type Nop struct{}

func (Nop) Notify(context.Context, domain.Outcome) error { return nil }

type kindFilter map[domain.OutcomeKind]struct{}

func newKindFilter(kinds []string) kindFilter {
	if len(kinds) == 0 {
		return nil
	}
	f := kindFilter{}
	for _, k := range kinds {
		if k == "" {
			continue
		}
		f[domain.OutcomeKind(k)] = struct{}{}
	}
	if len(f) == 0 {
		return nil
	}
	return f
}

func (f kindFilter) match(k domain.OutcomeKind) bool {
	if f == nil {
		return true
	}
	_, ok := f[k]
	return ok
}
