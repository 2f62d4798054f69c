package service

import (
	"errors"

	"github.com/TCC-OPCUAgua/opcuagua/internal/domain"
)

// MultiPublisher fans each event out to every sink. A failing sink does not
// keep the event from the others.
type MultiPublisher []domain.Publisher

// Publish sends event to every non-nil sink and joins their errors.
func (m MultiPublisher) Publish(event domain.Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
