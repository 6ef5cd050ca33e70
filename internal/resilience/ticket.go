package resilience

import (
	"context"
	"fmt"

	"github.com/MrWong99/parley/pkg/ticket"
)

// GuardIssuer returns an issuer that runs every issuance through cb. While
// the breaker is open, Issue fails immediately with an error wrapping
// [ErrCircuitOpen].
func GuardIssuer(issuer ticket.Issuer, cb *CircuitBreaker) ticket.Issuer {
	return ticket.IssuerFunc(func(ctx context.Context, req ticket.Request) (ticket.Ticket, error) {
		var tk ticket.Ticket
		err := cb.Execute(ctx, func(ctx context.Context) error {
			var err error
			tk, err = issuer.Issue(ctx, req)
			return err
		})
		if err != nil {
			return ticket.Ticket{}, fmt.Errorf("resilience: %s: %w", cb.name, err)
		}
		return tk, nil
	})
}
