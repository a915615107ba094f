// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

// Package membroker implements the Memory Broker client: reserve,
// transfer, and release against a ballooning daemon session, with
// retry on transient refusal.
package membroker

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/openxenstack/domaind/base"
	"github.com/openxenstack/domaind/types"
)

// ReservationID identifies one outstanding memory reservation.
type ReservationID string

// Session is a broker login handle. Client logs in lazily on first use
// and reuses the handle for its whole lifetime; it does not log in
// again after the broker drops a session.
type Session struct {
	token string
}

// Transport is the narrow RPC surface a concrete broker connection
// must provide; Client drives it with the package's retry/backoff
// policy. A real deployment dials the ballooning daemon's socket,
// read from configuration rather than hard-coded; tests use a fake.
type Transport interface {
	Login(ctx context.Context) (Session, error)
	Reserve(ctx context.Context, sess Session, min, max uint64) (amount uint64, id ReservationID, err error)
	TransferToDomain(ctx context.Context, sess Session, id ReservationID, domid types.DomId) error
	Release(ctx context.Context, sess Session, id ReservationID) error
	Balance(ctx context.Context, sess Session) error
}

// Client wraps a Transport with session caching and a bounded
// back-off retry of Reserve: starting around 10s and stepping up to a
// roughly 60s total budget, surfacing BallooningError beyond that.
// Every BallooningError is retried whatever its code; the broker's
// code is not inspected, and the socket transport does not carry it.
type Client struct {
	log       base.Logger
	transport Transport

	mu   sync.Mutex
	sess *Session
}

// NewClient returns a Client over the given transport.
func NewClient(log base.Logger, transport Transport) *Client {
	return &Client{log: log, transport: transport}
}

func (c *Client) session(ctx context.Context) (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != nil {
		return *c.sess, nil
	}
	sess, err := c.transport.Login(ctx)
	if err != nil {
		return Session{}, types.NewErrorf(types.KindBallooningServiceAbsent, "login failed: %v", err)
	}
	c.sess = &sess
	return sess, nil
}

func (c *Client) invalidateSession() {
	c.mu.Lock()
	c.sess = nil
	c.mu.Unlock()
}

// retryPolicy is the ~10s-stepping, ~60s-total backoff
// names for transient broker refusals.
func retryPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Second
	b.Multiplier = 1.5
	b.MaxInterval = 20 * time.Second
	b.MaxElapsedTime = 60 * time.Second
	return b
}

func isTransientRefusal(err error) bool {
	return types.IsKind(err, types.KindBallooningError)
}

// Reserve asks the broker for an amount in [min,max], retrying
// transient refusals per retryPolicy. Post-condition: min <= amount <=
// max.
func (c *Client) Reserve(ctx context.Context, min, max uint64) (uint64, ReservationID, error) {
	var amount uint64
	var id ReservationID
	op := func() error {
		sess, err := c.session(ctx)
		if err != nil {
			return err
		}
		a, rid, err := c.transport.Reserve(ctx, sess, min, max)
		if err != nil {
			if isTransientRefusal(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		amount, id = a, rid
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(retryPolicy(), ctx)); err != nil {
		c.log.Warnf("reserve(%d,%d) failed after retry: %v", min, max, err)
		return 0, "", unwrapBallooning(err)
	}
	if amount < min || amount > max {
		return amount, id, types.NewErrorf(types.KindInternalError, "broker returned amount %d outside [%d,%d]", amount, min, max)
	}
	return amount, id, nil
}

// TransferToDomain binds id to domid; the reservation becomes
// unrecoverable after this call succeeds.
func (c *Client) TransferToDomain(ctx context.Context, id ReservationID, domid types.DomId) error {
	sess, err := c.session(ctx)
	if err != nil {
		return err
	}
	if err := c.transport.TransferToDomain(ctx, sess, id, domid); err != nil {
		return unwrapBallooning(err)
	}
	return nil
}

// Release frees a reservation that was never transferred. Mandatory in
// every failure path.
func (c *Client) Release(ctx context.Context, id ReservationID) error {
	sess, err := c.session(ctx)
	if err != nil {
		return err
	}
	if err := c.transport.Release(ctx, sess, id); err != nil {
		c.log.Warnf("release(%s) failed: %v", id, err)
		return unwrapBallooning(err)
	}
	return nil
}

// Balance issues a best-effort rebalance hint.
func (c *Client) Balance(ctx context.Context) error {
	sess, err := c.session(ctx)
	if err != nil {
		return err
	}
	return c.transport.Balance(ctx, sess)
}

// WithReservation reserves [min,max], runs f with the granted amount
// and reservation id, and releases the reservation on every exit
// unless f itself transferred it to a domain.
func (c *Client) WithReservation(ctx context.Context, min, max uint64, f func(amount uint64, id ReservationID) (transferred bool, err error)) error {
	amount, id, err := c.Reserve(ctx, min, max)
	if err != nil {
		return err
	}
	transferred, ferr := f(amount, id)
	if !transferred {
		if relErr := c.Release(ctx, id); relErr != nil {
			c.log.Errorf("with_reservation: release(%s) failed: %v", id, relErr)
		}
	}
	return ferr
}

func unwrapBallooning(err error) error {
	if err == nil {
		return nil
	}
	if types.IsKind(err, types.KindBallooningError) || types.IsKind(err, types.KindBallooningServiceAbsent) {
		return err
	}
	return types.ErrBallooning("", err.Error())
}
