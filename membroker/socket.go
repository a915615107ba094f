// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

package membroker

import (
	"context"

	"github.com/openxenstack/domaind/base"
	"github.com/openxenstack/domaind/types"
	"github.com/openxenstack/domaind/wireclient"
)

// socketTransport implements Transport over a wireclient connection
// to the ballooning daemon's control socket.
type socketTransport struct {
	wire *wireclient.Client
}

// NewSocketTransport returns a Transport that dials sock lazily and
// speaks the newline-JSON protocol wireclient defines.
func NewSocketTransport(log base.Logger, sock string) Transport {
	return &socketTransport{wire: wireclient.New(log, sock)}
}

type loginResult struct {
	Token string `json:"token"`
}

func (t *socketTransport) Login(ctx context.Context) (Session, error) {
	var res loginResult
	if err := t.wire.Call(ctx, "login", nil, &res); err != nil {
		return Session{}, err
	}
	return Session{token: res.Token}, nil
}

type reserveParams struct {
	Token string `json:"token"`
	Min   uint64 `json:"min"`
	Max   uint64 `json:"max"`
}

type reserveResult struct {
	Amount uint64        `json:"amount"`
	ID     ReservationID `json:"id"`
}

func (t *socketTransport) Reserve(ctx context.Context, sess Session, min, max uint64) (uint64, ReservationID, error) {
	var res reserveResult
	if err := t.wire.Call(ctx, "reserve", reserveParams{Token: sess.token, Min: min, Max: max}, &res); err != nil {
		return 0, "", err
	}
	return res.Amount, res.ID, nil
}

type transferParams struct {
	Token string        `json:"token"`
	ID    ReservationID `json:"id"`
	DomId types.DomId   `json:"domid"`
}

func (t *socketTransport) TransferToDomain(ctx context.Context, sess Session, id ReservationID, domid types.DomId) error {
	return t.wire.Call(ctx, "transfer_to_domain", transferParams{Token: sess.token, ID: id, DomId: domid}, nil)
}

type releaseParams struct {
	Token string        `json:"token"`
	ID    ReservationID `json:"id"`
}

func (t *socketTransport) Release(ctx context.Context, sess Session, id ReservationID) error {
	return t.wire.Call(ctx, "release", releaseParams{Token: sess.token, ID: id}, nil)
}

type balanceParams struct {
	Token string `json:"token"`
}

func (t *socketTransport) Balance(ctx context.Context, sess Session) error {
	return t.wire.Call(ctx, "balance", balanceParams{Token: sess.token}, nil)
}
