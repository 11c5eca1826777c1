// Package account binds a signing capability to an address and serializes nonce issuance.
package account

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"vaultrails/internal/chain"
)

// NonceSource reports the next nonce the ledger expects for an address.
type NonceSource interface {
	PendingNonce(ctx context.Context, account common.Address) (uint64, error)
}

// Account is the sole writer of its nonce counter. The counter is seeded from the
// ledger on first use and only moves forward afterwards.
type Account struct {
	signer Signer
	source NonceSource

	// nonce guards next and synced. It is a 1-slot channel so waiting honours ctx.
	nonce  chan struct{}
	next   uint64
	synced bool

	session chan struct{}
}

func New(signer Signer, source NonceSource) *Account {
	return &Account{
		signer:  signer,
		source:  source,
		nonce:   make(chan struct{}, 1),
		session: make(chan struct{}, 1),
	}
}

func (a *Account) Address() common.Address {
	return a.signer.Address()
}

// NextNonce reserves and returns the next sequence number. Concurrent callers never
// receive the same value.
func (a *Account) NextNonce(ctx context.Context) (uint64, error) {
	if err := a.lockNonce(ctx); err != nil {
		return 0, err
	}
	defer a.unlockNonce()

	if !a.synced {
		n, err := a.source.PendingNonce(ctx, a.Address())
		if err != nil {
			return 0, fmt.Errorf("seed nonce for %s: %w", a.Address().Hex(), err)
		}
		a.next = n
		a.synced = true
	}
	n := a.next
	a.next++
	return n, nil
}

// Resync adopts the ledger's pending nonce. The caller must hold the session from
// Acquire so no nonce is between reservation and submission while it reads. The
// counter moves backwards only over nonces the ledger never accepted, which closes
// the gap a failed submission leaves.
func (a *Account) Resync(ctx context.Context) error {
	if err := a.lockNonce(ctx); err != nil {
		return err
	}
	defer a.unlockNonce()

	n, err := a.source.PendingNonce(ctx, a.Address())
	if err != nil {
		return fmt.Errorf("resync nonce for %s: %w", a.Address().Hex(), err)
	}
	a.next = n
	a.synced = true
	return nil
}

// Sign builds the transaction described by req and signs it with the delegated signer.
func (a *Account) Sign(ctx context.Context, req chain.TransactionRequest) (*types.Transaction, error) {
	if req.From != a.Address() {
		return nil, fmt.Errorf("request from %s cannot be signed by %s", req.From.Hex(), a.Address().Hex())
	}
	signed, err := a.signer.SignTx(ctx, req.Transaction())
	if err != nil {
		return nil, fmt.Errorf("sign nonce %d: %w", req.Nonce, err)
	}
	return signed, nil
}

// Acquire gives the caller exclusive use of the account until release is called.
// Workflows hold it for their whole run so two flows never interleave nonces.
func (a *Account) Acquire(ctx context.Context) (release func(), err error) {
	select {
	case a.session <- struct{}{}:
		return func() { <-a.session }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *Account) lockNonce(ctx context.Context) error {
	select {
	case a.nonce <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Account) unlockNonce() {
	<-a.nonce
}
