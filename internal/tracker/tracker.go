// Package tracker waits for broadcast transactions to reach a terminal state.
package tracker

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"vaultrails/internal/chain"
	"vaultrails/internal/gateway"
)

// State of a tracked transaction.
type State string

const (
	Pending   State = "pending"
	Confirmed State = "confirmed"
	Reverted  State = "reverted"
	TimedOut  State = "timed_out"
)

const revertReplayTimeout = 5 * time.Second

type Config struct {
	PollInterval  time.Duration
	Confirmations uint64
	Deadline      time.Duration
	// MaxRetries bounds consecutive NetworkErrors tolerated for a single poll.
	MaxRetries uint64
	MaxBackoff time.Duration
}

type Option func(*Tracker)

// WithRetryHook registers fn to be called on every retried network failure.
func WithRetryHook(fn func(op string)) Option {
	return func(t *Tracker) { t.onRetry = fn }
}

type Tracker struct {
	gw      gateway.Gateway
	cfg     Config
	log     *zap.Logger
	onRetry func(op string)
}

func New(gw gateway.Gateway, cfg Config, log *zap.Logger, opts ...Option) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Confirmations == 0 {
		cfg.Confirmations = 1
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = 2 * time.Minute
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * cfg.PollInterval
	}
	t := &Tracker{gw: gw, cfg: cfg, log: log, onRetry: func(string) {}}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Config returns the effective configuration after defaults.
func (t *Tracker) Config() Config {
	return t.cfg
}

// Await polls until handle is confirmed at the required depth, reverts, or the deadline
// passes. Zero arguments fall back to the configured values. It returns
// *chain.RevertedError for failed receipts and *chain.TimeoutError when the outcome is
// still unknown; the latter does not mean the transaction will not be included.
func (t *Tracker) Await(ctx context.Context, handle chain.TransactionHandle, confirmations uint64, deadline time.Duration) (*chain.Receipt, error) {
	if confirmations == 0 {
		confirmations = t.cfg.Confirmations
	}
	if deadline <= 0 {
		deadline = t.cfg.Deadline
	}

	start := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	log := t.log.With(zap.Stringer("tx", handle.Hash), zap.String("method", handle.Request.Method))
	timeout := func() error {
		log.Warn("no terminal receipt before deadline", zap.String("state", string(TimedOut)))
		return &chain.TimeoutError{Hash: handle.Hash, Waited: time.Since(start), Err: waitCtx.Err()}
	}
	// expired also covers calls that gave up because the deadline was too close.
	expired := func(err error) bool {
		return waitCtx.Err() != nil || errors.Is(err, context.DeadlineExceeded)
	}

	for {
		var receipt *chain.Receipt
		err := t.retry(waitCtx, "receipt", func() error {
			var rerr error
			receipt, rerr = t.gw.Receipt(waitCtx, handle.Hash)
			return rerr
		})
		switch {
		case err == nil && !receipt.Success:
			rerr := t.reverted(ctx, handle, receipt)
			log.Warn("transaction reverted", zap.String("state", string(Reverted)), zap.Error(rerr))
			return receipt, rerr
		case err == nil:
			var head uint64
			herr := t.retry(waitCtx, "block number", func() error {
				var berr error
				head, berr = t.gw.BlockNumber(waitCtx)
				return berr
			})
			if herr != nil {
				if expired(herr) {
					return nil, timeout()
				}
				return nil, herr
			}
			if head >= receipt.BlockNumber && head-receipt.BlockNumber+1 >= confirmations {
				log.Info("transaction confirmed",
					zap.String("state", string(Confirmed)),
					zap.Uint64("block", receipt.BlockNumber),
					zap.Uint64("depth", head-receipt.BlockNumber+1),
				)
				return receipt, nil
			}
		case errors.Is(err, chain.ErrPending):
		case expired(err):
			return nil, timeout()
		default:
			return nil, err
		}

		select {
		case <-waitCtx.Done():
			return nil, timeout()
		case <-ticker.C:
		}
	}
}

// retry runs fn, retrying NetworkErrors with bounded exponential backoff. Any other
// error is returned immediately.
func (t *Tracker) retry(ctx context.Context, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.cfg.PollInterval
	b.MaxInterval = t.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, t.cfg.MaxRetries), ctx)

	return backoff.RetryNotify(func() error {
		err := fn()
		var netErr *chain.NetworkError
		if err != nil && !errors.As(err, &netErr) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, next time.Duration) {
		t.onRetry(op)
		t.log.Warn("retrying after network error",
			zap.String("op", op),
			zap.Duration("next", next),
			zap.Error(err),
		)
	})
}

// reverted replays the call on the parent of the receipt's block, the state the
// transaction executed against, to recover the revert reason.
func (t *Tracker) reverted(ctx context.Context, handle chain.TransactionHandle, receipt *chain.Receipt) error {
	out := &chain.RevertedError{Hash: handle.Hash, Block: receipt.BlockNumber}

	parent := receipt.BlockNumber
	if parent > 0 {
		parent--
	}
	replayCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), revertReplayTimeout)
	defer cancel()
	_, err := t.gw.Call(replayCtx, handle.Request.CallMsg(), new(big.Int).SetUint64(parent))
	var replayed *chain.RevertedError
	if errors.As(err, &replayed) {
		out.Reason = replayed.Reason
	}
	return out
}
