package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"vaultrails/internal/app"
	"vaultrails/internal/config"
	"vaultrails/internal/idempotency"
	"vaultrails/internal/reconcile"
	"vaultrails/internal/workflow"
)

func newDepositCmd(o *rootOptions) *cobra.Command {
	var p app.DepositParams
	cmd := &cobra.Command{
		Use:   "deposit",
		Short: "Fund the vault with underlying and mint shares",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.runMutation(cmd, workflow.KindDeposit, &p, func(ctx context.Context, a *app.App) (*workflow.State, error) {
				return a.Deposit(ctx, p)
			})
		},
	}
	cmd.Flags().StringVar(&p.Amount, "amount", "", "underlying amount in token units, e.g. 1.5")
	cmd.Flags().StringVar(&p.MinSharesOut, "min-shares-out", "", "revert unless at least this many shares are minted")
	cmd.Flags().StringVar(&p.Receiver, "receiver", "", "share recipient (default: signing account)")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func newRedeemCmd(o *rootOptions) *cobra.Command {
	var p app.RedeemParams
	cmd := &cobra.Command{
		Use:   "redeem",
		Short: "Burn vault shares for underlying",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.runMutation(cmd, workflow.KindRedeem, &p, func(ctx context.Context, a *app.App) (*workflow.State, error) {
				return a.Redeem(ctx, p)
			})
		},
	}
	cmd.Flags().StringVar(&p.Shares, "shares", "", "shares to burn in share units")
	cmd.Flags().StringVar(&p.MinTokenOut, "min-token-out", "", "revert unless at least this much underlying is returned")
	cmd.Flags().StringVar(&p.Receiver, "receiver", "", "underlying recipient (default: signing account)")
	_ = cmd.MarkFlagRequired("shares")
	return cmd
}

func newQueryCmd(o *rootOptions) *cobra.Command {
	var contract string
	cmd := &cobra.Command{
		Use:   "query METHOD [ARG...]",
		Short: "Call a read-only contract method",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withApp(cmd, func(ctx context.Context, _ *config.Config, a *app.App, _ *zap.Logger) error {
				return o.finish(a.Query(ctx, contract, args[0], args[1:]))
			})
		},
	}
	cmd.Flags().StringVar(&contract, "contract", "vault", "vault or underlying")
	return cmd
}

func newBalancesCmd(o *rootOptions) *cobra.Command {
	var holder string
	cmd := &cobra.Command{
		Use:   "balances",
		Short: "Show share and underlying balances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.withApp(cmd, func(ctx context.Context, _ *config.Config, a *app.App, _ *zap.Logger) error {
				return o.finish(a.Balances(ctx, holder))
			})
		},
	}
	cmd.Flags().StringVar(&holder, "holder", "", "account to inspect (default: signing account)")
	return cmd
}

// runMutation runs a ledger-mutating workflow, honouring --idempotency-key against
// the configured store and queueing timed-out runs for reconciliation.
func (o *rootOptions) runMutation(cmd *cobra.Command, kind workflow.Kind, params any, run func(context.Context, *app.App) (*workflow.State, error)) error {
	return o.withApp(cmd, func(ctx context.Context, cfg *config.Config, a *app.App, log *zap.Logger) error {
		var (
			store       idempotency.Store
			fingerprint string
		)
		if o.idempotencyKey != "" {
			s, closeStore, err := idempotency.Open(ctx, cfg.Service.IdempotencyStore, cfg.Service.IdempotencyStorePath, cfg.Service.PostgresDSN)
			if err != nil {
				return &exitError{code: exitFailed, err: err}
			}
			defer closeStore()
			store = s

			fingerprint, err = idempotency.Fingerprint(params)
			if err != nil {
				return &exitError{code: exitFailed, err: err}
			}
			existing, err := store.Get(ctx, o.idempotencyKey)
			if err != nil {
				return &exitError{code: exitFailed, err: err}
			}
			if existing != nil {
				if !existing.Matches(string(kind), fingerprint) {
					return &exitError{code: exitUsage, err: idempotency.ErrConflict}
				}
				log.Info("replaying stored result", zap.String("idempotency_key", o.idempotencyKey))
				if _, err := o.out.Write(append(existing.Response, '\n')); err != nil {
					return &exitError{code: exitFailed, err: err}
				}
				return outcomeExit(workflow.Outcome(existing.Outcome))
			}
		}

		st, runErr := run(ctx, a)
		if st != nil {
			if st.NeedsReconcile() {
				o.enqueue(cfg, log, kind, params, st, runErr)
			}
			if store != nil && (st.Outcome == workflow.OutcomeDone || st.Broadcast()) {
				if err := o.save(ctx, cfg, store, kind, fingerprint, st); err != nil {
					log.Error("idempotency save failed", zap.Error(err))
				}
			}
		}
		return o.finish(st, runErr)
	})
}

func (o *rootOptions) save(ctx context.Context, cfg *config.Config, store idempotency.Store, kind workflow.Kind, fingerprint string, st *workflow.State) error {
	body, err := json.Marshal(st)
	if err != nil {
		return err
	}
	now := time.Now()
	return idempotency.SaveDetached(ctx, store, o.idempotencyKey, idempotency.Record{
		Kind:        string(kind),
		Fingerprint: fingerprint,
		Outcome:     string(st.Outcome),
		Response:    body,
		CreatedAt:   now,
		ExpiresAt:   now.Add(cfg.Service.IdempotencyWindow),
	})
}

func (o *rootOptions) enqueue(cfg *config.Config, log *zap.Logger, kind workflow.Kind, params any, st *workflow.State, runErr error) {
	q := &reconcile.Queue{Dir: cfg.Service.ReconcileDir, Log: log}
	req, _ := json.Marshal(params)
	state, err := json.Marshal(st)
	if err != nil {
		log.Error("encode workflow state", zap.Error(err))
		return
	}
	entry := reconcile.Entry{
		Timestamp:      time.Now().UTC(),
		IdempotencyKey: o.idempotencyKey,
		Kind:           string(kind),
		Request:        req,
		State:          state,
	}
	if runErr != nil {
		entry.Error = runErr.Error()
	}
	name, err := q.Write(entry)
	if err != nil {
		log.Error("reconcile write failed", zap.Error(err))
		return
	}
	if name != "" {
		fmt.Fprintf(o.err, "outcome unknown; queued for reconciliation as %s\n", name)
	}
}
