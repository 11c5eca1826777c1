package main

import (
	"github.com/spf13/cobra"

	"vaultrails/internal/idempotency"
	"vaultrails/internal/reconcile"
)

func newReconcileCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Inspect workflows whose ledger outcome is unknown",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "Print queued entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := o.queue()
			if err != nil {
				return err
			}
			entries, names, err := q.List()
			if err != nil {
				return &exitError{code: exitFailed, err: err}
			}
			type named struct {
				Name string `json:"name"`
				reconcile.Entry
			}
			out := make([]named, 0, len(names))
			for _, name := range names {
				out = append(out, named{Name: name, Entry: entries[name]})
			}
			return o.print(out)
		},
	}

	var forget bool
	resolve := &cobra.Command{
		Use:   "resolve NAME...",
		Short: "Remove entries an operator has checked on the ledger",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := o.queue()
			if err != nil {
				return err
			}
			var store idempotency.Store
			if forget {
				cfg, err := o.loadConfig()
				if err != nil {
					return err
				}
				s, closeStore, err := idempotency.Open(cmd.Context(), cfg.Service.IdempotencyStore, cfg.Service.IdempotencyStorePath, cfg.Service.PostgresDSN)
				if err != nil {
					return &exitError{code: exitFailed, err: err}
				}
				defer closeStore()
				store = s
			}
			for _, name := range args {
				entry, err := q.Read(name)
				if err != nil {
					return &exitError{code: exitFailed, err: err}
				}
				if store != nil && entry.IdempotencyKey != "" {
					if err := store.Delete(cmd.Context(), entry.IdempotencyKey); err != nil {
						return &exitError{code: exitFailed, err: err}
					}
				}
				if err := q.Resolve(name); err != nil {
					return &exitError{code: exitFailed, err: err}
				}
			}
			return nil
		},
	}
	resolve.Flags().BoolVar(&forget, "forget", false, "also drop the stored result so the idempotency key can run again")

	cmd.AddCommand(list, resolve)
	return cmd
}

func (o *rootOptions) queue() (*reconcile.Queue, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	log, err := cfg.Logging.Logger()
	if err != nil {
		return nil, &exitError{code: exitUsage, err: err}
	}
	return &reconcile.Queue{Dir: cfg.Service.ReconcileDir, Log: log}, nil
}
