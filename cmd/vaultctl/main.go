// Command vaultctl runs vault workflows from the command line and prints the
// resulting workflow state as JSON.
//
// Exit codes: 0 done, 1 failed, 2 timed out (outcome unknown), 3 usage error.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"vaultrails/internal/app"
	"vaultrails/internal/config"
	"vaultrails/internal/workflow"
)

const (
	exitOK = iota
	exitFailed
	exitTimedOut
	exitUsage
)

// exitError carries a process exit code out of a cobra RunE.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

type buildFunc func(ctx context.Context, cfg *config.Config, log *zap.Logger) (*app.App, error)

type rootOptions struct {
	configPath     string
	idempotencyKey string
	logLevel       string

	out   io.Writer
	err   io.Writer
	build buildFunc
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr, app.Build)
	stop()
	os.Exit(code)
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer, build buildFunc) int {
	root := newRootCmd(stdout, stderr, build)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintf(stderr, "error: %v\n", ee.err)
		}
		return ee.code
	}
	fmt.Fprintf(stderr, "error: %v\n", err)
	return exitUsage
}

func newRootCmd(stdout, stderr io.Writer, build buildFunc) *cobra.Command {
	o := &rootOptions{out: stdout, err: stderr, build: build}

	root := &cobra.Command{
		Use:           "vaultctl",
		Short:         "Deposit into and redeem from a yield vault",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&o.configPath, "config", "", "config file (default: $VAULT_CONFIG or ./config.yaml)")
	root.PersistentFlags().StringVar(&o.idempotencyKey, "idempotency-key", "", "replay the stored result for this key instead of running again")
	root.PersistentFlags().StringVar(&o.logLevel, "log-level", "", "override logging.level")

	root.AddCommand(
		newDepositCmd(o),
		newRedeemCmd(o),
		newQueryCmd(o),
		newBalancesCmd(o),
		newReconcileCmd(o),
	)
	return root
}

func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, &exitError{code: exitUsage, err: err}
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	return cfg, nil
}

// withApp validates the configuration, builds the app and hands it to fn.
func (o *rootOptions) withApp(cmd *cobra.Command, fn func(ctx context.Context, cfg *config.Config, a *app.App, log *zap.Logger) error) error {
	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return &exitError{code: exitUsage, err: err}
	}
	log, err := cfg.Logging.Logger()
	if err != nil {
		return &exitError{code: exitUsage, err: err}
	}
	defer func() { _ = log.Sync() }()

	ctx := cmd.Context()
	a, err := o.build(ctx, cfg, log)
	if err != nil {
		return &exitError{code: exitFailed, err: err}
	}
	defer a.Close()
	return fn(ctx, cfg, a, log)
}

func (o *rootOptions) print(v any) error {
	enc := json.NewEncoder(o.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// finish prints st and converts its outcome into an exit code.
func (o *rootOptions) finish(st *workflow.State, err error) error {
	if st == nil {
		if errors.Is(err, app.ErrInvalidInput) {
			return &exitError{code: exitUsage, err: err}
		}
		return &exitError{code: exitFailed, err: err}
	}
	if perr := o.print(st); perr != nil {
		return &exitError{code: exitFailed, err: perr}
	}
	return outcomeExit(st.Outcome)
}

func outcomeExit(outcome workflow.Outcome) error {
	switch outcome {
	case workflow.OutcomeDone:
		return nil
	case workflow.OutcomeTimedOut:
		return &exitError{code: exitTimedOut}
	}
	return &exitError{code: exitFailed}
}
