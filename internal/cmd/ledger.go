package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/amurg-ai/credithub/internal/config"
	"github.com/amurg-ai/credithub/internal/credits"
	"github.com/amurg-ai/credithub/internal/hub"
	"github.com/amurg-ai/credithub/internal/store"
	"github.com/amurg-ai/credithub/internal/tui"
)

// offlineEnv is the ledger opened directly against the configured database, for
// commands that run next to (or instead of) the server.
type offlineEnv struct {
	cfg    *config.Config
	ledger *credits.Service
	store  store.Store
}

func openOffline(cmd *cobra.Command) (*offlineEnv, error) {
	cfg, _, err := loadConfig(cmd, nil)
	if err != nil {
		return nil, err
	}
	// Keep command output clean: only warnings and errors are logged.
	logCfg := cfg.Logging
	if logCfg.Level != "debug" {
		logCfg.Level = "warn"
	}
	ledger, db, err := hub.OpenLedger(cfg, newLogger(logCfg, cmd.ErrOrStderr()))
	if err != nil {
		return nil, err
	}
	return &offlineEnv{cfg: cfg, ledger: ledger, store: db}, nil
}

func (e *offlineEnv) Close() { _ = e.store.Close() }

// snapshot sweeps, then reads the user's balance and recent transactions.
func (e *offlineEnv) snapshot(ctx context.Context, userID string, limit int) (tui.Snapshot, error) {
	user, err := e.store.GetUserByID(ctx, userID)
	if err != nil {
		return tui.Snapshot{}, fmt.Errorf("get user: %w", err)
	}
	if user == nil {
		return tui.Snapshot{}, fmt.Errorf("user %q not found", userID)
	}
	if _, err := e.ledger.ExpireStalePackages(ctx); err != nil {
		return tui.Snapshot{}, err
	}
	summary, err := e.ledger.Summary(ctx, userID)
	if err != nil {
		return tui.Snapshot{}, err
	}
	txns, err := e.ledger.Transactions(ctx, userID, limit)
	if err != nil {
		return tui.Snapshot{}, err
	}
	return tui.Snapshot{User: user, Summary: summary, Transactions: txns, At: time.Now()}, nil
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire stale credit packages once and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openOffline(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			n, err := env.ledger.ExpireStalePackages(cmd.Context())
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "expired %d package(s)\n", n)
			return nil
		},
	}
}

func newCreditsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credits",
		Short: "Inspect a user's credit ledger",
	}
	cmd.AddCommand(newCreditsShowCmd())
	cmd.AddCommand(newCreditsWatchCmd())
	return cmd
}

func newCreditsShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <user-id>",
		Short: "Print a user's balance, active packages and recent transactions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			asJSON, _ := cmd.Flags().GetBool("json")

			env, err := openOffline(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			snap, err := env.snapshot(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{
					"user":         snap.User,
					"credits":      snap.Summary,
					"transactions": snap.Transactions,
				})
			}
			_, _ = fmt.Fprint(cmd.OutOrStdout(), tui.RenderSnapshot(snap))
			return nil
		},
	}
	cmd.Flags().Int("limit", 10, "number of recent transactions to show")
	cmd.Flags().Bool("json", false, "print JSON instead of a rendered report")
	return cmd
}

func newCreditsWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <user-id>",
		Short: "Live view of a user's packages and transactions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			interval, _ := cmd.Flags().GetDuration("interval")
			limit, _ := cmd.Flags().GetInt("limit")

			env, err := openOffline(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			userID := args[0]
			// Fail fast on an unknown user instead of opening an empty screen.
			if _, err := env.snapshot(cmd.Context(), userID, limit); err != nil {
				return err
			}
			return tui.Watch(cmd.Context(), func(ctx context.Context) (tui.Snapshot, error) {
				return env.snapshot(ctx, userID, limit)
			}, interval)
		},
	}
	cmd.Flags().Duration("interval", 2*time.Second, "refresh interval")
	cmd.Flags().Int("limit", 20, "number of recent transactions to show")
	return cmd
}
