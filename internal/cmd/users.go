package cmd

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/amurg-ai/credithub/internal/auth"
	"github.com/amurg-ai/credithub/internal/tui"
	"github.com/amurg-ai/credithub/internal/wizard"
)

func newUsersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage builtin users",
	}
	cmd.AddCommand(newUsersCreateCmd())
	cmd.AddCommand(newUsersListCmd())
	return cmd
}

func newUsersCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <username>",
		Short: "Create a builtin user (prompts for the password)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			role, _ := cmd.Flags().GetString("role")
			fromStdin, _ := cmd.Flags().GetBool("password-stdin")

			env, err := openOffline(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			if env.cfg.Auth.Provider != "builtin" {
				return fmt.Errorf("users are provisioned by the %s identity provider", env.cfg.Auth.Provider)
			}

			var password string
			if fromStdin {
				sc := bufio.NewScanner(cmd.InOrStdin())
				if sc.Scan() {
					password = strings.TrimSpace(sc.Text())
				}
				if len(password) < wizard.MinPasswordLen {
					return fmt.Errorf("password must be at least %d characters", wizard.MinPasswordLen)
				}
			} else {
				p := &wizard.Prompter{In: cmd.InOrStdin(), Out: cmd.OutOrStdout()}
				if password, err = p.AskNewPassword("Password"); err != nil {
					return err
				}
			}

			user, err := auth.NewService(env.store, env.cfg.Auth).Register(cmd.Context(), args[0], password, role)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "created %s user %s (%s)\n", user.Role, user.Username, user.ID)
			return nil
		},
	}
	cmd.Flags().String("role", auth.RoleUser, "role of the new user (user or admin)")
	cmd.Flags().Bool("password-stdin", false, "read the password from stdin without prompting")
	return cmd
}

func newUsersListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List users with their current balance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openOffline(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			users, err := env.store.ListUsers(cmd.Context())
			if err != nil {
				return err
			}
			if _, err := env.ledger.ExpireStalePackages(cmd.Context()); err != nil {
				return err
			}

			t := table.New().
				Border(lipgloss.RoundedBorder()).
				BorderStyle(lipgloss.NewStyle().Foreground(tui.ColorMuted)).
				Headers("ID", "USERNAME", "ROLE", "CREDITS", "CREATED")
			for _, u := range users {
				balance, err := env.ledger.TotalBalance(cmd.Context(), u.ID)
				if err != nil {
					return err
				}
				t.Row(u.ID, u.Username, u.Role, fmt.Sprint(balance), u.CreatedAt.Format("2006-01-02"))
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), t.Render())
			return nil
		},
	}
}
