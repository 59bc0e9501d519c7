package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/s0up4200/qbitgate/auth"
	"github.com/s0up4200/qbitgate/store"
)

const resetPasswordLength = 20

// resetPasswordCmd generates a new password for an existing dashboard user
var resetPasswordCmd = &cobra.Command{
	Use:   "reset-password <username>",
	Short: "Generate a new password for a dashboard user",
	Long: `Replace the password of an existing dashboard user with a generated one and
sign out all of the user's sessions. The new password is printed once.`,
	Args:    cobra.ExactArgs(1),
	PreRunE: initializeApp,
	RunE:    runResetPassword,
}

func init() {
	rootCmd.AddCommand(resetPasswordCmd)
}

func runResetPassword(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	username := args[0]

	st, err := store.Open(ctx, cfg.Database.Path, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	user, err := st.GetUserByUsername(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("user %q does not exist", username)
	}
	if err != nil {
		return err
	}

	password, err := auth.GeneratePassword(resetPasswordLength)
	if err != nil {
		return fmt.Errorf("failed to generate password: %w", err)
	}

	hash, err := auth.HashPassword(password, auth.DefaultParams())
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	if err := st.SetPasswordHash(ctx, user.ID, hash); err != nil {
		return fmt.Errorf("failed to store password: %w", err)
	}

	revoked, err := st.DeleteUserSessions(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("failed to revoke sessions: %w", err)
	}

	logger.Info().Str("username", username).Int64("sessions_revoked", revoked).Msg("Password reset")
	fmt.Fprintf(os.Stderr, "New password for %q: %s\n", username, password)
	return nil
}
