package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mmynk/payflow/internal/models"
)

func verifyCmd() *cobra.Command {
	var userID, kyc, kyb string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Set a user's KYC/KYB verification status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status := models.VerificationStatus{}
			var err error
			if status.KYC, err = parseVerificationState(kyc); err != nil {
				return fmt.Errorf("--kyc: %w", err)
			}
			if status.KYB, err = parseVerificationState(kyb); err != nil {
				return fmt.Errorf("--kyb: %w", err)
			}
			return verify(cmd.Context(), cmd, userID, status)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&kyc, "kyc", string(models.VerificationUnverified), "KYC status (unverified, pending, verified, rejected)")
	cmd.Flags().StringVar(&kyb, "kyb", string(models.VerificationUnverified), "KYB status (unverified, pending, verified, rejected)")
	cmd.MarkFlagRequired("user")
	return cmd
}

func verify(ctx context.Context, cmd *cobra.Command, userID string, status models.VerificationStatus) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))

	if err := a.store.SetUserVerificationStatus(ctx, userID, status); err != nil {
		return fmt.Errorf("set verification status: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "user %s: kyc=%s kyb=%s\n", userID, status.KYC, status.KYB)
	return nil
}

func parseVerificationState(s string) (models.VerificationState, error) {
	switch v := models.VerificationState(strings.ToLower(strings.TrimSpace(s))); v {
	case models.VerificationUnverified, models.VerificationPending, models.VerificationVerified, models.VerificationRejected:
		return v, nil
	default:
		return "", fmt.Errorf("unknown verification status %q", s)
	}
}
