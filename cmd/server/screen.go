package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mmynk/payflow/internal/models"
)

func screenCmd() *cobra.Command {
	var address, name, email, userID string
	cmd := &cobra.Command{
		Use:   "screen",
		Short: "Screen an address, name or email against the sanctions list",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				value string
				kind  models.ScreeningType
				set   int
			)
			for _, c := range []struct {
				v string
				k models.ScreeningType
			}{
				{address, models.ScreeningAddress},
				{name, models.ScreeningName},
				{email, models.ScreeningEmail},
			} {
				if c.v != "" {
					value, kind = c.v, c.k
					set++
				}
			}
			if set != 1 {
				return errors.New("exactly one of --address, --name or --email is required")
			}
			return screen(cmd.Context(), cmd, value, kind, userID)
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "wallet address to screen")
	cmd.Flags().StringVar(&name, "name", "", "name to screen")
	cmd.Flags().StringVar(&email, "email", "", "email to screen")
	cmd.Flags().StringVar(&userID, "user", "", "user the screening is performed for")
	return cmd
}

func screen(ctx context.Context, cmd *cobra.Command, value string, kind models.ScreeningType, userID string) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))

	result, err := a.gate.ScreenName(ctx, value, userID, kind)
	if err != nil {
		return fmt.Errorf("screen %s: %w", kind, err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
