package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/frahmantamala/mobile-money/internal/auth"
	authpostgres "github.com/frahmantamala/mobile-money/internal/auth/postgres"
)

var (
	seedPassword   string
	deactivateSeed string
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed operator accounts",
	Long:  `Create or update the default operator accounts used to call the privileged endpoints.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		app, err := newApplication(cfg)
		if err != nil {
			return err
		}
		defer app.Close(context.Background())

		ctx := cmd.Context()
		repo := authpostgres.NewRepository(app.Gorm)

		if deactivateSeed != "" {
			ok, err := repo.SetActive(ctx, deactivateSeed, false)
			if err != nil {
				return fmt.Errorf("failed to deactivate %s: %w", deactivateSeed, err)
			}
			if !ok {
				return fmt.Errorf("no operator with email %s", deactivateSeed)
			}
			fmt.Println("Deactivated operator:", deactivateSeed)
			return nil
		}

		password := seedPassword
		if password == "" {
			password = os.Getenv("SEED_OPERATOR_PASSWORD")
		}
		if password == "" {
			return fmt.Errorf("set --password or SEED_OPERATOR_PASSWORD")
		}

		service := auth.NewService(repo, nil).WithBCryptCost(cfg.Security.BCryptCost)

		operators := []struct {
			Email       string
			Name        string
			Permissions []string
		}{
			{"admin@mobile-money.local", "Administrator", []string{auth.PermissionAdmin}},
			{"cashier@mobile-money.local", "Cashier", []string{auth.PermissionInitiatePayments, auth.PermissionViewPayments}},
			{"finance@mobile-money.local", "Finance", []string{auth.PermissionViewPayments, auth.PermissionRefundPayments, auth.PermissionViewAnalytics}},
		}

		for _, o := range operators {
			if _, err := service.CreateOperator(ctx, o.Email, o.Name, password, o.Permissions); err != nil {
				return fmt.Errorf("failed to seed operator %s: %w", o.Email, err)
			}
			fmt.Printf("Seeded operator %s with %v\n", o.Email, o.Permissions)
		}

		return nil
	},
}

func init() {
	seedCmd.Flags().StringVar(&seedPassword, "password", "", "password for the seeded operators")
	seedCmd.Flags().StringVar(&deactivateSeed, "deactivate", "", "deactivate the operator with this email instead of seeding")
}
