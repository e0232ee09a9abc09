//cmd/seeder/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/unclebandit/campaign-dispatch/internal/config"
	"github.com/unclebandit/campaign-dispatch/internal/db"
	"github.com/unclebandit/campaign-dispatch/internal/logging"
	"github.com/unclebandit/campaign-dispatch/internal/model"
	"github.com/unclebandit/campaign-dispatch/internal/repository"
)

type seedOptions struct {
	userID     string
	name       string
	template   string
	recipients int
	scheduleIn time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := seedOptions{}
	cmd := &cobra.Command{
		Use:   "seeder",
		Short: "Seed a draft campaign with generated recipients",
		Long: `Creates one draft campaign and the requested number of customers attached
to it, so the dispatch pipeline can be exercised against a local database.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.recipients <= 0 {
				return fmt.Errorf("--recipients must be positive")
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return seed(cmd.Context(), cfg, opts)
		},
	}

	cmd.Flags().StringVar(&opts.userID, "user", "demo-user", "owning user id")
	cmd.Flags().StringVar(&opts.name, "name", "Demo campaign", "campaign name")
	cmd.Flags().StringVar(&opts.template, "template", "Hi {{firstName}}, {{preferredProduct}} is 20% off in {{location}} this week.", "message template")
	cmd.Flags().IntVar(&opts.recipients, "recipients", 120, "number of generated recipients")
	cmd.Flags().DurationVar(&opts.scheduleIn, "schedule-in", 0, "delay before the campaign becomes due once sent")
	return cmd
}

func seed(ctx context.Context, cfg config.Config, opts seedOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	log := logging.New(cfg.Log)

	sqlDB, err := db.Open(ctx, cfg.DB, log)
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	campaigns := repository.NewCampaignRepository(sqlDB)
	customers := repository.NewCustomerRepository(sqlDB)

	c := demoCampaign(opts, time.Now())
	if err := campaigns.Create(ctx, c); err != nil {
		return err
	}

	ids := make([]int, 0, opts.recipients)
	for _, cust := range demoCustomers(opts.recipients) {
		if err := customers.Create(ctx, &cust); err != nil {
			return err
		}
		ids = append(ids, cust.ID)
	}
	if err := customers.AttachToCampaign(ctx, c.ID, ids); err != nil {
		return err
	}

	log.Info().Int("campaign_id", c.ID).Int("recipients", len(ids)).Msg("database seeding completed")
	return nil
}

func demoCampaign(opts seedOptions, now time.Time) *model.Campaign {
	c := &model.Campaign{
		UserID:         opts.userID,
		Name:           opts.name,
		Channel:        "sms",
		Status:         model.CampaignStatusDraft,
		BaseTemplate:   opts.template,
		RecipientCount: opts.recipients,
	}
	if opts.scheduleIn > 0 {
		at := now.Add(opts.scheduleIn)
		c.ScheduledAt = &at
	}
	return c
}

var (
	demoFirstNames = []string{"Alice", "Brian", "Chebet", "David", "Esther", ""}
	demoLocations  = []string{"Nairobi", "Mombasa", "Kisumu", "Nakuru"}
	demoProducts   = []string{"Shoes", "Bags", "Watches"}
)

// demoCustomers generates n customers with unique ten digit phone numbers.
// Every sixth customer has no first name to exercise the template fallback.
func demoCustomers(n int) []model.Customer {
	out := make([]model.Customer, n)
	for i := range out {
		first := demoFirstNames[i%len(demoFirstNames)]
		email := ""
		if first != "" {
			email = fmt.Sprintf("customer%d@example.com", i+1)
		}
		out[i] = model.Customer{
			Phone:            fmt.Sprintf("555%07d", i+1),
			FirstName:        first,
			LastName:         fmt.Sprintf("Customer%d", i+1),
			Email:            email,
			Location:         demoLocations[i%len(demoLocations)],
			PreferredProduct: demoProducts[i%len(demoProducts)],
		}
	}
	return out
}
