package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/antigravity/keygate/internal/config"
	"github.com/antigravity/keygate/internal/entitlement"
	"github.com/antigravity/keygate/internal/gift"
	"github.com/antigravity/keygate/internal/keys"
	"github.com/antigravity/keygate/internal/logger"
	"github.com/antigravity/keygate/internal/models"
	"github.com/antigravity/keygate/internal/storage"
)

// cliServices are the key and gift services wired against the configured store, for one-shot
// admin commands run next to (or instead of) a server.
type cliServices struct {
	keys  *keys.Service
	gifts *gift.Service
}

func withServices(cmd *cobra.Command, fn func(ctx context.Context, svc *cliServices) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.NewConsole(cfg.Logging.Level)
	defer log.Sync()

	tiers, err := entitlement.FromConfig(cfg.Tiers)
	if err != nil {
		return fmt.Errorf("invalid tiers: %w", err)
	}
	ctx := cmd.Context()
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	a := &app{closers: []func() error{store.Close}}
	defer a.close(log)

	notifier, err := a.buildNotifier(cfg, store, log)
	if err != nil {
		return err
	}
	return fn(ctx, &cliServices{
		keys:  keys.NewService(store, tiers, nil, notifier, log),
		gifts: gift.NewService(store, tiers, nil, notifier, log),
	})
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage API keys",
}

var keysIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a new API key",
	RunE: func(cmd *cobra.Command, args []string) error {
		principal, _ := cmd.Flags().GetString("principal")
		plan, _ := cmd.Flags().GetString("plan")
		note, _ := cmd.Flags().GetString("note")

		req := keys.IssueRequest{Principal: principal, Plan: models.ParsePlan(plan), Note: note}
		if cmd.Flags().Changed("days") {
			days, _ := cmd.Flags().GetInt("days")
			req.ExpiryDays = &days
		}
		return withServices(cmd, func(ctx context.Context, svc *cliServices) error {
			key, err := svc.keys.Issue(ctx, req)
			if err != nil {
				return err
			}
			fmt.Println(key.Token)
			fmt.Fprintf(os.Stderr, "plan=%s principal=%s expires=%s\n", key.Plan, key.Principal, formatExpiry(key.ExpiresAt))
			return nil
		})
	},
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List API keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		principal, _ := cmd.Flags().GetString("principal")
		plan, _ := cmd.Flags().GetString("plan")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := storage.KeyFilter{Principal: principal, Plan: models.ParsePlan(plan), Limit: limit}
		return withServices(cmd, func(ctx context.Context, svc *cliServices) error {
			list, err := svc.keys.List(ctx, filter)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TOKEN\tPRINCIPAL\tPLAN\tACTIVE\tUSAGE\tEXPIRES")
			for _, k := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%d\t%s\n",
					k.Token, k.Principal, k.Plan, k.Active, k.Usage, formatExpiry(k.ExpiresAt))
			}
			return w.Flush()
		})
	},
}

var keysExtendCmd = &cobra.Command{
	Use:   "extend <token>",
	Short: "Extend a key's expiry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")
		reactivate, _ := cmd.Flags().GetBool("reactivate")
		return withServices(cmd, func(ctx context.Context, svc *cliServices) error {
			key, err := svc.keys.Extend(ctx, args[0], days, reactivate)
			if err != nil {
				return err
			}
			fmt.Printf("%s active=%t expires=%s\n", models.MaskToken(key.Token), key.Active, formatExpiry(key.ExpiresAt))
			return nil
		})
	},
}

var keysDeactivateCmd = &cobra.Command{
	Use:   "deactivate <token>",
	Short: "Deactivate a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServices(cmd, func(ctx context.Context, svc *cliServices) error {
			key, err := svc.keys.SetActive(ctx, args[0], false)
			if err != nil {
				return err
			}
			fmt.Printf("%s deactivated\n", models.MaskToken(key.Token))
			return nil
		})
	},
}

var giftCmd = &cobra.Command{
	Use:   "gift",
	Short: "Manage gift codes",
}

var giftCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a gift code",
	RunE: func(cmd *cobra.Command, args []string) error {
		code, _ := cmd.Flags().GetString("code")
		plan, _ := cmd.Flags().GetString("plan")
		maxUses, _ := cmd.Flags().GetInt("max-uses")
		validDays, _ := cmd.Flags().GetInt("valid-days")
		note, _ := cmd.Flags().GetString("note")

		req := gift.CreateRequest{
			Code:      code,
			Plan:      models.ParsePlan(plan),
			MaxUses:   maxUses,
			ValidDays: validDays,
			Note:      note,
			CreatedBy: "cli",
		}
		if cmd.Flags().Changed("key-days") {
			days, _ := cmd.Flags().GetInt("key-days")
			req.KeyExpiryDays = &days
		}
		return withServices(cmd, func(ctx context.Context, svc *cliServices) error {
			gc, err := svc.gifts.Create(ctx, req)
			if err != nil {
				return err
			}
			fmt.Println(gc.Code)
			fmt.Fprintf(os.Stderr, "plan=%s max_uses=%d expires=%s\n", gc.Plan, gc.MaxUses, formatExpiry(gc.ExpiresAt))
			return nil
		})
	},
}

var giftListCmd = &cobra.Command{
	Use:   "list",
	Short: "List gift codes",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServices(cmd, func(ctx context.Context, svc *cliServices) error {
			codes, err := svc.gifts.List(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CODE\tPLAN\tACTIVE\tUSED\tMAX\tEXPIRES")
			for _, gc := range codes {
				fmt.Fprintf(w, "%s\t%s\t%t\t%d\t%d\t%s\n",
					gc.Code, gc.Plan, gc.Active, gc.Redemptions, gc.MaxUses, formatExpiry(gc.ExpiresAt))
			}
			return w.Flush()
		})
	},
}

func formatExpiry(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format(time.DateTime)
}

func init() {
	keysIssueCmd.Flags().String("principal", "", "owner of the key (required)")
	keysIssueCmd.Flags().String("plan", string(models.PlanFree), "plan name")
	keysIssueCmd.Flags().Int("days", 0, "expiry in days, 0 for a permanent key (default: plan default)")
	keysIssueCmd.Flags().String("note", "", "free-form note")
	keysIssueCmd.MarkFlagRequired("principal")

	keysListCmd.Flags().String("principal", "", "only keys of this principal")
	keysListCmd.Flags().String("plan", "", "only keys on this plan")
	keysListCmd.Flags().Int("limit", 0, "maximum number of keys")

	keysExtendCmd.Flags().Int("days", 30, "days to add")
	keysExtendCmd.Flags().Bool("reactivate", false, "also reactivate a manually deactivated key")

	keysCmd.AddCommand(keysIssueCmd, keysListCmd, keysExtendCmd, keysDeactivateCmd)

	giftCreateCmd.Flags().String("code", "", "custom code (default: generated)")
	giftCreateCmd.Flags().String("plan", string(models.PlanBasic), "plan granted by the code")
	giftCreateCmd.Flags().Int("max-uses", 1, "number of redemptions")
	giftCreateCmd.Flags().Int("valid-days", 0, "days the code can be redeemed, 0 for no limit")
	giftCreateCmd.Flags().Int("key-days", 0, "expiry of minted keys in days (default: plan default)")
	giftCreateCmd.Flags().String("note", "", "free-form note")

	giftCmd.AddCommand(giftCreateCmd, giftListCmd)

	rootCmd.AddCommand(keysCmd, giftCmd)
}
