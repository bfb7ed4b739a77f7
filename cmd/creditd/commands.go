package main

import (
	"context"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/promptledger/internal/auth"
	"github.com/MarkoPoloResearchLab/promptledger/internal/billing"
	"github.com/MarkoPoloResearchLab/promptledger/pkg/ledger"
	"github.com/spf13/cobra"
)

const defaultTokenTTL = 24 * time.Hour

// withApplication opens the database, prepares the schema and runs fn.
func withApplication(cmd *cobra.Command, state *runtime, fn func(ctx context.Context, app *application) error) error {
	ctx := cmd.Context()
	app, err := newApplication(ctx, state.cfg, state.logger)
	if err != nil {
		return err
	}
	defer app.Close()
	if err := app.db.prepareSchema(ctx); err != nil {
		return err
	}
	return fn(ctx, app)
}

func newMigrateCommand(state *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd, state, func(ctx context.Context, app *application) error {
				fmt.Fprintf(cmd.OutOrStdout(), "schema ready (%s, %s store)\n", app.db.driver, app.cfg.LedgerStore)
				return nil
			})
		},
	}
}

func newSweepCommand(state *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire every bucket past its expiry once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd, state, func(ctx context.Context, app *application) error {
				result, err := app.ledger.Sweep(ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "expired=%d voided=%d failed=%d\n", result.Expired, result.Voided.Int64(), result.Failed)
				return err
			})
		},
	}
}

func newProcessReferralsCommand(state *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "process-referrals",
		Short: "Reward every pending referral whose invitee has spent enough",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd, state, func(ctx context.Context, app *application) error {
				rewarded, err := app.processor.ProcessQualifyingReferrals(ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "rewarded=%d\n", rewarded)
				return err
			})
		},
	}
}

func newAutomationBonusCommand(state *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "automation-bonus",
		Short: "Grant this month's tier bonus to every active user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd, state, func(ctx context.Context, app *application) error {
				result, err := app.bonuses.Run(ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "evaluated=%d granted=%d skipped=%d failed=%d\n",
					result.Evaluated, result.Granted, result.Skipped, result.Failed)
				return err
			})
		},
	}
}

func newGrantCommand(state *runtime) *cobra.Command {
	var (
		userID      string
		amount      int64
		bucketType  string
		externalRef string
		expiryDays  int
		description string
	)
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Grant credits to a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := ledger.NewUserID(userID)
			if err != nil {
				return err
			}
			credits, err := ledger.NewPositiveCredits(amount)
			if err != nil {
				return err
			}
			parsedType, err := ledger.ParseBucketType(bucketType)
			if err != nil {
				return err
			}
			request := billing.AddCreditsRequest{
				UserID:      user,
				Amount:      credits,
				Type:        parsedType,
				Source:      "cli",
				ExpiryDays:  expiryDays,
				Description: description,
			}
			if externalRef != "" {
				ref, err := ledger.NewExternalRef(externalRef)
				if err != nil {
					return err
				}
				request.ExternalRef = ref
			}
			return withApplication(cmd, state, func(ctx context.Context, app *application) error {
				result, err := app.billing.AddCredits(ctx, request)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "bucket=%s duplicate=%t\n", result.Bucket.BucketID.String(), result.Duplicate)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id (required)")
	cmd.Flags().Int64Var(&amount, "amount", 0, "credits to grant (required)")
	cmd.Flags().StringVar(&bucketType, "type", ledger.BucketBonus.String(), "bucket type: purchased, bonus or referral")
	cmd.Flags().StringVar(&externalRef, "external-ref", "", "idempotency key; empty makes the grant one-off")
	cmd.Flags().IntVar(&expiryDays, "expiry-days", 0, "days until the bucket expires; 0 never expires")
	cmd.Flags().StringVar(&description, "description", "", "transaction description")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func newBalanceCommand(state *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "balance USER_ID",
		Short: "Print a user's live balance per bucket type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := ledger.NewUserID(args[0])
			if err != nil {
				return err
			}
			return withApplication(cmd, state, func(ctx context.Context, app *application) error {
				breakdown, err := app.ledger.Breakdown(ctx, user)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "total=%d purchased=%d bonus=%d referral=%d\n",
					breakdown.Total(), breakdown.Purchased, breakdown.Bonus, breakdown.Referral)
				return nil
			})
		},
	}
}

func newFlowCommand(state *runtime) *cobra.Command {
	var (
		creatorID string
		price     int64
	)
	cmd := &cobra.Command{
		Use:   "flow FLOW_ID",
		Short: "Create or reprice a flow listing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			creator, err := ledger.NewUserID(creatorID)
			if err != nil {
				return err
			}
			flow := billing.Flow{FlowID: args[0], CreatorID: creator, UnlockCredits: ledger.Credits(price)}
			return withApplication(cmd, state, func(ctx context.Context, app *application) error {
				if err := app.flows.UpsertFlow(ctx, flow, app.ledger.Now()); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "flow=%s price=%d\n", flow.FlowID, price)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&creatorID, "creator", "", "creator user id (required)")
	cmd.Flags().Int64Var(&price, "price", 0, "unlock price in credits; 0 makes the flow free")
	_ = cmd.MarkFlagRequired("creator")
	return cmd
}

func newReferCommand(state *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "refer INVITER_ID INVITEE_ID",
		Short: "Record a pending referral",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			inviter, err := ledger.NewUserID(args[0])
			if err != nil {
				return err
			}
			invitee, err := ledger.NewUserID(args[1])
			if err != nil {
				return err
			}
			return withApplication(cmd, state, func(ctx context.Context, app *application) error {
				created, err := app.referrals.CreateReferral(ctx, inviter, invitee, app.ledger.Now())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "referral=%s\n", created.ReferralID)
				return nil
			})
		},
	}
}

func newTokenCommand(state *runtime) *cobra.Command {
	var (
		subject string
		roles   []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed bearer token for a calling service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := state.cfg.ValidateServe(); err != nil {
				return err
			}
			authenticator, err := auth.NewTokenAuthenticator([]byte(state.cfg.JWTSigningKey), state.cfg.JWTIssuer)
			if err != nil {
				return err
			}
			token, err := authenticator.IssueToken(subject, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "calling service name (required)")
	cmd.Flags().StringSliceVar(&roles, "role", []string{auth.RoleService}, "granted roles: service, cron")
	cmd.Flags().DurationVar(&ttl, "ttl", defaultTokenTTL, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
