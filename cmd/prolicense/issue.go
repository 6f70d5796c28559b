package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rcourtman/prolicense/internal/metrics"
	"github.com/rcourtman/prolicense/pkg/entitlement"
	"github.com/rcourtman/prolicense/pkg/licensing"
	"github.com/spf13/cobra"
)

// now is swapped in tests.
var now = time.Now

type issuedToken struct {
	LicenseKey string `json:"licenseKey"`
	OrderID    string `json:"orderId"`
	Plan       string `json:"plan"`
	ExpiresAt  int64  `json:"expiresAt"`
}

func newIssueCmd() *cobra.Command {
	var (
		selector string
		orderID  string
		days     int
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Sign a Pro license token",
		Long: `Sign a Pro entitlement with LICENSE_PRIVATE_KEY. The duration comes from the
plan selector (monthly: 30 days, yearly: 365 days) unless --days is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if days < 0 {
				return fmt.Errorf("--days must be positive, got %d", days)
			}
			cfg, err := loadConfig("prolicense")
			if err != nil {
				return err
			}

			issuedAt := now()
			if orderID == "" {
				orderID = licensing.NewOrderID(issuedAt)
			}
			duration := days
			if duration == 0 {
				duration = licensing.PlanForSelector(selector).DurationDays
			}

			issuer := licensing.NewIssuer(cfg.KeyMaterial(), licensing.WithIssuerClock(func() time.Time { return issuedAt }))
			token, err := issuer.Issue(licensing.DefaultPlan, orderID, duration)
			if err != nil {
				if errors.Is(err, licensing.ErrNotConfigured) {
					return errors.New("LICENSE_PRIVATE_KEY is not set; run `prolicense keygen` first")
				}
				return err
			}
			metrics.RecordTokenIssued(licensing.DefaultPlan)

			out := cmd.OutOrStdout()
			if !asJSON {
				fmt.Fprintln(out, token)
				return nil
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(issuedToken{
				LicenseKey: token,
				OrderID:    orderID,
				Plan:       licensing.DefaultPlan,
				ExpiresAt:  issuedAt.UnixMilli() + int64(duration)*int64(24*time.Hour/time.Millisecond),
			})
		},
	}
	cmd.Flags().StringVar(&selector, "plan", licensing.PlanSelectorMonthly, "plan selector: monthly or yearly")
	cmd.Flags().StringVar(&orderID, "order", "", "order id to embed (default: generated)")
	cmd.Flags().IntVar(&days, "days", 0, "override the plan duration in days")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the token with its facts as JSON")
	return cmd
}

func newVerifyCmd() *cobra.Command {
	var remote bool
	cmd := &cobra.Command{
		Use:   "verify <license-key>",
		Short: "Check a license key against the configured keys",
		Long: `Verify a license key the way the server does: legacy keys from LICENSE_KEYS first,
then the signed token against the configured public key. --remote asks the server
at LICENSE_API_BASE instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig("prolicense")
			if err != nil {
				return err
			}

			var status entitlement.ProStatus
			if remote {
				verifier, err := entitlement.NewRemoteVerifier(cfg.APIBase, cfg.ClientTimeout)
				if err != nil {
					return err
				}
				status, err = verifier.Verify(commandContext(cmd), args[0])
				if err != nil {
					return describeFailure(err)
				}
			} else {
				verifier := licensing.NewVerifier(cfg.KeyMaterial(),
					licensing.WithLegacySource(cfg.LegacySource()),
					licensing.WithClock(now),
				)
				payload, err := verifier.Verify(args[0])
				if err != nil {
					return describeFailure(err)
				}
				expiresAt := payload.ExpiresAt
				status = entitlement.ProStatus{
					LicenseKey: payload.LicenseKey,
					ExpiresAt:  &expiresAt,
					Plan:       payload.Plan,
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "valid plan=%s expires=%s (%d days left)\n",
				status.Plan, entitlement.FormatExpiry(status.ExpiresAt), daysLeft(status))
			return nil
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "verify against the server at LICENSE_API_BASE")
	return cmd
}

// describeFailure turns a license error into a user-facing message.
func describeFailure(err error) error {
	lerr := licensing.AsLicenseError(err)
	switch lerr.Code {
	case licensing.CodeExpired:
		expiresAt := lerr.ExpiresAt
		return fmt.Errorf("license expired on %s", entitlement.FormatExpiry(&expiresAt))
	case licensing.CodeMissing:
		return errors.New("license key is empty")
	case licensing.CodeInvalid:
		return errors.New("license key is not valid")
	case licensing.CodeNotConfigured:
		return fmt.Errorf("license verification is not configured: %w", lerr)
	case licensing.CodeNetwork:
		return fmt.Errorf("license server unreachable: %w", lerr)
	default:
		return fmt.Errorf("license could not be verified: %w", lerr)
	}
}

func daysLeft(status entitlement.ProStatus) int {
	if status.ExpiresAt == nil {
		return 0
	}
	p := licensing.EntitlementPayload{ExpiresAt: *status.ExpiresAt}
	return p.DaysRemaining(now())
}
