package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rcourtman/prolicense/internal/config"
	"github.com/rcourtman/prolicense/pkg/entitlement"
	"github.com/spf13/cobra"
)

// clientVerifier picks how activations are checked: the license server when
// LICENSE_API_BASE is set, otherwise the configured public key offline. A nil
// verifier means activation is not configured.
func clientVerifier(cfg *config.Config, offline bool) (entitlement.Verifier, error) {
	if cfg.APIBase != "" && !offline {
		remote, err := entitlement.NewRemoteVerifier(cfg.APIBase, cfg.ClientTimeout)
		if err != nil {
			return nil, err
		}
		return remote, nil
	}
	if pub, ok := cfg.KeyMaterial().PublicKeyPEM(); ok {
		return entitlement.NewLocalVerifier(pub, now), nil
	}
	return nil, nil
}

func openCache(cfg *config.Config, verifier entitlement.Verifier) (*entitlement.Cache, *entitlement.FileStore, error) {
	dir := cfg.StateDir
	if dir == "" {
		var err error
		if dir, err = entitlement.DefaultStateDir(); err != nil {
			return nil, nil, err
		}
	}
	store, err := entitlement.NewFileStore(dir)
	if err != nil {
		return nil, nil, err
	}
	return entitlement.NewCache(store, verifier, entitlement.WithCacheClock(now)), store, nil
}

func newActivateCmd() *cobra.Command {
	var offline bool
	cmd := &cobra.Command{
		Use:   "activate <license-key>",
		Short: "Verify a license key and store the entitlement locally",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig("prolicense-client")
			if err != nil {
				return err
			}
			verifier, err := clientVerifier(cfg, offline)
			if err != nil {
				return err
			}
			cache, _, err := openCache(cfg, verifier)
			if err != nil {
				return err
			}
			cache.Load(commandContext(cmd))

			status, err := cache.Activate(commandContext(cmd), args[0])
			if err != nil {
				return describeFailure(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Activated %s plan=%s expires=%s\n",
				entitlement.MaskLicenseKey(status.LicenseKey), status.Plan, entitlement.FormatExpiry(status.ExpiresAt))
			return nil
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "verify with the configured public key instead of the server")
	return cmd
}

type statusView struct {
	LicenseKey string   `json:"licenseKey,omitempty"`
	Plan       string   `json:"plan,omitempty"`
	ExpiresAt  *int64   `json:"expiresAt"`
	Expires    string   `json:"expires,omitempty"`
	Active     bool     `json:"active"`
	Source     string   `json:"source,omitempty"`
	Features   []string `json:"features"`
}

func newStatusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the locally stored entitlement",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig("prolicense-client")
			if err != nil {
				return err
			}
			cache, _, err := openCache(cfg, nil)
			if err != nil {
				return err
			}
			status := cache.Load(commandContext(cmd))

			view := statusView{
				LicenseKey: entitlement.MaskLicenseKey(status.LicenseKey),
				Plan:       status.Plan,
				ExpiresAt:  status.ExpiresAt,
				Expires:    entitlement.FormatExpiry(status.ExpiresAt),
				Active:     cache.Active(),
				Source:     string(status.Source),
				Features:   []string{},
			}
			if view.Active {
				for _, f := range entitlement.FeaturesForPlan(status.Plan) {
					view.Features = append(view.Features, string(f))
				}
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(view)
			}
			if status.IsEmpty() {
				fmt.Fprintln(out, "No license activated")
				return nil
			}
			state := "expired"
			if view.Active {
				state = "active"
			}
			fmt.Fprintf(out, "License: %s\n", view.LicenseKey)
			fmt.Fprintf(out, "Plan:    %s\n", view.Plan)
			fmt.Fprintf(out, "Expires: %s\n", view.Expires)
			fmt.Fprintf(out, "Status:  %s\n", state)
			if view.Source != "" {
				fmt.Fprintf(out, "Source:  %s\n", view.Source)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the status as JSON")
	return cmd
}

func newClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove the locally stored entitlement",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig("prolicense-client")
			if err != nil {
				return err
			}
			cache, _, err := openCache(cfg, nil)
			if err != nil {
				return err
			}
			if err := cache.Clear(commandContext(cmd)); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "License cleared")
			return nil
		},
	}
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print entitlement changes made by other processes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig("prolicense-client")
			if err != nil {
				return err
			}
			cache, store, err := openCache(cfg, nil)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			status := cache.Load(ctx)
			fmt.Fprintf(out, "Watching %s\n", store.Path())
			printChange(cmd, status, cache.Active())

			unregister := cache.OnChange(func(s entitlement.ProStatus) {
				printChange(cmd, s, cache.Active())
			})
			defer unregister()
			if err := cache.Start(); err != nil {
				return err
			}
			defer cache.Close()

			<-ctx.Done()
			return nil
		},
	}
}

func printChange(cmd *cobra.Command, status entitlement.ProStatus, active bool) {
	out := cmd.OutOrStdout()
	if status.IsEmpty() {
		fmt.Fprintln(out, "license: none")
		return
	}
	fmt.Fprintf(out, "license: %s plan=%s expires=%s active=%t\n",
		entitlement.MaskLicenseKey(status.LicenseKey), status.Plan, entitlement.FormatExpiry(status.ExpiresAt), active)
}
