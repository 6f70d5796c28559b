package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rcourtman/prolicense/pkg/licensing"
	"github.com/spf13/cobra"
)

const (
	privateKeyFile = "license_private.pem"
	publicKeyFile  = "license_public.pem"
)

func newKeygenCmd() *cobra.Command {
	var (
		bits   int
		outDir string
		asEnv  bool
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a new RSA signing keypair",
		Long: `Generate the keypair used to sign and verify license tokens. Without --out the
keys are printed; --env prints them as .env assignments.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			privPEM, pubPEM, err := licensing.GenerateKeyPair(bits)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if outDir != "" {
				if err := os.MkdirAll(outDir, 0o700); err != nil {
					return fmt.Errorf("create key directory: %w", err)
				}
				privPath := filepath.Join(outDir, privateKeyFile)
				if _, err := os.Stat(privPath); err == nil {
					return fmt.Errorf("refusing to overwrite existing %s", privPath)
				}
				if err := os.WriteFile(privPath, []byte(privPEM), 0o600); err != nil {
					return fmt.Errorf("write private key: %w", err)
				}
				pubPath := filepath.Join(outDir, publicKeyFile)
				if err := os.WriteFile(pubPath, []byte(pubPEM), 0o644); err != nil {
					return fmt.Errorf("write public key: %w", err)
				}
				fmt.Fprintf(out, "Wrote %s\nWrote %s\n", privPath, pubPath)
				return nil
			}

			if asEnv {
				fmt.Fprintf(out, "LICENSE_PRIVATE_KEY=%q\n", strings.TrimSpace(privPEM))
				fmt.Fprintf(out, "LICENSE_PUBLIC_KEY=%q\n", strings.TrimSpace(pubPEM))
				return nil
			}
			fmt.Fprint(out, privPEM)
			fmt.Fprint(out, pubPEM)
			return nil
		},
	}
	cmd.Flags().IntVar(&bits, "bits", licensing.DefaultKeyBits, "RSA modulus size")
	cmd.Flags().StringVar(&outDir, "out", "", "directory to write "+privateKeyFile+" and "+publicKeyFile)
	cmd.Flags().BoolVar(&asEnv, "env", false, "print keys as .env assignments")
	return cmd
}

func newPubkeyCmd() *cobra.Command {
	var fingerprint bool
	cmd := &cobra.Command{
		Use:   "pubkey",
		Short: "Print the configured verification public key",
		Long: `Print the public key derived from LICENSE_PRIVATE_KEY (or LICENSE_PUBLIC_KEY when set)
so clients can verify tokens offline.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig("prolicense")
			if err != nil {
				return err
			}
			keys := cfg.KeyMaterial()
			pub, err := keys.PublicKey()
			if err != nil {
				if errors.Is(err, licensing.ErrNoPrivateKey) {
					return errors.New("no key material configured: set LICENSE_PRIVATE_KEY or LICENSE_PUBLIC_KEY")
				}
				return fmt.Errorf("load public key: %w", err)
			}
			out := cmd.OutOrStdout()
			if fingerprint {
				fmt.Fprintln(out, licensing.PublicKeyFingerprint(pub))
				return nil
			}
			pem, err := licensing.EncodePublicKeyPEM(pub)
			if err != nil {
				return err
			}
			fmt.Fprint(out, pem)
			return nil
		},
	}
	cmd.Flags().BoolVar(&fingerprint, "fingerprint", false, "print only the key fingerprint")
	return cmd
}
