package main

import (
	"github.com/rcourtman/prolicense/internal/server"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the license verification server",
		Long: `Serve POST /api/license/verify plus the public key, health and metrics endpoints.
Configuration comes from LICENSE_* environment variables and the .env file named
by LICENSE_ENV_FILE, which is watched for changes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return server.Run(commandContext(cmd), Version)
		},
	}
}
