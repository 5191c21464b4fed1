package cmd

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/terraconstructs/gatekeeper/internal/auth"
)

var jwksCmd = &cobra.Command{
	Use:   "jwks",
	Short: "Identity provider key set commands",
}

var jwksFetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Fetch the identity provider's signing keys and list their key ids",
	RunE: func(cmd *cobra.Command, args []string) error {
		keys := auth.NewKeyCache(cfg.OIDC.Issuer, cfg.OIDC.JWKSURL,
			auth.WithRefreshPolicy(cfg.OIDC.KeyFreshness, cfg.OIDC.MinRefreshInterval, cfg.OIDC.FetchTimeout),
			auth.WithLogger(logger),
		)

		ctx, cancel := context.WithTimeout(context.Background(), 3*cfg.OIDC.FetchTimeout)
		defer cancel()
		if err := keys.Refresh(ctx); err != nil {
			return fmt.Errorf("fetch jwks: %w", err)
		}

		ids := keys.KeyIDs()
		sort.Strings(ids)
		out := cmd.OutOrStdout()
		for _, kid := range ids {
			key, err := keys.GetKey(ctx, kid)
			if err != nil {
				continue
			}
			alg := key.Algorithm
			if alg == "" {
				alg = "-"
			}
			fmt.Fprintf(out, "%s\t%s\n", kid, alg)
		}
		return nil
	},
}

func init() {
	jwksCmd.AddCommand(jwksFetchCmd)
	rootCmd.AddCommand(jwksCmd)
}
