package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/terraconstructs/gatekeeper/internal/auth"
	"github.com/terraconstructs/gatekeeper/internal/authz"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect and manage permission policy",
}

var (
	checkSubject string
	checkGroups  []string
)

var policyCheckCmd = &cobra.Command{
	Use:   "check <permission>",
	Short: "Evaluate a permission for a subject against the configured source",
	Long: `Resolves the grants of a subject with the given groups through the configured
permission source and prints whether the permission is allowed and which grants matched.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		permission := args[0]

		source, closeSource, err := openPermissionSource(ctx, cfg.Authz, logger)
		if err != nil {
			return err
		}
		defer closeSource()

		resolver := authz.NewResolver(source, authz.ResolverOptions{
			LookupTimeout: cfg.Authz.LookupTimeout,
			Logger:        logger,
		})
		principal := auth.Principal{Subject: checkSubject, Groups: checkGroups}
		grants, err := resolver.Grants(ctx, principal)
		if err != nil {
			return fmt.Errorf("resolve grants: %w", err)
		}

		out := cmd.OutOrStdout()
		decision := "deny"
		if authz.Decide(grants, permission) {
			decision = "allow"
		}
		fmt.Fprintf(out, "%s %s: %s (source %s)\n", checkSubject, permission, decision, source.Name())

		matched := authz.Matching(grants, permission)
		if len(matched) == 0 {
			fmt.Fprintln(out, "no matching grants")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "GROUP\tPERMISSION\tEFFECT")
		for _, g := range matched {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", g.Group, g.Permission, g.Effect)
		}
		return tw.Flush()
	},
}

var importDefault bool

var policyImportCmd = &cobra.Command{
	Use:   "import [policy.csv]",
	Short: "Replace the stored casbin rules with a CSV policy",
	Long: `Loads a casbin CSV policy (p and g lines) into the casbin_rules table used by
the database permission source. With --default the built-in policy is imported.
Running gatekeepers pick up the change on SIGHUP or when their cache expires.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var content string
		switch {
		case importDefault:
			content = authz.DefaultPolicy()
		case len(args) == 1:
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read policy: %w", err)
			}
			content = string(raw)
		default:
			return fmt.Errorf("a policy file or --default is required")
		}

		ctx := context.Background()
		db, err := openMigrationDB(ctx)
		if err != nil {
			return err
		}
		defer closeDB(db)()

		n, err := authz.NewBunAdapter(db).Import(content)
		if err != nil {
			return fmt.Errorf("import policy: %w", err)
		}
		logger.Info("policy imported", zap.Int("rules", n))
		return nil
	},
}

func init() {
	policyCheckCmd.Flags().StringVar(&checkSubject, "subject", "cli", "Subject to evaluate")
	policyCheckCmd.Flags().StringSliceVar(&checkGroups, "group", nil, "Group asserted for the subject (repeatable)")
	policyImportCmd.Flags().BoolVar(&importDefault, "default", false, "Import the built-in policy")
	policyImportCmd.Flags().StringVar(&dbURL, "database-url", "", "Database URL (postgres:// or sqlite file path)")

	policyCmd.AddCommand(policyCheckCmd, policyImportCmd)
	rootCmd.AddCommand(policyCmd)
}
