package commands

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/nimbusfed/nimbus/pkg/engine"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and try the authorization policies",
	}

	cmd.AddCommand(newPolicyListCommand())
	cmd.AddCommand(newPolicyShowCommand())
	cmd.AddCommand(newPolicyCheckCommand())

	return cmd
}

func newPolicyListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the built-in and configured policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			policies, err := newPolicyEngine(cfg, nil, log.Logger)
			if err != nil {
				return err
			}

			list := policies.ListPolicies()
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), list)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSEVERITY\tENABLED\tBUILTIN\tDESCRIPTION")
			for _, p := range list {
				fmt.Fprintf(w, "%s\t%s\t%t\t%t\t%s\n", p.Name, p.Severity, p.Enabled, p.Builtin, p.Description)
			}
			return w.Flush()
		},
	}
}

func newPolicyShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Print one policy with its Rego source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			policies, err := newPolicyEngine(cfg, nil, log.Logger)
			if err != nil {
				return err
			}

			p, err := policies.GetPolicy(args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), p)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Name:        %s\n", p.Name)
			fmt.Fprintf(out, "Description: %s\n", p.Description)
			fmt.Fprintf(out, "Severity:    %s\n", p.Severity)
			fmt.Fprintf(out, "Enabled:     %t\n", p.Enabled)
			fmt.Fprintf(out, "Built-in:    %t\n", p.Builtin)
			if len(p.Tags) > 0 {
				fmt.Fprintf(out, "Tags:        %s\n", strings.Join(p.Tags, ", "))
			}
			fmt.Fprintf(out, "\n%s\n", strings.TrimRight(p.Rego, "\n"))
			return nil
		},
	}
}

func newPolicyCheckCommand() *cobra.Command {
	var (
		user    string
		req     engine.AuthorizationRequest
		op      string
		kind    string
		enable  []string
		disable []string
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Evaluate the policies for one request",
		Example: `  # May a user of provider-b create a volume here?
  nimbus policy check --user bob@provider-b --operation create --type volume

  # Would the request pass without the blocked-users policy?
  nimbus policy check --user mallory --disable blocked-users`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			id, idp, found := strings.Cut(user, "@")
			if !found {
				idp = cfg.Provider.ID
			}
			su := engine.SystemUser{ID: id, IdentityProvider: idp}

			req.Operation = engine.Operation(op)
			if err := req.Operation.Validate(); err != nil {
				return err
			}
			req.ResourceType = engine.OrderType(kind)
			if req.Provider == "" {
				req.Provider = cfg.Provider.ID
			}

			policies, err := newPolicyEngine(cfg, nil, log.Logger)
			if err != nil {
				return err
			}
			for _, name := range enable {
				if err := policies.EnablePolicy(name); err != nil {
					return err
				}
			}
			for _, name := range disable {
				if err := policies.DisablePolicy(name); err != nil {
					return err
				}
			}

			if err := policies.Authorize(cmd.Context(), su, req); err != nil {
				if !engine.IsUnauthorized(err) {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✗ denied: %s\n", err)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), "✓ allowed")
			return nil
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "user as id or id@identity-provider")
	cmd.Flags().StringVar(&op, "operation", string(engine.OperationCreate), "create, get, get_all, delete or get_quota")
	cmd.Flags().StringVar(&kind, "type", "", "resource type")
	cmd.Flags().StringVar(&req.Provider, "provider", "", "provider owning the resource (default: this provider)")
	cmd.Flags().StringVar(&req.CloudName, "cloud", "", "cloud at the owning provider")
	cmd.Flags().StringSliceVar(&enable, "enable", nil, "enable these policies for this check")
	cmd.Flags().StringSliceVar(&disable, "disable", nil, "disable these policies for this check")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}
