package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nimbusfed/nimbus/pkg/engine"
	"github.com/nimbusfed/nimbus/pkg/stores"
)

func newOrdersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orders",
		Short: "Inspect stored orders",
		Long: `Read orders, their state history and the audit trail straight from the store.

These commands do not need a running provider and never modify the store.`,
	}

	cmd.AddCommand(newOrdersListCommand())
	cmd.AddCommand(newOrdersHistoryCommand())
	cmd.AddCommand(newOrdersAuditCommand())

	return cmd
}

func newOrdersListCommand() *cobra.Command {
	var (
		state    string
		kind     string
		user     string
		provider string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List orders",
		Example: `  # Orders waiting for their resource
  nimbus orders list --state spawning

  # Volumes of one user
  nimbus orders list --type volume --user alice --identity-provider provider-a`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := stores.OrderFilter{
				State: engine.OrderState(state),
				Type:  engine.OrderType(kind),
				Limit: limit,
			}
			if filter.State != "" {
				if err := filter.State.Validate(); err != nil {
					return err
				}
			}
			if filter.Type != "" {
				if err := filter.Type.Validate(); err != nil {
					return err
				}
			}
			if user != "" {
				filter.Requester = &engine.SystemUser{ID: user, IdentityProvider: provider}
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if filter.Requester != nil && filter.Requester.IdentityProvider == "" {
				filter.Requester.IdentityProvider = cfg.Provider.ID
			}
			store, err := openStore(cmd.Context(), cfg.Store)
			if err != nil {
				return err
			}
			defer store.Close()

			orders, err := store.ListOrders(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), orders)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tSTATE\tREQUESTER\tPROVIDER\tCLOUD\tUPDATED")
			for _, o := range orders {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s@%s\t%s\t%s\t%s\n",
					o.ID, o.Type, o.State, o.Requester.ID, o.Requester.IdentityProvider,
					o.Provider, o.CloudName, o.UpdatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "only orders in this state")
	cmd.Flags().StringVar(&kind, "type", "", "only orders of this resource type")
	cmd.Flags().StringVar(&user, "user", "", "only orders of this user")
	cmd.Flags().StringVar(&provider, "identity-provider", "", "identity provider of --user (default: this provider)")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of orders")

	return cmd
}

func newOrdersHistoryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "history <order-id>",
		Short: "Show the state history of an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg.Store)
			if err != nil {
				return err
			}
			defer store.Close()

			if _, err := store.GetOrder(cmd.Context(), args[0]); err != nil {
				return err
			}
			changes, err := store.ListStateChanges(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), changes)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIMESTAMP\tSTATE")
			for _, c := range changes {
				fmt.Fprintf(w, "%s\t%s\n", c.Timestamp.Format(time.RFC3339Nano), c.State)
			}
			return w.Flush()
		},
	}
}

func newOrdersAuditCommand() *cobra.Command {
	var filter stores.AuditFilter

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the audit trail of cloud requests",
		Example: `  # Every request made for one order
  nimbus orders audit --order 3f1c0e6a-...

  # Recent deletions
  nimbus orders audit --operation delete --limit 20`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg.Store)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.ListAuditRecords(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), records)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIMESTAMP\tOPERATION\tTYPE\tUSER\tFROM\tORDER\tCLOUD\tOUTCOME")
			for _, r := range records {
				from := r.RequestingProvider
				if from == "" {
					from = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					r.Timestamp.Format(time.RFC3339), r.Operation, r.ResourceType, r.UserID,
					from, r.OrderID, r.CloudName, r.Outcome)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&filter.OrderID, "order", "", "only records of this order")
	cmd.Flags().StringVar(&filter.UserID, "user", "", "only records of this cloud user")
	cmd.Flags().StringVar(&filter.Operation, "operation", "", "only records of this operation")
	cmd.Flags().IntVar(&filter.Limit, "limit", 100, "maximum number of records")

	return cmd
}
