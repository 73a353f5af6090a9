package main

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/cuemby/burrow/pkg/client"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/spf13/cobra"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect and clear reconcile records",
}

var ledgerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List reconcile records",
	RunE: func(cmd *cobra.Command, args []string) error {
		state, _ := cmd.Flags().GetString("state")

		c, err := dialManager(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		recs, err := c.ListRecords(context.Background(), types.ManagementState(state))
		if err != nil {
			return fmt.Errorf("failed to list records: %w", err)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tSIGNATURE\tSTATE\tAGENT\tHOST\tRETRIES\tOWNER\tUPDATED")
		for _, r := range recs {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
				r.RequestSequence, r.OperationSignature, r.StateByManagement,
				agentState(r.StateByAgent), r.HostID, r.RetryCount,
				r.ManagementServerID, r.Updated.Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	},
}

var ledgerRemoveCmd = &cobra.Command{
	Use:   "remove SEQ SIGNATURE",
	Short: "Remove a reconcile record",
	Long: `Remove one reconcile record. The operation is no longer reconciled;
use this once an operator has settled the resources by hand.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		seq, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid sequence %q: %w", args[0], err)
		}

		c, err := dialManager(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.RemoveRecord(context.Background(), seq, args[1]); err != nil {
			return fmt.Errorf("failed to remove record: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Removed %d/%s\n", seq, args[1])
		return nil
	},
}

func dialManager(cmd *cobra.Command) (*client.Client, error) {
	addr, _ := cmd.Flags().GetString("manager")
	return client.NewClient(addr)
}

func agentState(s types.AgentState) string {
	if s == types.AgentStateNone {
		return "-"
	}
	return string(s)
}

func init() {
	ledgerCmd.AddCommand(ledgerListCmd)
	ledgerCmd.AddCommand(ledgerRemoveCmd)

	ledgerCmd.PersistentFlags().String("manager", "127.0.0.1:7947", "Manager API address")
	ledgerListCmd.Flags().String("state", "", "Only list records in this management state")
}
