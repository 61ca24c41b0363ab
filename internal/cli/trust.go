package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Programator2/TSEM/pkg/types"
)

func newTrustCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trust",
		Short: "Resolve trust decisions for externally modeled domains",
	}

	cmd.AddCommand(newTrustSetCmd())
	return cmd
}

func newTrustSetCmd() *cobra.Command {
	var key string

	cmd := &cobra.Command{
		Use:   "set DOMAIN_ID PID STATUS",
		Short: "Set a task's trust status (trusted or untrusted)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseDomainID(args[0])
			if err != nil {
				return err
			}
			pid, err := strconv.ParseUint(args[1], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid pid %q", args[1])
			}
			status := types.TrustStatus(args[2])
			if status != types.StatusTrusted && status != types.StatusUntrusted {
				return fmt.Errorf("invalid status %q (expected trusted or untrusted)", args[2])
			}

			err = newClient(cmd).ResolveTrust(cmd.Context(), id, types.TrustRequest{
				PID:    uint32(pid),
				Status: status,
				Key:    key,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}

	cmd.Flags().StringVar(&key, "key", "", "Orchestrator key in hex")
	return cmd
}
