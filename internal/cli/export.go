package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Consume export records of externally modeled domains",
	}

	cmd.AddCommand(newExportNextCmd())
	cmd.AddCommand(newExportTailCmd())

	return cmd
}

func newExportNextCmd() *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "next DOMAIN_ID",
		Short: "Consume at most one export record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseDomainID(args[0])
			if err != nil {
				return err
			}
			line, ok, err := newClient(cmd).NextExport(cmd.Context(), id, wait)
			if err != nil {
				return err
			}
			if !ok {
				return errors.New("export queue is empty")
			}
			fmt.Fprintln(cmd.OutOrStdout(), line)
			return nil
		},
	}

	cmd.Flags().DurationVar(&wait, "wait", 0, "Long-poll timeout (0 returns immediately)")
	return cmd
}

func newExportTailCmd() *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "tail DOMAIN_ID",
		Short: "Stream export records until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseDomainID(args[0])
			if err != nil {
				return err
			}
			c := newClient(cmd)
			for {
				if err := cmd.Context().Err(); err != nil {
					return nil
				}
				line, ok, err := c.NextExport(cmd.Context(), id, wait)
				if err != nil {
					return err
				}
				if ok {
					fmt.Fprintln(cmd.OutOrStdout(), line)
				}
			}
		},
	}

	cmd.Flags().DurationVar(&wait, "wait", 30*time.Second, "Long-poll timeout per request")
	return cmd
}
