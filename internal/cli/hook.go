package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/Programator2/TSEM/pkg/types"
)

func newHookCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hook",
		Short: "Submit security events",
	}

	cmd.AddCommand(newHookSendCmd())
	return cmd
}

func newHookSendCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "send DOMAIN_ID",
		Short: "Submit one security event read as JSON from a file or stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseDomainID(args[0])
			if err != nil {
				return err
			}

			var rd io.Reader = cmd.InOrStdin()
			if file != "" && file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				rd = f
			}

			var req types.HookRequest
			if err := json.NewDecoder(rd).Decode(&req); err != nil {
				return fmt.Errorf("decode hook payload: %w", err)
			}

			resp, err := newClient(cmd).SendHook(cmd.Context(), id, req)
			if err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}

	cmd.Flags().StringVar(&file, "file", "-", "Hook payload file (- for stdin)")
	return cmd
}
