package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Programator2/TSEM/pkg/types"
)

func newDomainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "domain",
		Short: "Manage modeling domains",
	}

	cmd.AddCommand(newDomainCreateCmd())
	cmd.AddCommand(newDomainListCmd())
	cmd.AddCommand(newDomainInfoCmd())
	cmd.AddCommand(newDomainSealCmd())
	cmd.AddCommand(newDomainDestroyCmd())

	return cmd
}

func newDomainCreateCmd() *cobra.Command {
	var domainType string
	var digest string
	var nsRef string
	var key string
	var magazineSize int

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a modeling domain",
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := newClient(cmd).CreateDomain(cmd.Context(), types.CreateDomainRequest{
				Type:         types.DomainType(domainType),
				Digest:       digest,
				Namespace:    types.NamespaceRef(nsRef),
				Key:          key,
				MagazineSize: magazineSize,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, info)
		},
	}

	cmd.Flags().StringVar(&domainType, "type", "internal", "Domain type: internal|external")
	cmd.Flags().StringVar(&digest, "digest", "", "Digest function (default: root domain's)")
	cmd.Flags().StringVar(&nsRef, "ns-ref", "", "Credential namespace: initial|current")
	cmd.Flags().StringVar(&key, "key", "", "Orchestrator key in hex (external domains)")
	cmd.Flags().IntVar(&magazineSize, "magazine-size", 0, "Locked-context allocation slots")
	return cmd
}

func newDomainListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List modeling domains",
		RunE: func(cmd *cobra.Command, args []string) error {
			domains, err := newClient(cmd).ListDomains(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, domains)
		},
	}
}

func newDomainInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "info DOMAIN_ID",
		Aliases: []string{"show"},
		Short:   "Show domain info",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseDomainID(args[0])
			if err != nil {
				return err
			}
			info, err := newClient(cmd).GetDomain(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd, info)
		},
	}
}

func newDomainSealCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seal DOMAIN_ID",
		Short: "Seal a domain's model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseDomainID(args[0])
			if err != nil {
				return err
			}
			info, err := newClient(cmd).SealDomain(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd, info)
		},
	}
}

func newDomainDestroyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "destroy DOMAIN_ID",
		Short: "Release a domain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseDomainID(args[0])
			if err != nil {
				return err
			}
			if err := newClient(cmd).DeleteDomain(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}

func parseDomainID(arg string) (uint64, error) {
	id, err := strconv.ParseUint(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid domain id %q", arg)
	}
	return id, nil
}
