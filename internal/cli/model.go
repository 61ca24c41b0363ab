package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Programator2/TSEM/pkg/types"
)

func newModelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "model",
		Short: "Inspect and load domain models",
	}

	cmd.AddCommand(newModelShowCmd())
	cmd.AddCommand(newModelTrajectoryCmd("trajectory", "Show retained event descriptions"))
	cmd.AddCommand(newModelTrajectoryCmd("forensics", "Show events of security violations"))
	cmd.AddCommand(newModelPointsCmd())
	cmd.AddCommand(newModelLoadCmd())
	cmd.AddCommand(newModelActionsCmd())

	return cmd
}

func newModelShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "show DOMAIN_ID VALUE",
		Short:     "Show a model value (measurement, state, base, aggregate)",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"measurement", "state", "base", "aggregate"},
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseDomainID(args[0])
			if err != nil {
				return err
			}
			value, err := newClient(cmd).ModelValue(cmd.Context(), id, args[1])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), value)
			return nil
		},
	}
}

func newModelTrajectoryCmd(which, short string) *cobra.Command {
	return &cobra.Command{
		Use:   which + " DOMAIN_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseDomainID(args[0])
			if err != nil {
				return err
			}
			events, err := newClient(cmd).Trajectory(cmd.Context(), id, which)
			if err != nil {
				return err
			}
			return printJSON(cmd, events)
		},
	}
}

func newModelPointsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "points DOMAIN_ID",
		Short: "Show the coefficient snapshot of a model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseDomainID(args[0])
			if err != nil {
				return err
			}
			points, err := newClient(cmd).Points(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd, points)
		},
	}
}

func newModelLoadCmd() *cobra.Command {
	var kind string

	cmd := &cobra.Command{
		Use:   "load DOMAIN_ID VALUE_HEX",
		Short: "Load a point, pseudonym or base into an unsealed model",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseDomainID(args[0])
			if err != nil {
				return err
			}
			c := newClient(cmd)
			switch kind {
			case "point":
				err = c.LoadPoint(cmd.Context(), id, args[1])
			case "pseudonym":
				err = c.LoadPseudonym(cmd.Context(), id, args[1])
			case "base":
				err = c.LoadBase(cmd.Context(), id, args[1])
			default:
				return fmt.Errorf("invalid --kind %q (expected point, pseudonym or base)", kind)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "point", "Value kind: point|pseudonym|base")
	return cmd
}

func newModelActionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "actions DOMAIN_ID EVENT=ACTION [EVENT=ACTION...]",
		Short: "Set per-event disciplines on a domain",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseDomainID(args[0])
			if err != nil {
				return err
			}
			updates := make([]types.ActionUpdate, 0, len(args)-1)
			for _, arg := range args[1:] {
				name, action, ok := strings.Cut(arg, "=")
				if !ok {
					return fmt.Errorf("invalid assignment %q (expected EVENT=ACTION)", arg)
				}
				updates = append(updates, types.ActionUpdate{Event: name, Action: types.Action(action)})
			}
			if err := newClient(cmd).SetActions(cmd.Context(), id, updates); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}
