package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pump-control/pcc/internal/profile"
)

func newProfileCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Therapy profile tools",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check <file>",
		Short: "Validate a therapy profile document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := profile.Load(args[0])
			if err != nil {
				return err
			}
			mult := opts.cfg.Constraints.Multipliers
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "profile %q OK\n", p.Name)
			fmt.Fprintf(out, "  units:            %s\n", p.Units)
			fmt.Fprintf(out, "  dia:              %.1f h\n", p.DIA)
			fmt.Fprintf(out, "  basal blocks:     %d\n", len(p.Basal))
			fmt.Fprintf(out, "  total daily:      %.2f U\n", p.TotalDailyBasal())
			fmt.Fprintf(out, "  max daily basal:  %.2f U/h\n", p.MaxDailyBasal())
			if mult.MaxDailyBasal > 0 {
				fmt.Fprintf(out, "  max temp basal:   %.2f U/h (x%g)\n", p.MaxDailyBasal()*mult.MaxDailyBasal, mult.MaxDailyBasal)
			}
			return nil
		},
	})
	return cmd
}
