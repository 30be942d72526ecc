package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/pump-control/pcc/internal/audit"
	"github.com/pump-control/pcc/internal/command"
	"github.com/pump-control/pcc/internal/constraint"
	"github.com/pump-control/pcc/internal/profile"
)

func newResolveCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "resolve <kind> <value>",
		Short: "Run a value through the configured constraint chain",
		Long: `Resolve runs value through the contributors configured for kind
(pump limits of the configured driver, age-group hard limits, user maxima and,
with profile.path set, the profile multipliers) and prints every narrowing step.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := constraint.ParseKind(args[0])
			if err != nil {
				return err
			}
			value, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("invalid value %q: %w", args[1], err)
			}

			profiles := profile.NewStore(nil)
			if path := opts.cfg.Profile.Path; path != "" {
				p, err := profile.Load(path)
				if err != nil {
					return err
				}
				profiles.Set(p)
			}
			mem := &audit.Memory{}
			r, _, err := newResolver(opts.cfg, newFakePump(opts.cfg.Pump), profiles, opts.logger, mem)
			if err != nil {
				return err
			}

			res := command.ResolveKind(r, kind, value)
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			fmt.Fprintf(out, "%s: %g -> %g\n", res.Kind, res.Initial, res.Value)
			for _, reason := range res.Reasons {
				fmt.Fprintf(out, "  %s\n", reason)
			}
			for _, e := range mem.Events() {
				fmt.Fprintf(out, "  ! %s: %s\n", e.Source, e.Message)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the resolution as JSON")
	return cmd
}
