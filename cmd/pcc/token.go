package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pump-control/pcc/internal/auth"
)

func newTokenCmd(opts *rootOptions) *cobra.Command {
	var (
		subject string
		role    string
		scopes  []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an HS256 API token signed with auth.secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			issuer, err := auth.NewIssuer(opts.cfg.Auth)
			if err != nil {
				return err
			}
			token, err := issuer.Issue(subject, role, ttl, scopes...)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject (user or service name)")
	cmd.Flags().StringVar(&role, "role", auth.RoleViewer, "role: "+strings.Join(auth.Roles(), ", "))
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "narrow the token to these scopes (default: all the role grants)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
