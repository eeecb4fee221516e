package cli

import (
	"fmt"
	"text/tabwriter"

	"nagbot/internal/app"
	"nagbot/internal/nag/escalation"
	"nagbot/internal/notifier"
	logx "nagbot/pkg/logx"

	"github.com/spf13/cobra"
)

func newProfilesCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "profiles",
		Short: "Show the escalation profiles and their tiers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			l, err := app.OpenLocal(opts.configPath, logx.NewConsole("warn"))
			if err != nil {
				return err
			}
			defer l.Close()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PROFILE\tTIER\tFROM\tEVERY")
			for _, name := range l.Profiles.Names() {
				p, _ := l.Profiles.Lookup(name)
				for _, t := range p.Tiers {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", name, t.Name, tierStart(t), notifier.FormatDuration(t.Interval))
				}
			}
			return tw.Flush()
		},
	}
}

func tierStart(t escalation.Tier) string {
	switch {
	case t.Before > 0:
		return notifier.FormatDuration(t.Before) + " before due"
	case t.Before < 0:
		return notifier.FormatDuration(-t.Before) + " after due"
	default:
		return "at due"
	}
}
