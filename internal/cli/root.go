// Package cli is the nagbot command line: the long-running bot plus a few
// store-side commands for managing reminders from a shell.
package cli

import (
	"github.com/spf13/cobra"
)

type options struct {
	configPath string
}

// NewRoot builds the command tree.
func NewRoot() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "nagbot",
		Short:         "Telegram reminders that nag until they are done",
		Long:          "nagbot keeps reminding you about tasks, more often as the deadline gets closer, until you mark them done.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "./config.json", "path to config file (json or yaml)")

	root.AddCommand(
		newServeCmd(opts),
		newTaskCmd(opts),
		newProfilesCmd(opts),
		newVersionCmd(),
	)
	return root
}

func Execute() error {
	return NewRoot().Execute()
}
