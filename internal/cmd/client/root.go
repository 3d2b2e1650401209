package client

import (
	"github.com/spf13/cobra"
)

// BaseURLFunc provides the admin API base URL (e.g., from env or flag).
type BaseURLFunc func() string

// NewRoot constructs a root Cobra command holding every client command.
func NewRoot(baseURL BaseURLFunc) *cobra.Command {
	root := &cobra.Command{
		Use:   "runnel",
		Short: "runnel client commands",
	}
	AddCommands(root, baseURL)
	return root
}

// AddCommands registers the client commands on root.
func AddCommands(root *cobra.Command, baseURL BaseURLFunc) {
	root.AddCommand(
		NewStreamCommand(baseURL),
		NewPublishCommand(baseURL),
		NewStatusCommand(baseURL),
		NewPoisonCommand(baseURL),
	)
}
