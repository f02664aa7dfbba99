package main

import (
	"github.com/spf13/cobra"

	"github.com/ashita-ai/patternd"
)

func serveCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP/MCP server, snapshot recorder and job scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts []patternd.Option
			if port != 0 {
				opts = append(opts, patternd.WithPort(port))
			}
			app, err := newApp(cmd.Context(), opts...)
			if err != nil {
				return err
			}
			return app.Run(cmd.Context())
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides PATTERND_PORT)")
	return cmd
}
