// Package app implements tacsctl, the operator tool for keyrings and
// running tacs agents.
package app

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	server  string
	timeout time.Duration
}

func (o *rootOptions) client() *http.Client {
	return &http.Client{Timeout: o.timeout}
}

func NewTacsctlCommand(ctx context.Context, out io.Writer) *cobra.Command {
	o := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "tacsctl",
		Short:         "Inspect keyrings and drive a tacs agent",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.SetContext(ctx)
	cmd.SetOut(out)

	cmd.PersistentFlags().StringVar(&o.server, "server", "http://127.0.0.1:8480", "Base URL of the agent HTTP API.")
	cmd.PersistentFlags().DurationVar(&o.timeout, "request-timeout", 10*time.Second, "Timeout of a single API request.")

	cmd.AddCommand(
		newKeyringCommand(o),
		newExecCommand(o),
		newStateCommand(o),
		newEventsCommand(o),
	)
	return cmd
}
