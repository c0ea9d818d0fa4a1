package app

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"github.com/autopeer-io/tacs/internal/agent"
)

func newExecCommand(o *rootOptions) *cobra.Command {
	var c agent.Command
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "exec NAME",
		Short: "Run a command on the agent, such as lock or requestTelematicsData",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c.Name = args[0]
			c.Timeout = timeout.Seconds()

			body, err := json.Marshal(c)
			if err != nil {
				return err
			}
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost,
				o.server+"/v1/commands/"+url.PathEscape(c.Name), bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")

			var res agent.CommandResult
			status, err := do(o.client(), req, &res)
			if err != nil {
				return err
			}
			if res.Error != "" {
				return fmt.Errorf("%s failed (%d): %s", c.Name, status, res.Error)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s accepted\n", c.Name)
			return nil
		},
	}
	cmd.Flags().StringVar(&c.AccessGrantID, "grant", "", "Access grant for activate. Defaults to the agent's configured grant.")
	cmd.Flags().StringSliceVar(&c.Types, "types", nil, "Telematics data types to request. Defaults to all.")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Keyholder discovery timeout. Zero uses the agent default.")
	cmd.Flags().BoolVar(&c.Foreground, "foreground", false, "Foreground flag for setForeground.")
	return cmd
}

func newStateCommand(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Show the active access grant and the latest event of every kind",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, o.server+"/v1/state", nil)
			if err != nil {
				return err
			}
			var st agent.State
			if _, err := do(o.client(), req, &st); err != nil {
				return err
			}
			printState(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func printState(w io.Writer, st agent.State) {
	grant, vehicle := st.AccessGrantID, st.VehicleRef
	if grant == "" {
		grant = "<none>"
	}
	if vehicle == "" {
		vehicle = "<none>"
	}

	table := uitable.New()
	table.AddRow("Agent:", st.AgentID)
	table.AddRow("Keyring loaded:", st.KeyringLoaded)
	table.AddRow("Access grant:", grant)
	table.AddRow("Vehicle:", vehicle)
	fmt.Fprintln(w, table)
	fmt.Fprintln(w)

	events := uitable.New()
	events.MaxColWidth = 60
	events.AddRow("EVENT", "STATE", "MESSAGE")
	for _, e := range st.Events {
		events.AddRow(e.Name, e.State, e.Message)
	}
	fmt.Fprintln(w, events)
}

func newEventsCommand(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "Stream agent events as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			u, err := url.Parse(o.server)
			if err != nil {
				return err
			}
			u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
			u.Path = strings.TrimSuffix(u.Path, "/") + "/v1/events"

			conn, _, err := websocket.DefaultDialer.DialContext(cmd.Context(), u.String(), nil)
			if err != nil {
				return fmt.Errorf("connect %s: %w", u, err)
			}
			defer conn.Close()

			go func() {
				<-cmd.Context().Done()
				_ = conn.Close()
			}()

			enc := json.NewEncoder(cmd.OutOrStdout())
			for {
				var e agent.Event
				if err := conn.ReadJSON(&e); err != nil {
					if cmd.Context().Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
						return nil
					}
					return err
				}
				if err := enc.Encode(e); err != nil {
					return err
				}
			}
		},
	}
}
