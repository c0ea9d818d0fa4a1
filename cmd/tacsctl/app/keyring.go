package app

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"github.com/autopeer-io/tacs/internal/agent"
	"github.com/autopeer-io/tacs/internal/tacs/keyring"
)

func newKeyringCommand(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keyring",
		Short: "Work with keyring documents",
	}
	cmd.AddCommand(
		newKeyringInspectCommand(),
		newKeyringValidateCommand(),
		newKeyringPushCommand(o),
	)
	return cmd
}

func readKeyring(path string) (*keyring.Keyring, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	kr, err := keyring.Parse(data)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return kr, data, nil
}

func newKeyringInspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect FILE",
		Short: "List the leases of a keyring and whether each can be activated",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kr, _, err := readKeyring(args[0])
			if err != nil {
				return err
			}

			table := uitable.New()
			table.MaxColWidth = 40
			table.AddRow("ACCESS GRANT", "SORC", "VEHICLE", "START", "END", "GRANTS", "STATUS")
			for _, st := range kr.Check() {
				vehicle := st.VehicleRef
				if vehicle == "" {
					vehicle = "<none>"
				}
				status := "ok"
				if !st.Activatable() {
					status = st.Err.Error()
				}
				table.AddRow(st.AccessGrantID, st.SorcID, vehicle, st.StartTime, st.EndTime,
					strings.Join(st.ServiceGrants, ","), status)
			}
			fmt.Fprintln(cmd.OutOrStdout(), table)
			return nil
		},
	}
}

func newKeyringValidateCommand() *cobra.Command {
	var grant string
	cmd := &cobra.Command{
		Use:   "validate FILE",
		Short: "Check that an access grant of a keyring can be activated",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kr, _, err := readKeyring(args[0])
			if err != nil {
				return err
			}
			s, err := kr.Resolve(grant)
			if err != nil {
				return fmt.Errorf("%s: %s: %w", grant, keyring.RejectionMessage(err), err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s activates vehicle %s (sorc %s)\n", grant, s.VehicleRef, s.SorcID)
			return nil
		},
	}
	cmd.Flags().StringVar(&grant, "grant", "", "Access grant to validate.")
	_ = cmd.MarkFlagRequired("grant")
	return cmd
}

func newKeyringPushCommand(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "push FILE",
		Short: "Replace the keyring of a running agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// Parse locally so a broken file never reaches the agent.
			_, data, err := readKeyring(args[0])
			if err != nil {
				return err
			}

			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPut, o.server+"/v1/keyring", bytes.NewReader(data))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")

			var res agent.KeyringResult
			status, err := do(o.client(), req, &res)
			if err != nil {
				return err
			}
			if res.Error != "" {
				return fmt.Errorf("agent rejected keyring (%d): %s", status, res.Error)
			}

			grant := res.AccessGrantID
			if grant == "" {
				grant = "<none>"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "keyring with %d leases loaded, active access grant %s\n", res.Leases, grant)
			return nil
		},
	}
}

func do(c *http.Client, req *http.Request, v any) (int, error) {
	resp, err := c.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return resp.StatusCode, fmt.Errorf("unexpected response %s: %w", resp.Status, err)
	}
	return resp.StatusCode, nil
}
