package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/autopeer-io/tacs/internal/agent"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewTacsctlCommand(context.Background(), &out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestKeyringInspect(t *testing.T) {
	out, err := run(t, "keyring", "inspect", "testdata/keyring.json")
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 4 {
		t.Fatalf("got %d lines, want header and 3 leases:\n%s", len(lines), out)
	}
	for _, want := range []struct{ grant, status string }{
		{"MYBMW-1000", "ok"},
		{"NO-BLOB", "no blob for sorc"},
		{"NO-KEY", "empty sorc access key"},
	} {
		found := false
		for _, l := range lines[1:] {
			if strings.HasPrefix(l, want.grant) && strings.Contains(l, want.status) {
				found = true
			}
		}
		if !found {
			t.Errorf("no row for %s with status %q:\n%s", want.grant, want.status, out)
		}
	}
}

func TestKeyringValidate(t *testing.T) {
	tests := []struct {
		grant   string
		want    string
		wantErr string
	}{
		{grant: "MYBMW-1000", want: "MYBMW-1000 activates vehicle FBL-Car-001"},
		{grant: "NO-KEY", wantErr: "Failure due to empty Access key"},
		{grant: "NO-BLOB", wantErr: "Failure due to Blob data"},
		{grant: "UNKNOWN", wantErr: "no lease token"},
	}

	for _, tt := range tests {
		t.Run(tt.grant, func(t *testing.T) {
			out, err := run(t, "keyring", "validate", "testdata/keyring.json", "--grant", tt.grant)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("validate: %v", err)
			}
			if !strings.Contains(out, tt.want) {
				t.Errorf("output %q does not contain %q", out, tt.want)
			}
		})
	}
}

func TestKeyringPush(t *testing.T) {
	var got []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/v1/keyring" {
			http.NotFound(w, r)
			return
		}
		got, _ = io.ReadAll(r.Body)
		_ = json.NewEncoder(w).Encode(agent.KeyringResult{Leases: 3, AccessGrantID: "MYBMW-1000"})
	}))
	defer srv.Close()

	out, err := run(t, "keyring", "push", "testdata/keyring.json", "--server", srv.URL)
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if !strings.Contains(out, "3 leases loaded, active access grant MYBMW-1000") {
		t.Errorf("output = %q", out)
	}
	if !bytes.Contains(got, []byte("tacsLeaseTokenTable")) {
		t.Errorf("agent received %q", got)
	}

	if _, err := run(t, "keyring", "push", "testdata/missing.json", "--server", srv.URL); err == nil {
		t.Error("push of a missing file succeeded")
	}
}

func TestExec(t *testing.T) {
	var got agent.Command
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		name := strings.TrimPrefix(r.URL.Path, "/v1/commands/")
		if name == "fly" {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(agent.CommandResult{Name: name, Error: `unknown command "fly"`})
			return
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(agent.CommandResult{Name: name})
	}))
	defer srv.Close()

	out, err := run(t, "exec", "requestTelematicsData", "--types", "odometer,fuelLevelPercentage", "--server", srv.URL)
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if out != "requestTelematicsData accepted\n" {
		t.Errorf("output = %q", out)
	}
	want := agent.Command{Name: "requestTelematicsData", Types: []string{"odometer", "fuelLevelPercentage"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("command mismatch (-want +got):\n%s", diff)
	}

	if _, err := run(t, "exec", "fly", "--server", srv.URL); err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("err = %v, want a 404 failure", err)
	}
}

func TestState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(agent.State{
			AgentID:       "agent-1",
			KeyringLoaded: true,
			Events:        []agent.Event{{Name: agent.EventConnectionStateChanged, State: "disconnected", Message: "No access grant activated"}},
		})
	}))
	defer srv.Close()

	out, err := run(t, "state", "--server", srv.URL)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	for _, want := range []string{"agent-1", "<none>", "disconnected", "No access grant activated"} {
		if !strings.Contains(out, want) {
			t.Errorf("output does not contain %q:\n%s", want, out)
		}
	}
}
