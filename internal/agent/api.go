package agent

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/autopeer-io/tacs/internal/pkg/metrics"
	"github.com/autopeer-io/tacs/internal/tacs"
	"github.com/autopeer-io/tacs/internal/tacs/keyring"
)

const (
	maxCommandBytes = 64 << 10
	maxKeyringBytes = 1 << 20

	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// Handler returns the HTTP API of the agent.
func (a *Agent) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	r.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if !a.Ready() {
			http.Error(w, "keyring not loaded", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/commands/{name}", a.handleCommand).Methods(http.MethodPost)
	v1.HandleFunc("/keyring", a.handleKeyring).Methods(http.MethodPut)
	v1.HandleFunc("/state", a.handleState).Methods(http.MethodGet)
	v1.HandleFunc("/events", a.handleEvents).Methods(http.MethodGet)

	return r
}

func (a *Agent) handleCommand(w http.ResponseWriter, r *http.Request) {
	var cmd Command
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCommandBytes)).Decode(&cmd); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, CommandResult{Error: err.Error()})
		return
	}
	cmd.Name = mux.Vars(r)["name"]

	err := a.Execute(cmd)
	writeJSON(w, commandStatus(err), resultOf(cmd.Name, err))
}

func commandStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusAccepted
	case errors.Is(err, ErrUnknownCommand):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidCommand), errors.Is(err, ErrNoAccessGrant):
		return http.StatusBadRequest
	case errors.Is(err, tacs.ErrNoKeyring):
		return http.StatusConflict
	}
	return http.StatusUnprocessableEntity
}

// KeyringResult answers a keyring upload.
type KeyringResult struct {
	Leases        int    `json:"leases"`
	AccessGrantID string `json:"accessGrantId,omitempty"`
	Error         string `json:"error,omitempty"`
}

func (a *Agent) handleKeyring(w http.ResponseWriter, r *http.Request) {
	kr, err := keyring.Decode(http.MaxBytesReader(w, r.Body, maxKeyringBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, KeyringResult{Error: err.Error()})
		return
	}

	res := KeyringResult{Leases: len(kr.LeaseTokenTable)}
	if err := a.SetKeyring(kr); err != nil {
		res.Error = err.Error()
		writeJSON(w, http.StatusUnprocessableEntity, res)
		return
	}
	if s, ok := a.tacs.Setup(); ok {
		res.AccessGrantID = s.AccessGrantID
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *Agent) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.State())
}

// handleEvents streams the latest event of every name, then every new event.
func (a *Agent) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, cancel := a.bus.Subscribe()
	defer cancel()

	// The server's read and write timeouts do not apply to the stream.
	_ = conn.SetReadDeadline(time.Time{})

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	write := func(v any) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(v) == nil
	}

	for _, e := range a.bus.Snapshot() {
		if !write(e) {
			return
		}
	}

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case e, ok := <-events:
			if !ok || !write(e) {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
