package agent

import (
	"errors"
	"fmt"
	"time"

	"github.com/autopeer-io/tacs/internal/pkg/metrics"
	"github.com/autopeer-io/tacs/internal/tacs/telematics"
)

// Command names accepted by Execute.
const (
	CommandConnect                = "connect"
	CommandDisconnect             = "disconnect"
	CommandStartScanning          = "startScanning"
	CommandStopScanning           = "stopScanning"
	CommandLock                   = "lock"
	CommandUnlock                 = "unlock"
	CommandEnableIgnition         = "enableIgnition"
	CommandDisableIgnition        = "disableIgnition"
	CommandLockStatus             = "lockStatus"
	CommandIgnitionStatus         = "ignitionStatus"
	CommandRequestTelematicsData  = "requestTelematicsData"
	CommandRequestLocation        = "requestLocation"
	CommandRequestKeyholderStatus = "requestKeyholderStatus"
	CommandSetForeground          = "setForeground"
	CommandActivate               = "activate"
	CommandReset                  = "reset"
)

const defaultKeyholderTimeout = 10 * time.Second

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrInvalidCommand = errors.New("invalid command")
)

// Command is a request from an operator. Fields other than Name only apply to
// the commands that read them.
type Command struct {
	Name string `json:"name"`

	// AccessGrantID selects the grant to activate. Empty uses the configured one.
	AccessGrantID string `json:"accessGrantId,omitempty"`

	// Types lists telematics data types. Empty requests all of them.
	Types []string `json:"types,omitempty"`

	// Timeout in seconds for startScanning and requestKeyholderStatus.
	Timeout float64 `json:"timeout,omitempty"`

	Foreground bool `json:"foreground,omitempty"`
}

func (c Command) timeout() time.Duration {
	return time.Duration(c.Timeout * float64(time.Second))
}

// CommandResult is the answer to a command.
type CommandResult struct {
	Name  string `json:"name"`
	Error string `json:"error,omitempty"`
}

func resultOf(name string, err error) CommandResult {
	r := CommandResult{Name: name}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

// Execute runs cmd. Outcomes of accepted commands are reported as events; the
// returned error only covers commands that could not be issued.
func (a *Agent) Execute(cmd Command) (err error) {
	defer func() {
		metrics.AgentCommands.WithLabelValues(cmd.Name, pick(err == nil, "ok", "error")).Inc()
	}()

	if cmd.Timeout < 0 {
		return fmt.Errorf("%w: negative timeout", ErrInvalidCommand)
	}

	m := a.tacs
	switch cmd.Name {
	case CommandConnect:
		m.Connect()
	case CommandDisconnect:
		m.Disconnect()
	case CommandStartScanning:
		m.StartScanningWithTimeout(cmd.timeout())
	case CommandStopScanning:
		m.StopScanning()
	case CommandLock:
		m.Lock()
	case CommandUnlock:
		m.Unlock()
	case CommandEnableIgnition:
		m.EnableIgnition()
	case CommandDisableIgnition:
		m.DisableIgnition()
	case CommandLockStatus:
		m.LockStatus()
	case CommandIgnitionStatus:
		m.IgnitionStatus()
	case CommandRequestTelematicsData:
		types, err := parseDataTypes(cmd.Types)
		if err != nil {
			return err
		}
		m.RequestTelematicsData(types)
	case CommandRequestLocation:
		m.RequestLocation()
	case CommandRequestKeyholderStatus:
		d := cmd.timeout()
		if d == 0 {
			d = defaultKeyholderTimeout
		}
		m.RequestKeyholderStatus(d)
	case CommandSetForeground:
		m.SetForeground(cmd.Foreground)
	case CommandActivate:
		return a.Activate(cmd.AccessGrantID)
	case CommandReset:
		m.Reset()
	default:
		return fmt.Errorf("%w %q", ErrUnknownCommand, cmd.Name)
	}
	return nil
}

func parseDataTypes(names []string) ([]telematics.DataType, error) {
	if len(names) == 0 {
		return []telematics.DataType{telematics.Odometer, telematics.FuelLevelAbsolute, telematics.FuelLevelPercentage}, nil
	}
	out := make([]telematics.DataType, 0, len(names))
	for _, n := range names {
		t, err := telematics.ParseDataType(n)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCommand, err)
		}
		out = append(out, t)
	}
	return out, nil
}
