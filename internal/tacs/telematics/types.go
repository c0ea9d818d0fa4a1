package telematics

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/autopeer-io/tacs/internal/pkg/change"
)

// DataType is one telematics value the vehicle can report.
type DataType string

const (
	Odometer            DataType = "odometer"
	FuelLevelAbsolute   DataType = "fuelLevelAbsolute"
	FuelLevelPercentage DataType = "fuelLevelPercentage"
)

// ParseDataType accepts the names used on the command surface.
func ParseDataType(s string) (DataType, error) {
	switch t := DataType(s); t {
	case Odometer, FuelLevelAbsolute, FuelLevelPercentage:
		return t, nil
	}
	return "", fmt.Errorf("unknown telematics data type %q", s)
}

// Unit is the unit of the value reported for t.
func (t DataType) Unit() string {
	switch t {
	case Odometer:
		return "m"
	case FuelLevelAbsolute:
		return "l"
	case FuelLevelPercentage:
		return "%"
	}
	return ""
}

type ErrorKind int

const (
	ErrorNone ErrorKind = iota
	ErrorNotConnected
	ErrorDenied
	ErrorRemoteFailed
	ErrorNotSupported
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorNone:
		return "none"
	case ErrorNotConnected:
		return "notConnected"
	case ErrorDenied:
		return "denied"
	case ErrorRemoteFailed:
		return "remoteFailed"
	case ErrorNotSupported:
		return "notSupported"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Data is a successfully reported value.
type Data struct {
	Type      DataType
	Timestamp time.Time
	Value     float64
	Unit      string
}

// Response is the outcome for one requested type. Data is set iff Err is ErrorNone.
type Response struct {
	Type DataType
	Err  ErrorKind
	Data *Data
}

// State lists the types of the request in flight.
type State []DataType

type ActionKind int

const (
	ActionInitial ActionKind = iota
	ActionRequestingData
	ActionResponseReceived
	// ActionReset drops the request in flight when the link goes down.
	ActionReset
)

func (k ActionKind) String() string {
	switch k {
	case ActionInitial:
		return "initial"
	case ActionRequestingData:
		return "requestingData"
	case ActionResponseReceived:
		return "responseReceived"
	case ActionReset:
		return "reset"
	}
	return fmt.Sprintf("ActionKind(%d)", int(k))
}

// Action carries Types and Accepted on RequestingData, Responses on ResponseReceived.
type Action struct {
	Kind      ActionKind
	Types     []DataType
	Accepted  bool
	Responses []Response
}

type Change = change.Change[State, Action]

func cloneState(s State) State { return slices.Clone(s) }

// tripData is the vehicle's response payload. Absent values stay nil.
type tripData struct {
	Timestamp           time.Time `json:"timestamp"`
	Odometer            *float64  `json:"odometer"`
	FuelLevelAbsolute   *float64  `json:"fuelLevelAbsolute"`
	FuelLevelPercentage *float64  `json:"fuelLevelPercentage"`
}

func parseTripData(data string) (*tripData, error) {
	var td tripData
	if err := json.Unmarshal([]byte(data), &td); err != nil {
		return nil, fmt.Errorf("decode trip data: %w", err)
	}
	return &td, nil
}

func (td *tripData) response(t DataType) Response {
	var v *float64
	switch t {
	case Odometer:
		v = td.Odometer
	case FuelLevelAbsolute:
		v = td.FuelLevelAbsolute
	case FuelLevelPercentage:
		v = td.FuelLevelPercentage
	}
	if v == nil {
		return Response{Type: t, Err: ErrorNotSupported}
	}
	return Response{Type: t, Data: &Data{Type: t, Timestamp: td.Timestamp, Value: *v, Unit: t.Unit()}}
}
