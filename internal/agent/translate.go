package agent

import (
	"maps"
	"slices"
	"time"

	"github.com/autopeer-io/tacs/internal/tacs"
	"github.com/autopeer-io/tacs/internal/tacs/connection"
	"github.com/autopeer-io/tacs/internal/tacs/keyholder"
	"github.com/autopeer-io/tacs/internal/tacs/location"
	"github.com/autopeer-io/tacs/internal/tacs/telematics"
	"github.com/autopeer-io/tacs/internal/tacs/vehicleaccess"
)

const (
	msgNoAccessGrant = "No access grant activated"
	msgQueueFull     = "queue is full"
)

func bluetoothEvent(c connection.BluetoothChange) Event {
	return Event{Name: EventBluetoothStateChanged, State: c.State.String()}
}

func discoveryEvent(c tacs.DiscoveryChange) (Event, bool) {
	e := Event{
		Name:       EventDiscoveryStateChanged,
		VehicleRef: c.Action.VehicleRef,
		State:      c.Action.Kind.String(),
	}
	switch c.Action.Kind {
	case tacs.DiscoveryInitial:
		return Event{}, false
	case tacs.DiscoveryMissingBlobData:
		e.Message = msgNoAccessGrant
	}

	vehicles := make([]map[string]any, 0, len(c.State.Discovered))
	for _, ref := range slices.Sorted(maps.Keys(c.State.Discovered)) {
		v := c.State.Discovered[ref]
		vehicles = append(vehicles, map[string]any{
			"vehicleRef":   v.VehicleRef,
			"discoveredAt": v.DiscoveredAt.UTC().Format(time.RFC3339),
			"rssi":         v.RSSI,
		})
	}
	e.Payload = map[string]any{"vehicles": vehicles}
	return e, true
}

func connectionEvent(c tacs.ConnectionChange) Event {
	e := Event{
		Name:       EventConnectionStateChanged,
		VehicleRef: c.State.VehicleRef,
		State:      string(c.State.Phase),
	}
	if e.VehicleRef == "" {
		e.VehicleRef = c.Action.VehicleRef
	}
	switch {
	case c.Action.Kind == tacs.ConnectionConnectingFailedDataMissing:
		e.Message = msgNoAccessGrant
	case c.Action.Err != nil:
		e.Message = c.Action.Err.Error()
	}
	return e
}

func isDoorFeature(f vehicleaccess.Feature) bool {
	switch f {
	case vehicleaccess.FeatureLock, vehicleaccess.FeatureUnlock, vehicleaccess.FeatureLockStatus:
		return true
	}
	return false
}

func statusEventName(f vehicleaccess.Feature) string {
	if isDoorFeature(f) {
		return EventDoorStatusChanged
	}
	return EventIgnitionStatusChanged
}

// vehicleAccessEvent reports status answers and failures. Successful lock,
// unlock and ignition commands are followed by a status query, which reports.
func vehicleAccessEvent(c vehicleaccess.Change, ref string) (Event, bool) {
	switch c.Action.Kind {
	case vehicleaccess.ActionRequestFeature:
		if c.Action.Accepted {
			return Event{}, false
		}
		return Event{
			Name:       statusEventName(c.Action.Feature),
			VehicleRef: ref,
			State:      "error",
			Message:    "Could not request " + c.Action.Feature.String() + ", " + msgQueueFull,
		}, true

	case vehicleaccess.ActionResponseReceived:
		r := c.Action.Response
		e := Event{Name: statusEventName(r.Feature), VehicleRef: ref}
		switch {
		case !r.Success():
			e.State, e.Message = "error", r.Err.String()
		case r.Feature == vehicleaccess.FeatureLockStatus:
			e.State = pick(r.Locked, "locked", "unlocked")
		case r.Feature == vehicleaccess.FeatureIgnitionStatus:
			e.State = pick(r.IgnitionEnabled, "enabled", "disabled")
		default:
			return Event{}, false
		}
		return e, true
	}
	return Event{}, false
}

func telematicsEvents(c telematics.Change, ref string) []Event {
	switch c.Action.Kind {
	case telematics.ActionRequestingData:
		if c.Action.Accepted {
			return nil
		}
		return []Event{{
			Name:       EventTelematicsDataChanged,
			VehicleRef: ref,
			State:      "error",
			Message:    msgQueueFull,
		}}

	case telematics.ActionResponseReceived:
		out := make([]Event, 0, len(c.Action.Responses))
		for _, r := range c.Action.Responses {
			e := Event{Name: EventTelematicsDataChanged, VehicleRef: ref}
			if r.Data == nil {
				e.State, e.Message = "error", r.Err.String()
				e.Payload = map[string]any{"type": string(r.Type)}
			} else {
				e.State = "received"
				e.Payload = map[string]any{
					"type":      string(r.Data.Type),
					"unit":      r.Data.Unit,
					"value":     r.Data.Value,
					"timestamp": r.Data.Timestamp.UTC().Format(time.RFC3339),
				}
			}
			out = append(out, e)
		}
		return out
	}
	return nil
}

func locationEvent(c location.Change, ref string) (Event, bool) {
	e := Event{Name: EventLocationChanged, VehicleRef: ref}
	switch c.Action.Kind {
	case location.ActionRequestingData:
		if c.Action.Accepted {
			return Event{}, false
		}
		e.State, e.Message = "error", msgQueueFull

	case location.ActionResponseReceived:
		d := c.Action.Response.Data
		if d == nil {
			e.State, e.Message = "error", c.Action.Response.Err.String()
			break
		}
		e.State = "received"
		e.Payload = map[string]any{
			"latitude":  d.Latitude,
			"longitude": d.Longitude,
			"accuracy":  d.Accuracy,
			"timestamp": d.Timestamp.UTC().Format(time.RFC3339),
		}

	default:
		return Event{}, false
	}
	return e, true
}

func keyholderEvent(c keyholder.Change, ref string) (Event, bool) {
	e := Event{Name: EventKeyholderStatusChanged, VehicleRef: ref}
	switch c.Action.Kind {
	case keyholder.ActionDiscoveryStarted:
		e.State = keyholder.StateSearching.String()
	case keyholder.ActionDiscovered:
		info := c.Action.Info
		e.State = "received"
		e.Payload = map[string]any{
			"keyholderId":        info.KeyholderID.String(),
			"isCardInserted":     info.CardInserted,
			"activationCount":    info.ActivationCount,
			"batteryChangeCount": info.BatteryChangeCount,
			"batteryVoltage":     info.BatteryVoltage,
		}
	case keyholder.ActionFailed:
		e.State, e.Message = "error", c.Action.Failure.String()
	default:
		return Event{}, false
	}
	return e, true
}

func pick(cond bool, yes, no string) string {
	if cond {
		return yes
	}
	return no
}
