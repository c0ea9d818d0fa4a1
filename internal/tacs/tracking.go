package tacs

import (
	"strconv"
	"time"

	"github.com/autopeer-io/tacs/internal/tacs/keyholder"
	"github.com/autopeer-io/tacs/internal/tacs/location"
	"github.com/autopeer-io/tacs/internal/tacs/telematics"
	"github.com/autopeer-io/tacs/internal/tacs/tracking"
	"github.com/autopeer-io/tacs/internal/tacs/vehicleaccess"
)

const errQueueFull = "Queue is full"

var requestedEvents = map[vehicleaccess.Feature]tracking.Event{
	vehicleaccess.FeatureLock:            tracking.DoorsLockRequested,
	vehicleaccess.FeatureUnlock:          tracking.DoorsUnlockRequested,
	vehicleaccess.FeatureEnableIgnition:  tracking.EngineEnableRequested,
	vehicleaccess.FeatureDisableIgnition: tracking.EngineDisableRequested,
	vehicleaccess.FeatureLockStatus:      tracking.DoorsStatusRequested,
	vehicleaccess.FeatureIgnitionStatus:  tracking.EngineStatusRequested,
}

var failedEvents = map[vehicleaccess.Feature]tracking.Event{
	vehicleaccess.FeatureLock:            tracking.DoorsLockFailed,
	vehicleaccess.FeatureUnlock:          tracking.DoorsUnlockFailed,
	vehicleaccess.FeatureEnableIgnition:  tracking.EngineEnableFailed,
	vehicleaccess.FeatureDisableIgnition: tracking.EngineDisableFailed,
	vehicleaccess.FeatureLockStatus:      tracking.DoorsStatusFailed,
	vehicleaccess.FeatureIgnitionStatus:  tracking.EngineStatusFailed,
}

var succeededEvents = map[vehicleaccess.Feature]tracking.Event{
	vehicleaccess.FeatureLock:            tracking.DoorsLocked,
	vehicleaccess.FeatureUnlock:          tracking.DoorsUnlocked,
	vehicleaccess.FeatureEnableIgnition:  tracking.EngineEnabled,
	vehicleaccess.FeatureDisableIgnition: tracking.EngineDisabled,
	vehicleaccess.FeatureLockStatus:      tracking.DoorsStatusReceived,
	vehicleaccess.FeatureIgnitionStatus:  tracking.EngineStatusReceived,
}

// defaultParams identifies the active vehicle. It is safe to call from any goroutine.
func (m *Manager) defaultParams() map[string]any {
	params := map[string]any{}
	if setup, ok := m.Setup(); ok {
		params[tracking.KeySorcID] = setup.SorcID.String()
		params[tracking.KeyVehicleRef] = setup.VehicleRef
	}
	return params
}

func (m *Manager) keyholderParams() map[string]any {
	params := map[string]any{}
	if setup, ok := m.Setup(); ok {
		id := ""
		if setup.KeyholderID != nil {
			id = setup.KeyholderID.String()
		}
		params[tracking.KeyKeyholderID] = id
		params[tracking.KeyVehicleRef] = setup.VehicleRef
	}
	return params
}

func (m *Manager) trackDiscovery(a DiscoveryAction) {
	var (
		event tracking.Event
		sev   = tracking.SeverityInfo
	)
	switch a.Kind {
	case DiscoveryDiscovered:
		event = tracking.DiscoverySuccessful
	case DiscoveryLost:
		event = tracking.DiscoveryLost
	case DiscoveryDisconnected:
		event = tracking.ConnectionDisconnected
	case DiscoveryStartDiscovery, DiscoveryStarted:
		event = tracking.DiscoveryStarted
	case DiscoveryStopDiscovery:
		event = tracking.DiscoveryStopped
	case DiscoveryFailed:
		event, sev = tracking.DiscoveryFailed, tracking.SeverityError
	default:
		return
	}
	m.tracker.Track(event, m.defaultParams(), sev)
}

func (m *Manager) trackConnection(a ConnectionAction) {
	params := m.defaultParams()
	var (
		event tracking.Event
		sev   = tracking.SeverityInfo
	)
	switch a.Kind {
	case ConnectionConnect:
		event = tracking.ConnectionStarted
	case ConnectionEstablished:
		event = tracking.ConnectionEstablished
	case ConnectionConnectingFailed:
		event, sev = tracking.ConnectionFailed, tracking.SeverityError
		params[tracking.KeyError] = errorString(a.Err, "connecting failed")
	case ConnectionConnectingFailedDataMissing:
		event, sev = tracking.ConnectionFailed, tracking.SeverityError
		params[tracking.KeyError] = "Failure in connecting due to missing data"
	case ConnectionDisconnect:
		event = tracking.ConnectionDisconnected
	case ConnectionLost:
		event, sev = tracking.ConnectionFailed, tracking.SeverityError
		params[tracking.KeyError] = errorString(a.Err, "connection lost")
	default:
		return
	}
	m.tracker.Track(event, params, sev)
}

func (m *Manager) trackVehicleAccess(c vehicleaccess.Change) {
	params := m.defaultParams()
	switch c.Action.Kind {
	case vehicleaccess.ActionRequestFeature:
		if !c.Action.Accepted {
			params[tracking.KeyError] = errQueueFull
			m.tracker.Track(failedEvents[c.Action.Feature], params, tracking.SeverityError)
		}
	case vehicleaccess.ActionResponseReceived:
		r := c.Action.Response
		if !r.Success() {
			params[tracking.KeyError] = r.Err.String()
			m.tracker.Track(failedEvents[r.Feature], params, tracking.SeverityError)
			return
		}
		switch r.Feature {
		case vehicleaccess.FeatureLockStatus:
			params[tracking.KeyData] = pick(r.Locked, "Locked", "Unlocked")
		case vehicleaccess.FeatureIgnitionStatus:
			params[tracking.KeyData] = pick(r.IgnitionEnabled, "Enabled", "Disabled")
		}
		m.tracker.Track(succeededEvents[r.Feature], params, tracking.SeverityInfo)
	}
}

func (m *Manager) trackTelematics(c telematics.Change) {
	switch c.Action.Kind {
	case telematics.ActionRequestingData:
		if !c.Action.Accepted {
			params := m.defaultParams()
			params[tracking.KeyError] = errQueueFull
			m.tracker.Track(tracking.TelematicsRequestFailed, params, tracking.SeverityError)
		}
	case telematics.ActionResponseReceived:
		for _, r := range c.Action.Responses {
			params := m.defaultParams()
			if r.Err != telematics.ErrorNone || r.Data == nil {
				params[tracking.KeyData] = string(r.Type)
				params[tracking.KeyError] = r.Err.String()
				m.tracker.Track(tracking.TelematicsRequestFailed, params, tracking.SeverityError)
				continue
			}
			params[tracking.KeyData] = map[string]string{
				"type":      string(r.Data.Type),
				"timestamp": r.Data.Timestamp.UTC().Format(time.RFC3339),
				"value":     strconv.FormatFloat(r.Data.Value, 'f', -1, 64),
				"unit":      r.Data.Unit,
			}
			m.tracker.Track(tracking.TelematicsReceived, params, tracking.SeverityInfo)
		}
	}
}

func (m *Manager) trackLocation(c location.Change) {
	params := m.defaultParams()
	switch c.Action.Kind {
	case location.ActionRequestingData:
		if !c.Action.Accepted {
			params[tracking.KeyError] = errQueueFull
			m.tracker.Track(tracking.LocationRequestFailed, params, tracking.SeverityError)
		}
	case location.ActionResponseReceived:
		r := c.Action.Response
		if r.Data == nil {
			params[tracking.KeyError] = r.Err.String()
			m.tracker.Track(tracking.LocationRequestFailed, params, tracking.SeverityError)
			return
		}
		params[tracking.KeyData] = map[string]string{
			"lat":       strconv.FormatFloat(r.Data.Latitude, 'f', -1, 64),
			"long":      strconv.FormatFloat(r.Data.Longitude, 'f', -1, 64),
			"timestamp": r.Data.Timestamp.UTC().Format(time.RFC3339),
			"accuracy":  strconv.FormatFloat(r.Data.Accuracy, 'f', -1, 64),
		}
		m.tracker.Track(tracking.LocationReceived, params, tracking.SeverityInfo)
	}
}

func (m *Manager) trackKeyholder(c keyholder.Change) {
	params := m.keyholderParams()
	switch c.Action.Kind {
	case keyholder.ActionDiscovered:
		info := c.Action.Info
		params[tracking.KeyData] = map[string]any{
			"isCardInserted":     info.CardInserted,
			"activationCount":    info.ActivationCount,
			"batteryChangeCount": info.BatteryChangeCount,
			"batteryVoltage":     info.BatteryVoltage,
		}
		m.tracker.Track(tracking.KeyholderStatusReceived, params, tracking.SeverityInfo)
	case keyholder.ActionFailed:
		params[tracking.KeyError] = c.Action.Failure.String()
		m.tracker.Track(tracking.KeyholderStatusFailed, params, tracking.SeverityError)
	}
}

func errorString(err error, fallback string) string {
	if err == nil {
		return fallback
	}
	return err.Error()
}

func pick(cond bool, yes, no string) string {
	if cond {
		return yes
	}
	return no
}
