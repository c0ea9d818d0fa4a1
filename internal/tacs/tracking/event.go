package tracking

// Event names a tracked occurrence.
type Event string

const (
	InterfaceInitialized Event = "interfaceInitialized"
	AccessGrantAccepted  Event = "accessGrantAccepted"
	AccessGrantRejected  Event = "accessGrantRejected"

	DiscoveryStartedByApp   Event = "discoveryStartedByApp"
	DiscoveryStarted        Event = "discoveryStarted"
	DiscoveryCancelledByApp Event = "discoveryCancelledbyApp"
	DiscoveryStopped        Event = "discoveryStopped"
	DiscoverySuccessful     Event = "discoverySuccessful"
	DiscoveryFailed         Event = "discoveryFailed"
	DiscoveryDisconnected   Event = "discoveryDisconnected"
	DiscoveryLost           Event = "discoveryLost"

	ConnectionStartedByApp   Event = "connectionStartedByApp"
	ConnectionStarted        Event = "connectionStarted"
	ConnectionEstablished    Event = "connectionEstablished"
	ConnectionFailed         Event = "connectionFailed"
	ConnectionCancelledByApp Event = "connectionCancelledByApp"
	ConnectionDisconnected   Event = "connectionDisconnected"

	DoorsLockRequested     Event = "doorsLockRequested"
	DoorsLocked            Event = "doorsLocked"
	DoorsLockFailed        Event = "doorsLockFailed"
	DoorsUnlockRequested   Event = "doorsUnlockRequested"
	DoorsUnlocked          Event = "doorsUnlocked"
	DoorsUnlockFailed      Event = "doorsUnlockFailed"
	EngineEnableRequested  Event = "engineEnableRequested"
	EngineEnabled          Event = "engineEnabled"
	EngineEnableFailed     Event = "engineEnableFailed"
	EngineDisableRequested Event = "engineDisableRequested"
	EngineDisabled         Event = "engineDisabled"
	EngineDisableFailed    Event = "engineDisableFailed"
	DoorsStatusRequested   Event = "doorsStatusRequested"
	DoorsStatusReceived    Event = "doorsStatusReceived"
	DoorsStatusFailed      Event = "doorsStatusFailed"
	EngineStatusRequested  Event = "engineStatusRequested"
	EngineStatusReceived   Event = "engineStatusReceived"
	EngineStatusFailed     Event = "engineStatusFailed"

	TelematicsRequested     Event = "telematicsRequested"
	TelematicsReceived      Event = "telematicsReceived"
	TelematicsRequestFailed Event = "telematicsRequestFailed"

	LocationRequested     Event = "locationRequested"
	LocationReceived      Event = "locationReceived"
	LocationRequestFailed Event = "locationRequestFailed"

	KeyholderStatusRequested Event = "keyholderStatusRequested"
	KeyholderStatusReceived  Event = "keyholderStatusReceived"
	KeyholderStatusFailed    Event = "keyholderStatusFailed"
)

type Group string

const (
	GroupSetup         Group = "Setup"
	GroupDiscovery     Group = "Discovery"
	GroupConnection    Group = "Connection"
	GroupVehicleAccess Group = "VehicleAccess"
	GroupTelematics    Group = "Telematics"
	GroupLocation      Group = "Location"
	GroupKeyholder     Group = "Keyholder"
)

type eventInfo struct {
	group   Group
	message string
}

var events = map[Event]eventInfo{
	InterfaceInitialized: {GroupSetup, "Interface initialized"},
	AccessGrantAccepted:  {GroupSetup, "Access grant is accepted"},
	AccessGrantRejected:  {GroupSetup, "Access grant is rejected"},

	DiscoveryStartedByApp:   {GroupDiscovery, "Discovery was started by App"},
	DiscoveryStarted:        {GroupDiscovery, "Discovery was started"},
	DiscoveryCancelledByApp: {GroupDiscovery, "Discovery was cancelled by App"},
	DiscoveryStopped:        {GroupDiscovery, "Discovery was stopped"},
	DiscoverySuccessful:     {GroupDiscovery, "Discovery was successful"},
	DiscoveryFailed:         {GroupDiscovery, "Failure in discovering"},
	DiscoveryDisconnected:   {GroupDiscovery, "Discovery was disconnected"},
	DiscoveryLost:           {GroupDiscovery, "Discovery was lost"},

	ConnectionStartedByApp:   {GroupConnection, "Connection requested by App"},
	ConnectionStarted:        {GroupConnection, "Connection requested"},
	ConnectionEstablished:    {GroupConnection, "Connection is established"},
	ConnectionFailed:         {GroupConnection, "Failure in connecting"},
	ConnectionCancelledByApp: {GroupConnection, "Connection is cancelled by App"},
	ConnectionDisconnected:   {GroupConnection, "Connection is disconnected"},

	DoorsLockRequested:     {GroupVehicleAccess, "Door lock was requested"},
	DoorsLocked:            {GroupVehicleAccess, "Door is locked"},
	DoorsLockFailed:        {GroupVehicleAccess, "Failure in locking door"},
	DoorsUnlockRequested:   {GroupVehicleAccess, "Door unlock was requested"},
	DoorsUnlocked:          {GroupVehicleAccess, "Door is unlocked"},
	DoorsUnlockFailed:      {GroupVehicleAccess, "Failure in unlocking door"},
	EngineEnableRequested:  {GroupVehicleAccess, "Engine enable was requested"},
	EngineEnabled:          {GroupVehicleAccess, "Engine is enabled"},
	EngineEnableFailed:     {GroupVehicleAccess, "Failure in engine enabling"},
	EngineDisableRequested: {GroupVehicleAccess, "Engine disable was requested"},
	EngineDisabled:         {GroupVehicleAccess, "Engine is disabled"},
	EngineDisableFailed:    {GroupVehicleAccess, "Failure in engine disabling"},
	DoorsStatusRequested:   {GroupVehicleAccess, "Door status is requested"},
	DoorsStatusReceived:    {GroupVehicleAccess, "Door status is received"},
	DoorsStatusFailed:      {GroupVehicleAccess, "Failure in fetching door status"},
	EngineStatusRequested:  {GroupVehicleAccess, "Engine status is requested"},
	EngineStatusReceived:   {GroupVehicleAccess, "Engine status is received"},
	EngineStatusFailed:     {GroupVehicleAccess, "Failure in fetching engine status"},

	TelematicsRequested:     {GroupTelematics, "Telematics data is requested"},
	TelematicsReceived:      {GroupTelematics, "Telematics data is received"},
	TelematicsRequestFailed: {GroupTelematics, "Failure in fetching telematics data"},

	LocationRequested:     {GroupLocation, "Location data is requested"},
	LocationReceived:      {GroupLocation, "Location data is received"},
	LocationRequestFailed: {GroupLocation, "Failure in fetching location data"},

	KeyholderStatusRequested: {GroupKeyholder, "Keyholder status is requested"},
	KeyholderStatusReceived:  {GroupKeyholder, "Keyholder status is received"},
	KeyholderStatusFailed:    {GroupKeyholder, "Failure in fetching keyholder status"},
}

// Group returns the group of e, empty for unknown events.
func (e Event) Group() Group { return events[e].group }

// Message is the human readable description of e.
func (e Event) Message() string { return events[e].message }

// Parameter keys.
const (
	KeyGroup         = "group"
	KeyMessage       = "message"
	KeyTimestamp     = "timestamp"
	KeySorcID        = "sorcID"
	KeySorcIDs       = "sorcIDs"
	KeyVehicleRef    = "vehicleRef"
	KeyKeyholderID   = "keyholderID"
	KeyAccessGrantID = "accessGrantID"
	KeyLeaseTokenID  = "leaseTokenID"
	KeyError         = "error"
	KeyTimeout       = "timeout"
	KeyData          = "data"
)

// Severity of a tracked event. Higher is more severe.
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	}
	return "unknown"
}

// ParseSeverity maps a severity name, defaulting to info.
func ParseSeverity(s string) Severity {
	switch s {
	case "debug":
		return SeverityDebug
	case "warning", "warn":
		return SeverityWarning
	case "error":
		return SeverityError
	}
	return SeverityInfo
}
