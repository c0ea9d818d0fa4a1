package agent

import (
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/component-base/featuregate"
)

const (
	// AutoConnect connects to the vehicle of the active grant as soon as it is discovered.
	AutoConnect featuregate.Feature = "AutoConnect"

	// KeyringWatch re-activates the access grant when the keyring file changes.
	KeyringWatch featuregate.Feature = "KeyringWatch"

	// MQTTCommands accepts commands on the agent's MQTT command topic.
	MQTTCommands featuregate.Feature = "MQTTCommands"
)

var defaultFeatureGates = map[featuregate.Feature]featuregate.FeatureSpec{
	AutoConnect:  {Default: true, PreRelease: featuregate.Beta},
	KeyringWatch: {Default: true, PreRelease: featuregate.Beta},
	MQTTCommands: {Default: false, PreRelease: featuregate.Alpha},
}

// NewFeatureGate returns a gate that knows the agent's features.
func NewFeatureGate() featuregate.MutableFeatureGate {
	fg := featuregate.NewFeatureGate()
	utilruntime.Must(fg.Add(defaultFeatureGates))
	return fg
}
