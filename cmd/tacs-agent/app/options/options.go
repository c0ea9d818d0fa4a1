package options

import (
	"errors"
	"fmt"
	"os"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	cliflag "k8s.io/component-base/cli/flag"
	"k8s.io/component-base/featuregate"

	"github.com/autopeer-io/tacs/internal/agent"
	"github.com/autopeer-io/tacs/pkg/app"
	"github.com/autopeer-io/tacs/pkg/log"
	"github.com/autopeer-io/tacs/pkg/options"
)

type AgentOptions struct {
	// AgentID names the agent on MQTT topics. Defaults to the host name.
	AgentID string `json:"agent-id" mapstructure:"agent-id"`

	HttpOptions     *options.HttpOptions     `json:"http" mapstructure:"http"`
	MqttOptions     *options.MqttOptions     `json:"mqtt" mapstructure:"mqtt"`
	S3Options       *options.S3Options       `json:"s3" mapstructure:"s3"`
	BLEOptions      *options.BLEOptions      `json:"ble" mapstructure:"ble"`
	KeyringOptions  *options.KeyringOptions  `json:"keyring" mapstructure:"keyring"`
	TrackingOptions *options.TrackingOptions `json:"tracking" mapstructure:"tracking"`
	Log             *log.Options             `json:"log" mapstructure:"log"`

	FeatureGate featuregate.MutableFeatureGate `json:"-" mapstructure:"-"`
}

var _ app.NamedFlagSetOptions = (*AgentOptions)(nil)

func NewAgentOptions() *AgentOptions {
	o := &AgentOptions{
		HttpOptions:     options.NewHttpOptions(),
		MqttOptions:     options.NewMqttOptions(),
		S3Options:       options.NewS3Options(),
		BLEOptions:      options.NewBLEOptions(),
		KeyringOptions:  options.NewKeyringOptions(),
		TrackingOptions: options.NewTrackingOptions(),
		Log:             log.NewOptions(),
		FeatureGate:     agent.NewFeatureGate(),
	}
	o.Log.Name = "tacs-agent"

	return o
}

func (o *AgentOptions) Flags() cliflag.NamedFlagSets {
	fss := cliflag.NamedFlagSets{}
	fss.FlagSet("agent").StringVar(&o.AgentID, "agent-id", o.AgentID, "Identity of the agent on MQTT topics. Defaults to the host name.")
	o.FeatureGate.AddFlag(fss.FlagSet("agent"))
	o.BLEOptions.AddFlags(fss.FlagSet("ble"))
	o.KeyringOptions.AddFlags(fss.FlagSet("keyring"))
	o.S3Options.AddFlags(fss.FlagSet("s3"))
	o.HttpOptions.AddFlags(fss.FlagSet("http"))
	o.MqttOptions.AddFlags(fss.FlagSet("mqtt"))
	o.TrackingOptions.AddFlags(fss.FlagSet("tracking"))
	o.Log.AddFlags(fss.FlagSet("log"))
	return fss
}

func (o *AgentOptions) Complete() error {
	if o.AgentID == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("agent-id is not set and the host name is unavailable: %w", err)
		}
		o.AgentID = host
	}
	return nil
}

func (o *AgentOptions) Validate() error {
	errs := []error{}
	if o.AgentID == "" {
		errs = append(errs, errors.New("agent-id must not be empty"))
	}
	errs = append(errs, o.HttpOptions.Validate()...)
	errs = append(errs, o.MqttOptions.Validate()...)
	errs = append(errs, o.BLEOptions.Validate()...)
	errs = append(errs, o.KeyringOptions.Validate()...)
	if o.KeyringOptions.Source == options.KeyringSourceS3 {
		errs = append(errs, o.S3Options.Validate()...)
	}
	errs = append(errs, o.TrackingOptions.Validate()...)
	if o.TrackingOptions.Sink == options.TrackingSinkMQTT && !o.MqttOptions.Enabled {
		errs = append(errs, errors.New("tracking.sink mqtt requires --mqtt.enabled"))
	}
	if o.FeatureGate.Enabled(agent.MQTTCommands) && !o.MqttOptions.Enabled {
		errs = append(errs, fmt.Errorf("feature gate %s requires --mqtt.enabled", agent.MQTTCommands))
	}
	errs = append(errs, o.Log.Validate()...)
	return utilerrors.NewAggregate(errs)
}

func (o *AgentOptions) Config() (*agent.Config, error) {
	return &agent.Config{
		AgentID:         o.AgentID,
		HttpOptions:     o.HttpOptions,
		MqttOptions:     o.MqttOptions,
		S3Options:       o.S3Options,
		BLEOptions:      o.BLEOptions,
		KeyringOptions:  o.KeyringOptions,
		TrackingOptions: o.TrackingOptions,
		FeatureGate:     o.FeatureGate,
	}, nil
}
