package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"k8s.io/component-base/featuregate"
	"k8s.io/utils/clock"

	"github.com/autopeer-io/tacs/internal/agent/server"
	"github.com/autopeer-io/tacs/internal/pkg/workqueue"
	"github.com/autopeer-io/tacs/internal/tacs"
	"github.com/autopeer-io/tacs/internal/tacs/keyring"
	"github.com/autopeer-io/tacs/internal/tacs/radio"
	"github.com/autopeer-io/tacs/internal/tacs/tracking"
	"github.com/autopeer-io/tacs/pkg/log"
	"github.com/autopeer-io/tacs/pkg/mqtt"
	"github.com/autopeer-io/tacs/pkg/mqtt/topic"
	"github.com/autopeer-io/tacs/pkg/options"
)

const eventBuffer = 64

type Config struct {
	AgentID string

	HttpOptions     *options.HttpOptions
	MqttOptions     *options.MqttOptions
	S3Options       *options.S3Options
	BLEOptions      *options.BLEOptions
	KeyringOptions  *options.KeyringOptions
	TrackingOptions *options.TrackingOptions

	FeatureGate featuregate.FeatureGate
}

func (cfg *Config) NewAgent() (*Agent, error) {
	source, err := cfg.newKeyringSource()
	if err != nil {
		return nil, fmt.Errorf("failed to init keyring source: %w", err)
	}

	var (
		mc     mqtt.Client
		topics = topic.NewTopicBuilder(cfg.MqttOptions.TopicRoot)
	)
	if cfg.MqttOptions.Enabled {
		if mc, err = cfg.initMqttClient(topics); err != nil {
			return nil, fmt.Errorf("failed to init mqtt client: %w", err)
		}
	}

	sink, err := cfg.newTrackingSink(mc, topics)
	if err != nil {
		return nil, err
	}
	tracker := tracking.Init(sink, tracking.WithLogger(log.Std()))

	device, err := radio.NewDevice(cfg.BLEOptions.Device)
	if err != nil {
		return nil, fmt.Errorf("failed to open bluetooth device: %w", err)
	}

	mcfg := tacs.ConfigFromOptions(cfg.BLEOptions)
	mcfg.AutoConnect = cfg.FeatureGate.Enabled(AutoConnect)

	q := workqueue.New()
	m := tacs.New(q, device.NewCentral(), device.NewCentral(), clock.RealClock{}, mcfg,
		tacs.WithLogger(log.Std()),
		tacs.WithTracker(tracker),
		tacs.WithForeground(cfg.BLEOptions.Foreground),
	)

	bus := NewBus(eventBuffer)
	a := newAgent(cfg.AgentID, q, m, source, cfg.KeyringOptions.AccessGrantID, bus)
	a.closers = append(a.closers,
		q.Stop,
		func() {
			if err := device.Close(); err != nil {
				a.log.Error(err, "Failed to close bluetooth device")
			}
		},
		tracking.Shutdown,
	)

	a.servers.Add(server.NewHTTP(cfg.HttpOptions, a.Handler()))
	if mc != nil {
		a.servers.Add(NewHub(cfg.AgentID, mc, topics, bus, a.Execute, cfg.FeatureGate.Enabled(MQTTCommands)))
	}
	if s, ok := sink.(*tracking.MQTTSink); ok {
		a.servers.Add(server.Func(func(ctx context.Context) error {
			s.Run(ctx)
			return nil
		}))
	}
	if fs, ok := source.(*keyring.FileSource); ok && cfg.KeyringOptions.Watch && cfg.FeatureGate.Enabled(KeyringWatch) {
		a.servers.Add(server.Func(func(ctx context.Context) error {
			return fs.Watch(ctx, a.onKeyringChanged)
		}))
	}

	return a, nil
}

func (a *Agent) onKeyringChanged(kr *keyring.Keyring) {
	if err := a.SetKeyring(kr); err != nil {
		a.log.Error(err, "Failed to re-activate access grant after keyring change")
	}
}

func (cfg *Config) newKeyringSource() (keyring.Source, error) {
	switch cfg.KeyringOptions.Source {
	case options.KeyringSourceFile:
		return keyring.NewFileSource(cfg.KeyringOptions.Path), nil
	case options.KeyringSourceS3:
		return keyring.NewS3Source(cfg.S3Options, cfg.KeyringOptions.ObjectKey)
	}
	return nil, nil
}

func (cfg *Config) newTrackingSink(mc mqtt.Client, topics *topic.TopicBuilder) (tracking.Sink, error) {
	switch cfg.TrackingOptions.Sink {
	case options.TrackingSinkLog:
		return tracking.NewLogSink(log.Std()), nil
	case options.TrackingSinkMQTT:
		if mc == nil {
			return nil, fmt.Errorf("tracking sink %q requires mqtt", options.TrackingSinkMQTT)
		}
		return tracking.NewMQTTSink(mc, topics.Tracking(cfg.AgentID), cfg.TrackingOptions.BufferSize, log.Std()), nil
	}
	return nil, nil
}

func (cfg *Config) initMqttClient(topics *topic.TopicBuilder) (mqtt.Client, error) {
	mqttConfig := cfg.MqttOptions.ToClientConfig()
	if mqttConfig.ClientID == "" {
		mqttConfig.ClientID = fmt.Sprintf("tacs-agent-%s", cfg.AgentID)
	}

	// The broker's reception time dates the will, so it carries no timestamp.
	offlinePayload, _ := json.Marshal(Status{
		AgentID: cfg.AgentID,
		Online:  false,
		Reason:  "UnexpectedDisconnect",
	})

	mqttConfig.WillTopic = topics.Status(cfg.AgentID)
	mqttConfig.WillPayload = offlinePayload
	mqttConfig.WillQoS = 1
	mqttConfig.WillRetain = true

	return mqtt.NewClient(mqttConfig)
}
