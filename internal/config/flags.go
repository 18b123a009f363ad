package config

import (
	"fmt"

	"github.com/spf13/pflag"
)

// Flag names shared by the CLI and ApplyFlags.
const (
	FlagDevice      = "device"
	FlagBaud        = "baud"
	FlagEncoding    = "encoding"
	FlagCSVDir      = "csv-dir"
	FlagRaw         = "raw"
	FlagDB          = "db"
	FlagMQTTBroker  = "mqtt-broker"
	FlagMQTTTopic   = "mqtt-topic-prefix"
	FlagDebugListen = "debug-listen"
	FlagQueueSize   = "queue-size"
)

// ApplyFlags overrides file values with every flag in fs that was set on
// the command line, then validates the result.
func (c *Config) ApplyFlags(fs *pflag.FlagSet) error {
	var err error
	fs.Visit(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		switch f.Name {
		case FlagDevice:
			c.Port.Device = ptrString(f.Value.String())
		case FlagBaud:
			var v int
			if v, err = fs.GetInt(f.Name); err == nil {
				c.Port.BaudRate = ptrInt(v)
			}
		case FlagEncoding:
			c.Pipeline.DefaultEncoding = ptrString(f.Value.String())
		case FlagCSVDir:
			c.Output.CSVDir = ptrString(f.Value.String())
		case FlagRaw:
			c.Output.RawPath = ptrString(f.Value.String())
		case FlagDB:
			c.Output.DBPath = ptrString(f.Value.String())
		case FlagMQTTBroker:
			c.MQTT.Broker = ptrString(f.Value.String())
		case FlagMQTTTopic:
			c.MQTT.TopicPrefix = ptrString(f.Value.String())
		case FlagDebugListen:
			c.Debug.Listen = ptrString(f.Value.String())
		case FlagQueueSize:
			var v int
			if v, err = fs.GetInt(f.Name); err == nil {
				c.Pipeline.QueueSize = ptrInt(v)
			}
		}
	})
	if err != nil {
		return fmt.Errorf("apply flags: %w", err)
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
