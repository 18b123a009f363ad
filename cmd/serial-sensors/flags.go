package main

import (
	"github.com/spf13/pflag"

	"github.com/banshee-data/serial-sensors/internal/config"
)

// Flags only override the configuration when set, so their defaults are
// left empty and the config getters supply the real ones.

func addPortFlags(fs *pflag.FlagSet) {
	fs.String(config.FlagDevice, "", "Serial device path, e.g. /dev/ttyACM0")
	fs.Int(config.FlagBaud, 0, "Baud rate (default 1000000)")
	addEncodingFlag(fs)
}

func addEncodingFlag(fs *pflag.FlagSet) {
	fs.String(config.FlagEncoding, "", "Encoding for frames that do not specify one: fixed or float")
}

func addFileOutputFlags(fs *pflag.FlagSet) {
	fs.String(config.FlagCSVDir, "", "Directory for per-sensor CSV files")
	fs.String(config.FlagDB, "", "SQLite database recording records and events")
	fs.Int(config.FlagQueueSize, 0, "Per-sink queue capacity")
}

func addLiveOutputFlags(fs *pflag.FlagSet) {
	fs.String(config.FlagRaw, "", "Append raw frames to this archive (gzip when it ends in .gz)")
	fs.String(config.FlagMQTTBroker, "", "MQTT broker URL, e.g. tcp://localhost:1883")
	fs.String(config.FlagMQTTTopic, "", "MQTT topic prefix")
}

func addDebugFlag(fs *pflag.FlagSet) {
	fs.String(config.FlagDebugListen, "", "Serve debug routes on this address")
}
