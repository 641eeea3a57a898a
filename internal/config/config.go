// Package config defines the kong CLI surface of usbipd, grounded on the
// teacher's cmd/viiper/viiper.go + internal/cmd/server.go pattern: an
// embedded-struct CLI tree loaded from JSON/YAML/TOML via kong.Configuration,
// with flags and environment variables overriding file values.
package config

import (
	"net"
	"strconv"
	"time"
)

// CLI is the root of the command tree. Each verb of spec.md §6 gets one
// field; Config groups the template-generation subcommand kept from the
// teacher's internal/cmd/config.go.
type CLI struct {
	List   ListCmd   `cmd:"" help:"List known devices and their bind/export state"`
	Bind   BindCmd   `cmd:"" help:"Add a device to the persistent bind set, making it exportable"`
	Unbind UnbindCmd `cmd:"" help:"Remove a device from the persistent bind set; an export held by a running daemon is not closed"`
	Daemon DaemonCmd `cmd:"" help:"Run the accept loop and serve USB/IP sessions"`
	Status StatusCmd `cmd:"" help:"Report daemon running state, device and export counts, in-flight URB count and last health result (no error counts)"`
	Config ConfigCmd `cmd:"" help:"Generate a configuration file template"`

	ConfigFile string `name:"config" help:"Configuration file to load ahead of the default search paths (format chosen by extension)"`

	Log LogConfig `embed:"" prefix:"log."`
}

// LogConfig controls internal/log.SetupLogger plus the optional raw
// packet-hex tracer, matching the teacher's cli.Log.{Level,File,RawFile}.
type LogConfig struct {
	Level   string `help:"Log level: trace, debug, info, warn, error" default:"info" env:"USBIPD_LOG_LEVEL"`
	File    string `help:"Also write logs to this file; console logs then all go to stderr" env:"USBIPD_LOG_FILE"`
	RawFile string `help:"Write raw wire bytes (hex) to this file for protocol debugging" env:"USBIPD_LOG_RAW_FILE"`
}

// DaemonConfig covers spec.md §6's configuration table. Durations are
// time.Duration values: config files and the generated template use Go
// duration strings (e.g. "2s") under snake_case keys derived from the field
// names (control_timeout etc.); no millisecond-valued *_ms keys are read or
// written.
type DaemonConfig struct {
	ListenAddress string `help:"Address to bind the USB/IP listener to" default:"0.0.0.0" env:"USBIPD_LISTEN_ADDRESS"`
	ListenPort    int    `help:"TCP port to listen on" default:"3240" env:"USBIPD_LISTEN_PORT"`

	MaxInFlightPerDevice int `help:"Maximum in-flight URBs per claimed device" default:"64" env:"USBIPD_MAX_IN_FLIGHT_PER_DEVICE"`
	MaxTransferBytes     int `help:"Maximum single-transfer buffer size in bytes" default:"1048576" env:"USBIPD_MAX_TRANSFER_BYTES"`

	ControlTimeout   time.Duration `help:"Control transfer timeout" default:"2s" env:"USBIPD_CONTROL_TIMEOUT"`
	BulkTimeout      time.Duration `help:"Bulk transfer timeout" default:"10s" env:"USBIPD_BULK_TIMEOUT"`
	InterruptTimeout time.Duration `help:"Interrupt transfer timeout" default:"1s" env:"USBIPD_INTERRUPT_TIMEOUT"`
	IsoTimeout       time.Duration `help:"Isochronous transfer timeout" default:"100ms" env:"USBIPD_ISO_TIMEOUT"`

	StateFilePath string `help:"Path to the persistent bind-record file" default:"/var/lib/usbipd/bindings" env:"USBIPD_STATE_FILE_PATH"`

	HealthCheckInterval time.Duration `help:"Interval between backend liveness probes" default:"30s" env:"USBIPD_HEALTH_CHECK_INTERVAL"`
	TeardownTimeout     time.Duration `help:"Bound on draining in-flight URBs during session teardown" default:"5s" env:"USBIPD_TEARDOWN_TIMEOUT"`
	ConnectionTimeout   time.Duration `help:"Idle read deadline before a management connection is dropped" default:"30s" env:"USBIPD_CONNECTION_TIMEOUT"`
}

// Addr formats ListenAddress/ListenPort the way net.Listen expects.
func (c DaemonConfig) Addr() string {
	return net.JoinHostPort(c.ListenAddress, strconv.Itoa(c.ListenPort))
}
