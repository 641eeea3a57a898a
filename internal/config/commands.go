package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"log/slog"

	"github.com/usbipd-darwin/usbipd/internal/backendselect"
	"github.com/usbipd-darwin/usbipd/internal/configpaths"
	"github.com/usbipd-darwin/usbipd/internal/device"
	ulog "github.com/usbipd-darwin/usbipd/internal/log"
	"github.com/usbipd-darwin/usbipd/internal/persistence"
	"github.com/usbipd-darwin/usbipd/internal/session"
	"github.com/usbipd-darwin/usbipd/internal/supervisor"
	"github.com/usbipd-darwin/usbipd/internal/transfer"
)

// busSelector is embedded by bind/unbind/list and carries the state-file path
// they open; the bus_id argument of bind/unbind is declared on those commands.
type busSelector struct {
	StateFilePath string `help:"Path to the persistent bind-record file" default:"/var/lib/usbipd/bindings" env:"USBIPD_STATE_FILE_PATH"`
}

func (b busSelector) open(logger *slog.Logger) (*device.Registry, *persistence.Store, error) {
	store, err := persistence.Open(b.StateFilePath, logger)
	if err != nil {
		return nil, nil, err
	}
	registry := device.New(store, logger)
	return registry, store, nil
}

func enumerateInto(ctx context.Context, registry *device.Registry) error {
	be, err := backendselect.New()
	if err != nil {
		return fmt.Errorf("open backend: %w", err)
	}
	live, err := be.Enumerate(ctx)
	if err != nil {
		return fmt.Errorf("enumerate devices: %w", err)
	}
	registry.ReconcileEnumeration(live)
	return nil
}

// ListCmd prints every known device with its bind/export state.
type ListCmd struct {
	busSelector
}

func (c *ListCmd) Run(logger *slog.Logger) error {
	registry, store, err := c.open(logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := enumerateInto(ctx, registry); err != nil {
		return err
	}

	for _, d := range registry.List() {
		fmt.Printf("%-10s %04x:%04x  %-9s %s\n", d.BusID, d.VendorID, d.ProductID, d.State, d.Product)
	}
	return nil
}

// BindCmd adds a device to the persistent bind set.
type BindCmd struct {
	busSelector
	BusID string `arg:"" help:"bus_id of the device to bind (e.g. 1-1)"`
}

func (c *BindCmd) Run(logger *slog.Logger) error {
	registry, store, err := c.open(logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := enumerateInto(ctx, registry); err != nil {
		return err
	}
	if err := registry.Bind(c.BusID); err != nil {
		return err
	}
	fmt.Printf("bound %s\n", c.BusID)
	return nil
}

// UnbindCmd removes a device from the persistent bind set.
type UnbindCmd struct {
	busSelector
	BusID string `arg:"" help:"bus_id of the device to unbind"`
}

func (c *UnbindCmd) Run(logger *slog.Logger) error {
	registry, store, err := c.open(logger)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := registry.Unbind(c.BusID); err != nil {
		return err
	}
	fmt.Printf("unbound %s\n", c.BusID)
	return nil
}

// DaemonCmd runs the accept loop until interrupted.
type DaemonCmd struct {
	DaemonConfig
	StatusFilePath string `help:"Path the daemon periodically writes its status snapshot to" default:"/var/run/usbipd.status.json" env:"USBIPD_STATUS_FILE_PATH"`
}

func (c *DaemonCmd) Run(logger *slog.Logger, rawLogger ulog.RawLogger) error {
	be, err := backendselect.New()
	if err != nil {
		return fmt.Errorf("open backend: %w", err)
	}

	cfg := supervisor.Config{
		ListenAddr:    c.Addr(),
		StateFilePath: c.StateFilePath,
		Session: session.Config{
			IdleTimeout:      c.ConnectionTimeout,
			TeardownTimeout:  c.TeardownTimeout,
			WriteBufferSize:  256 * 1024,
			WriteFlushPeriod: 2 * time.Millisecond,
		},
		Transfer: transfer.Config{
			MaxInFlightPerDevice: c.MaxInFlightPerDevice,
			MaxTransferBytes:     c.MaxTransferBytes,
			ControlTimeout:       c.ControlTimeout,
			BulkTimeout:          c.BulkTimeout,
			InterruptTimeout:     c.InterruptTimeout,
			IsoTimeout:           c.IsoTimeout,
		},
		Health: healthConfigFrom(c),
	}

	sup, err := supervisor.New(cfg, be, logger, rawLogger)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	go publishStatusPeriodically(ctx, sup, c.StatusFilePath)

	return sup.Run(ctx)
}

// StatusCmd reports the daemon's last published status snapshot.
type StatusCmd struct {
	StatusFilePath string `help:"Path the daemon periodically writes its status snapshot to" default:"/var/run/usbipd.status.json" env:"USBIPD_STATUS_FILE_PATH"`
}

func (c *StatusCmd) Run(logger *slog.Logger) error {
	data, err := os.ReadFile(c.StatusFilePath)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("usbipd is not running (no status file)")
			return nil
		}
		return err
	}
	var st supervisor.Status
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("parse status file: %w", err)
	}

	if term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Printf("running:        %v\n", st.Running)
		fmt.Printf("listen_addr:    %s\n", st.ListenAddr)
		fmt.Printf("devices:        %d\n", st.Devices)
		fmt.Printf("exported:       %d\n", st.ExportedCount)
		fmt.Printf("in_flight_urbs: %d\n", st.InFlightURBs)
		fmt.Printf("health_ok:      %v\n", st.LastHealthOK)
		if st.LastEscalation != "" {
			fmt.Printf("last_escalation: %s\n", st.LastEscalation)
		}
		fmt.Printf("updated_at:     %s\n", st.UpdatedAt.Format(time.RFC3339))
		return nil
	}

	return json.NewEncoder(os.Stdout).Encode(st)
}

// ConfigCmd groups config-template generation, adapted from the teacher's
// internal/cmd.ConfigCommand/ConfigInit: the same reflection-driven
// default-value walk, retargeted at DaemonConfig instead of per-subcommand
// server/proxy structs.
type ConfigCmd struct {
	Init ConfigInit `cmd:"" help:"Generate a configuration template"`
}

type ConfigInit struct {
	Format string `help:"Output format" enum:"json,yaml,toml" default:"json"`
	Output string `help:"Destination file path (defaults to the user config directory)"`
	Force  bool   `help:"Overwrite if the file already exists"`
}

func (c *ConfigInit) Run() error {
	format := normalizeFormat(c.Format)
	if format == "" {
		return fmt.Errorf("unsupported format: %s", c.Format)
	}

	root := buildMapFromStruct(reflect.TypeOf(DaemonConfig{}))

	dest := c.Output
	if dest == "" {
		var err error
		dest, err = configpaths.DefaultConfigPath(format)
		if err != nil {
			return err
		}
	}
	if !c.Force {
		if _, err := os.Stat(dest); err == nil {
			return errors.New("destination exists; use --force to overwrite")
		}
	}
	if err := configpaths.EnsureDir(dest); err != nil {
		return err
	}

	var data []byte
	var err error
	switch format {
	case "json":
		data, err = json.MarshalIndent(root, "", "  ")
	case "yaml":
		data, err = yaml.Marshal(root)
	case "toml":
		data, err = toml.Marshal(root)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(dest, data, 0o644)
}

func normalizeFormat(f string) string {
	switch strings.ToLower(f) {
	case "json":
		return "json"
	case "yaml", "yml":
		return "yaml"
	case "toml":
		return "toml"
	default:
		return ""
	}
}

func lowerSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r - 'A' + 'a')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func buildMapFromStruct(t reflect.Type) map[string]any {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	out := map[string]any{}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() || f.Tag.Get("kong") == "-" {
			continue
		}
		if _, ok := f.Tag.Lookup("embed"); ok {
			prefix := strings.TrimSuffix(f.Tag.Get("prefix"), ".")
			sub := buildMapFromStruct(f.Type)
			if prefix != "" {
				out[prefix] = sub
			} else {
				for k, v := range sub {
					out[k] = v
				}
			}
			continue
		}
		key := lowerSnake(f.Name)
		if val := defaultValueForField(f.Type, f.Tag.Get("default")); val != nil {
			out[key] = val
		}
	}
	return out
}

func defaultValueForField(t reflect.Type, def string) any {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.PkgPath() == "time" && t.Name() == "Duration" {
		if def != "" {
			return def
		}
		return "0s"
	}
	switch t.Kind() {
	case reflect.String:
		return def
	case reflect.Bool:
		b, _ := strconv.ParseBool(def)
		return b
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, _ := strconv.ParseInt(def, 10, 64)
		return n
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, _ := strconv.ParseUint(def, 10, 64)
		return n
	case reflect.Struct:
		return buildMapFromStruct(t)
	default:
		return nil
	}
}
