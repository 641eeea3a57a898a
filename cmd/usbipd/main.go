// Command usbipd serves local USB devices to Linux USB/IP clients. See
// spec.md for the wire protocol and CLI surface this implements; the
// kong-parse/logger-setup/ctx.Bind wiring below is adapted from
// cmd/viiper/viiper.go's entrypoint.
package main

import (
	"os"
	"strings"

	"github.com/usbipd-darwin/usbipd/internal/config"
	"github.com/usbipd-darwin/usbipd/internal/configpaths"
	"github.com/usbipd-darwin/usbipd/internal/log"

	"github.com/alecthomas/kong"
	kongtoml "github.com/alecthomas/kong-toml"
	kongyaml "github.com/alecthomas/kong-yaml"
)

// Exit codes per spec.md §6.
const (
	exitSuccess         = 0
	exitGenericFailure  = 1
	exitInvalidArgs     = 2
	exitBackendFailure  = 3
)

func main() {
	userCfg := findUserConfig(os.Args[1:])
	jsonPaths, yamlPaths, tomlPaths := configpaths.ConfigCandidatePaths(userCfg)

	var cli config.CLI
	parser, err := kong.New(&cli,
		kong.Name("usbipd"),
		kong.Description("USB/IP server exposing local USB devices to Linux vhci_hcd clients"),
		kong.UsageOnError(),
		kong.Configuration(kong.JSON, jsonPaths...),
		kong.Configuration(kongyaml.Loader, yamlPaths...),
		kong.Configuration(kongtoml.Loader, tomlPaths...),
	)
	if err != nil {
		os.Stderr.WriteString("usbipd: " + err.Error() + "\n")
		os.Exit(exitGenericFailure)
	}

	ctx, err := parser.Parse(os.Args[1:])
	if err != nil {
		parser.Errorf("%v", err)
		os.Exit(exitInvalidArgs)
	}

	logger, closeFiles, err := log.SetupLogger(cli.Log.Level, cli.Log.File)
	if err != nil {
		os.Stderr.WriteString("usbipd: failed to set up logger: " + err.Error() + "\n")
		os.Exit(exitGenericFailure)
	}
	defer func() {
		for _, c := range closeFiles {
			_ = c.Close()
		}
	}()

	var rawLogger log.RawLogger
	switch {
	case cli.Log.RawFile != "":
		f, err := os.OpenFile(cli.Log.RawFile, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			logger.Error("failed to open raw log file", "file", cli.Log.RawFile, "error", err)
			rawLogger = log.NewRaw(nil)
		} else {
			rawLogger = log.NewRaw(f)
			closeFiles = append(closeFiles, f)
		}
	case cli.Log.Level == "trace":
		rawLogger = log.NewRaw(os.Stdout)
	default:
		rawLogger = log.NewRaw(nil)
	}

	ctx.Bind(logger)
	ctx.BindTo(rawLogger, (*log.RawLogger)(nil))

	if err := ctx.Run(); err != nil {
		logger.Error("command failed", "error", err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps a command failure onto spec.md's exit code scheme. The
// config package prefixes backend-layer failures with "open backend:" or
// "enumerate devices:" (see internal/config/commands.go), which is the only
// signal available here since those errors aren't typed sentinels.
func exitCodeFor(err error) int {
	msg := err.Error()
	if strings.Contains(msg, "open backend:") || strings.Contains(msg, "enumerate devices:") {
		return exitBackendFailure
	}
	return exitGenericFailure
}

func findUserConfig(args []string) string {
	for i := 0; i < len(args); i++ {
		a := args[i]
		if strings.HasPrefix(a, "--config=") {
			return a[len("--config="):]
		}
		if a == "--config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	if v := os.Getenv("USBIPD_CONFIG"); v != "" {
		return v
	}
	return ""
}
