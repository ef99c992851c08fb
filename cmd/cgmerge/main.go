// main.go bootstraps cgmerge: it builds the root Cobra command, wires profiling, and executes with a signal-aware context.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strings"
	"syscall"
	"time"

	"github.com/example/cgmerge/internal/config"
	"github.com/example/cgmerge/internal/ledger"
	"github.com/example/cgmerge/internal/merge"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "CGMERGE"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	stopProfile := setupProfiling()
	defer stopProfile()

	rootCmd := newRootCommand()
	err := rootCmd.ExecuteContext(ctx)
	handleError(os.Stderr, err)
	if err != nil {
		stopProfile()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := config.NewOptions()
	logLevel := "info"
	cmd := &cobra.Command{
		Use:   "cgmerge",
		Short: "Composite layered CG images listed in vcglist.csv into PNG files",
		Long: `cgmerge finds the manifest (vcglist.csv) anywhere under --root, then for every line
"<output> <layer> <layer> ..." stacks the named layer images bottom to top and writes
<output>.png into --output-dir. Lines are processed in parallel; a line whose layers
cannot be found or decoded is reported and skipped.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return bindViper(cmd.Root(), cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMerge(cmd, opts, logLevel)
		},
	}
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", logLevel, "Log level for cgmerge diagnostics (debug, info, warn, error)")
	opts.BindFlags(cmd.Flags())
	cmd.AddCommand(newVersionCommand(), newReportCommand())
	cmd.Example = `  # Merge everything below the current directory into ./merged
  cgmerge

  # Game extracted elsewhere, keep a ledger of failures
  cgmerge --root ~/games/extracted --report-db ~/games/cgmerge.db

  # Machine-readable summary
  cgmerge --root ./extracted -o json`
	return cmd
}

// bindViper lets CGMERGE_* variables and an optional config file fill every
// flag the user did not set explicitly.
func bindViper(commands ...*cobra.Command) error {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	configFile := os.Getenv(envPrefix + "_CONFIG")
	configureConfigFile(v, configFile)

	seen := map[*pflag.FlagSet]struct{}{}
	var flagSets []*pflag.FlagSet
	for _, cmd := range commands {
		for _, fs := range []*pflag.FlagSet{cmd.Flags(), cmd.PersistentFlags()} {
			if _, ok := seen[fs]; ok {
				continue
			}
			seen[fs] = struct{}{}
			if err := v.BindPFlags(fs); err != nil {
				return err
			}
			flagSets = append(flagSets, fs)
		}
	}
	if err := readConfigFile(v, configFile != ""); err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	var applyErr error
	for _, fs := range flagSets {
		fs.VisitAll(func(f *pflag.Flag) {
			if f.Changed || !v.IsSet(f.Name) || applyErr != nil {
				return
			}
			val := flagValueString(v.Get(f.Name))
			if val == "" {
				return
			}
			if err := f.Value.Set(val); err != nil {
				applyErr = fmt.Errorf("invalid value %q for %s from environment or config: %w", val, f.Name, err)
			}
		})
	}
	return applyErr
}

func flagValueString(raw any) string {
	switch v := raw.(type) {
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, fmt.Sprintf("%v", item))
		}
		return strings.Join(parts, ",")
	case []string:
		return strings.Join(v, ",")
	default:
		return fmt.Sprintf("%v", v)
	}
}

func configureConfigFile(v *viper.Viper, explicitPath string) {
	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
		return
	}
	v.SetConfigName("config")
	for _, dir := range configSearchDirs() {
		v.AddConfigPath(dir)
	}
}

func readConfigFile(v *viper.Viper, strict bool) error {
	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if errors.As(err, &cfgErr) && !strict {
			return nil
		}
		return err
	}
	return nil
}

func configSearchDirs() []string {
	added := make(map[string]struct{})
	var dirs []string
	add := func(path string) {
		if path == "" {
			return
		}
		if _, ok := added[path]; ok {
			return
		}
		added[path] = struct{}{}
		dirs = append(dirs, path)
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		add(filepath.Join(xdg, "cgmerge"))
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		add(filepath.Join(home, ".config", "cgmerge"))
		add(filepath.Join(home, ".cgmerge"))
	}
	return dirs
}

func handleError(w io.Writer, err error) {
	if err == nil || errors.Is(err, pflag.ErrHelp) {
		return
	}
	message := err.Error()
	switch {
	case errors.Is(err, merge.ErrManifestNotFound):
		message = fmt.Sprintf("%s\nHint: point --root at the folder holding the extracted resources, or set --manifest if the list has another name.", err)
	case errors.Is(err, context.Canceled):
		message = fmt.Sprintf("%s\nHint: rerun to finish; existing composites are overwritten.", err)
	case errors.Is(err, ledger.ErrNoRuns):
		message = fmt.Sprintf("%s\nHint: run cgmerge with --report-db first.", err)
	}
	fmt.Fprintf(w, "Error: %s\n", message)
}

func setupProfiling() func() {
	mode := strings.ToLower(os.Getenv(envPrefix + "_PROFILE"))
	if mode != "run" {
		return func() {}
	}
	ts := time.Now().UTC().Format("20060102-150405")
	cpuPath := fmt.Sprintf("cgmerge-%s.cpu.pprof", ts)
	cpuFile, err := os.Create(cpuPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to create CPU profile %s: %v\n", cpuPath, err)
		return func() {}
	}
	if err := pprof.StartCPUProfile(cpuFile); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to start CPU profile: %v\n", err)
		cpuFile.Close()
		return func() {}
	}
	fmt.Fprintf(os.Stderr, "%s_PROFILE=run: writing CPU profile to %s\n", envPrefix, cpuPath)
	memPath := fmt.Sprintf("cgmerge-%s.mem.pprof", ts)
	stopped := false
	return func() {
		if stopped {
			return
		}
		stopped = true
		pprof.StopCPUProfile()
		cpuFile.Close()
		memFile, err := os.Create(memPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warn: unable to create heap profile %s: %v\n", memPath, err)
			return
		}
		defer memFile.Close()
		runtime.GC()
		if err := pprof.WriteHeapProfile(memFile); err != nil {
			fmt.Fprintf(os.Stderr, "warn: unable to write heap profile: %v\n", err)
			return
		}
		fmt.Fprintf(os.Stderr, "%s_PROFILE=run: writing heap profile to %s\n", envPrefix, memPath)
	}
}
