// File: internal/config/config.go
// Brief: Internal config package implementation for 'config'.

// Package config defines the flag plumbing and runtime options of cgmerge,
// translating Cobra/Viper flag values into a strongly typed struct that the
// merge pipeline consumes.
package config

import (
	"fmt"
	"image/png"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/example/cgmerge/internal/codec"
	"github.com/example/cgmerge/internal/manifest"
	"github.com/mitchellh/go-homedir"
	"github.com/moby/patternmatcher"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const (
	DefaultManifestName  = "vcglist.csv"
	DefaultOutputDir     = "merged"
	DefaultExtension     = "webp"
	DefaultProgressEvery = 10
)

// Options holds all CLI configuration of a merge run.
type Options struct {
	Root             string
	ManifestName     string
	OutputDir        string
	Extension        string
	Workers          int
	ProgressEvery    int
	Exclude          []string
	Index            bool
	ManifestEncoding string
	Compression      string
	ReportDB         string
	OutputFormat     string
	ColorMode        string
	Telemetry        bool

	// Resolved by Validate.
	Encoding         manifest.Encoding
	CompressionLevel png.CompressionLevel
}

// NewOptions returns Options with defaults applied.
func NewOptions() *Options {
	return &Options{
		Root:             ".",
		ManifestName:     DefaultManifestName,
		OutputDir:        DefaultOutputDir,
		Extension:        DefaultExtension,
		ProgressEvery:    DefaultProgressEvery,
		Index:            true,
		ManifestEncoding: string(manifest.EncodingAuto),
		Compression:      "default",
		OutputFormat:     "text",
		ColorMode:        "auto",
		Telemetry:        true,
	}
}

// AddFlags binds configuration flags to the provided Cobra command.
func (o *Options) AddFlags(cmd *cobra.Command) {
	o.BindFlags(cmd.Flags())
}

// BindFlags attaches run flags to fs and returns their names so callers can
// bind them to Viper.
func (o *Options) BindFlags(fs *pflag.FlagSet) []string {
	var names []string
	fs.StringVar(&o.Root, "root", o.Root, "Directory searched recursively for the manifest and component images")
	names = append(names, "root")
	fs.StringVar(&o.ManifestName, "manifest", o.ManifestName, "Manifest file name to search for under --root")
	names = append(names, "manifest")
	fs.StringVar(&o.OutputDir, "output-dir", o.OutputDir, "Directory composites are written to, relative to --root unless absolute")
	names = append(names, "output-dir")
	fs.StringVar(&o.Extension, "ext", o.Extension, "File extension of component images")
	names = append(names, "ext")
	fs.IntVar(&o.Workers, "workers", o.Workers, "Number of lines processed in parallel (0 = one per CPU)")
	names = append(names, "workers")
	fs.IntVar(&o.ProgressEvery, "progress-every", o.ProgressEvery, "Print a progress line after every N processed lines (0 disables)")
	names = append(names, "progress-every")
	fs.StringSliceVar(&o.Exclude, "exclude", o.Exclude, "Directory patterns (relative to --root) skipped while searching; repeat or comma-separate")
	names = append(names, "exclude")
	fs.BoolVar(&o.Index, "index", o.Index, "Walk --root once and index file names instead of searching per component")
	names = append(names, "index")
	fs.StringVar(&o.ManifestEncoding, "manifest-encoding", o.ManifestEncoding, "Manifest text encoding: auto, utf-8, shift-jis")
	names = append(names, "manifest-encoding")
	fs.StringVar(&o.Compression, "compression", o.Compression, "PNG compression: default, none, fast, best")
	names = append(names, "compression")
	fs.StringVar(&o.ReportDB, "report-db", o.ReportDB, "Record every line outcome into this SQLite file")
	names = append(names, "report-db")
	fs.StringVarP(&o.OutputFormat, "output", "o", o.OutputFormat, "Summary format: text, json, yaml")
	names = append(names, "output")
	fs.StringVar(&o.ColorMode, "color", o.ColorMode, "Colorize output: auto, always, never")
	names = append(names, "color")
	fs.BoolVar(&o.Telemetry, "telemetry", o.Telemetry, "Print phase timings and cache counters after the summary")
	names = append(names, "telemetry")
	return names
}

// Validate normalizes options and rejects incoherent values.
func (o *Options) Validate() error {
	root := strings.TrimSpace(o.Root)
	if root == "" {
		root = "."
	}
	expanded, err := homedir.Expand(root)
	if err != nil {
		return fmt.Errorf("expand --root %q: %w", o.Root, err)
	}
	o.Root = filepath.Clean(expanded)

	o.ManifestName = strings.TrimSpace(o.ManifestName)
	if o.ManifestName == "" {
		return fmt.Errorf("--manifest cannot be empty")
	}
	if filepath.Base(o.ManifestName) != o.ManifestName {
		return fmt.Errorf("--manifest %q must be a file name, not a path", o.ManifestName)
	}

	out := strings.TrimSpace(o.OutputDir)
	if out == "" {
		return fmt.Errorf("--output-dir cannot be empty")
	}
	if out, err = homedir.Expand(out); err != nil {
		return fmt.Errorf("expand --output-dir %q: %w", o.OutputDir, err)
	}
	if !filepath.IsAbs(out) {
		out = filepath.Join(o.Root, out)
	}
	o.OutputDir = filepath.Clean(out)

	o.Extension = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(o.Extension)), ".")
	if o.Extension == "" {
		return fmt.Errorf("--ext cannot be empty")
	}
	if strings.ContainsAny(o.Extension, `/\`) {
		return fmt.Errorf("invalid --ext %q", o.Extension)
	}

	if o.Workers < 0 {
		return fmt.Errorf("--workers cannot be negative")
	}
	if o.Workers == 0 {
		o.Workers = runtime.GOMAXPROCS(0)
	}
	if o.ProgressEvery < 0 {
		return fmt.Errorf("--progress-every cannot be negative")
	}

	clean := make([]string, 0, len(o.Exclude))
	for _, pattern := range o.Exclude {
		if p := strings.TrimSpace(pattern); p != "" {
			clean = append(clean, filepath.ToSlash(p))
		}
	}
	if _, err := patternmatcher.New(clean); err != nil {
		return fmt.Errorf("invalid --exclude pattern: %w", err)
	}
	o.Exclude = clean

	if o.Encoding, err = manifest.ParseEncoding(o.ManifestEncoding); err != nil {
		return fmt.Errorf("invalid --manifest-encoding: %w", err)
	}
	o.ManifestEncoding = string(o.Encoding)
	if o.CompressionLevel, err = codec.ParseCompression(o.Compression); err != nil {
		return fmt.Errorf("invalid --compression: %w", err)
	}

	if db := strings.TrimSpace(o.ReportDB); db != "" {
		if o.ReportDB, err = homedir.Expand(db); err != nil {
			return fmt.Errorf("expand --report-db %q: %w", db, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(o.OutputFormat)) {
	case "", "text":
		o.OutputFormat = "text"
	case "json":
		o.OutputFormat = "json"
	case "yaml":
		o.OutputFormat = "yaml"
	default:
		return fmt.Errorf("invalid --output value %q (must be one of: text, json, yaml)", o.OutputFormat)
	}
	switch strings.ToLower(o.ColorMode) {
	case "", "auto":
		o.ColorMode = "auto"
	case "always":
		o.ColorMode = "always"
	case "never":
		o.ColorMode = "never"
	default:
		return fmt.Errorf("invalid --color value %q (allowed: auto, always, never)", o.ColorMode)
	}
	return nil
}

// SkipDirs lists directories the locator must never descend into.
func (o *Options) SkipDirs() []string {
	return []string{o.OutputDir}
}
