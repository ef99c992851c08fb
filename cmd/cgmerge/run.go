package main

import (
	"errors"
	"fmt"

	"github.com/example/cgmerge/internal/codec"
	"github.com/example/cgmerge/internal/config"
	"github.com/example/cgmerge/internal/imagecache"
	"github.com/example/cgmerge/internal/ledger"
	"github.com/example/cgmerge/internal/locate"
	"github.com/example/cgmerge/internal/logging"
	"github.com/example/cgmerge/internal/merge"
	"github.com/example/cgmerge/internal/ui"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

func runMerge(cmd *cobra.Command, opts *config.Options, logLevel string) (err error) {
	if err := opts.Validate(); err != nil {
		return err
	}
	if err := ui.SetColorMode(opts.ColorMode); err != nil {
		return err
	}
	logger, err := logging.New(logLevel, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	logger.V(1).Info("starting run", "root", opts.Root, "outputDir", opts.OutputDir, "workers", opts.Workers, "index", opts.Index)

	fsys := afero.NewOsFs()
	walker, err := locate.NewWalker(fsys, locate.Options{Exclude: opts.Exclude, SkipDirs: opts.SkipDirs()})
	if err != nil {
		return err
	}
	var locator locate.Locator = walker
	if opts.Index {
		locator = locate.NewIndex(walker)
	}
	cache, err := imagecache.New(imagecache.Options{
		Fs:        fsys,
		Locator:   locator,
		Root:      opts.Root,
		Extension: opts.Extension,
	})
	if err != nil {
		return err
	}
	processor, err := merge.NewProcessor(merge.ProcessorOptions{
		Fs:        fsys,
		Images:    cache,
		Encoder:   codec.NewPNGEncoder(opts.CompressionLevel),
		OutputDir: opts.OutputDir,
		Logger:    logger.WithName("merge"),
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	consoleOut := out
	if opts.OutputFormat != ui.OutputText {
		consoleOut = cmd.ErrOrStderr()
	}
	width, _ := ui.TerminalWidth(consoleOut)
	console := ui.NewConsole(consoleOut, ui.ConsoleOptions{
		Width:     width,
		Spinner:   ui.IsTerminal(consoleOut),
		Telemetry: opts.Telemetry,
	})

	var recorder merge.Recorder
	if opts.ReportDB != "" {
		writer, err := ledger.New(opts.ReportDB)
		if err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, writer.Close())
		}()
		logger.V(1).Info("recording run", "ledger", opts.ReportDB, "run", writer.RunID())
		recorder = writer
	}

	every := opts.ProgressEvery
	if every == 0 {
		every = -1
	}
	coordinator, err := merge.NewCoordinator(merge.CoordinatorOptions{
		Fs:            fsys,
		Locator:       locator,
		Processor:     processor,
		Images:        cache,
		Reporter:      console,
		Recorder:      recorder,
		Logger:        logger.WithName("run"),
		Root:          opts.Root,
		ManifestName:  opts.ManifestName,
		OutputDir:     opts.OutputDir,
		Encoding:      opts.Encoding,
		Workers:       opts.Workers,
		ProgressEvery: every,
	})
	if err != nil {
		return err
	}

	summary, runErr := coordinator.Run(cmd.Context())
	if runErr != nil && !summary.Interrupted {
		return runErr
	}
	if opts.OutputFormat != ui.OutputText {
		if err := ui.WriteSummary(out, opts.OutputFormat, summary); err != nil {
			return err
		}
	}
	if runErr != nil {
		return fmt.Errorf("interrupted after %d of %d lines: %w", summary.Processed, summary.Total, runErr)
	}
	return nil
}
