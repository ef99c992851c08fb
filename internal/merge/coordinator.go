package merge

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/cgmerge/internal/imagecache"
	"github.com/example/cgmerge/internal/locate"
	"github.com/example/cgmerge/internal/manifest"
	"github.com/example/cgmerge/internal/progress"
	"github.com/example/cgmerge/internal/telemetry"
	"github.com/go-logr/logr"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

// DefaultProgressEvery is how many completed lines separate progress reports.
const DefaultProgressEvery = 10

// CoordinatorOptions configure a Coordinator.
type CoordinatorOptions struct {
	Fs            afero.Fs
	Locator       locate.Locator
	Processor     *Processor
	Images        ImageSource
	Reporter      Reporter
	Recorder      Recorder
	Logger        logr.Logger
	Root          string
	ManifestName  string
	OutputDir     string
	Encoding      manifest.Encoding
	Workers       int
	ProgressEvery int
}

// Coordinator runs a whole manifest through a bounded worker pool.
type Coordinator struct {
	fs        afero.Fs
	locator   locate.Locator
	processor *Processor
	images    ImageSource
	reporter  Reporter
	recorder  Recorder
	log       logr.Logger

	root         string
	manifestName string
	outputDir    string
	encoding     manifest.Encoding
	workers      int
	every        int
}

type indexer interface {
	Build(root string) (int, error)
}

type statser interface {
	Stats() imagecache.Stats
}

// NewCoordinator validates opts and fills defaults: the OS filesystem, one
// worker per CPU and a progress report every DefaultProgressEvery lines.
func NewCoordinator(opts CoordinatorOptions) (*Coordinator, error) {
	if opts.Locator == nil {
		return nil, errors.New("merge: locator is required")
	}
	if opts.Processor == nil {
		return nil, errors.New("merge: processor is required")
	}
	if opts.ManifestName == "" {
		return nil, errors.New("merge: manifest name is required")
	}
	c := &Coordinator{
		fs:           opts.Fs,
		locator:      opts.Locator,
		processor:    opts.Processor,
		images:       opts.Images,
		reporter:     opts.Reporter,
		recorder:     opts.Recorder,
		log:          opts.Logger,
		root:         opts.Root,
		manifestName: opts.ManifestName,
		outputDir:    opts.OutputDir,
		encoding:     opts.Encoding,
		workers:      opts.Workers,
		every:        opts.ProgressEvery,
	}
	if c.fs == nil {
		c.fs = afero.NewOsFs()
	}
	if c.images == nil {
		c.images = opts.Processor.images
	}
	if c.reporter == nil {
		c.reporter = nopReporter{}
	}
	if c.log.GetSink() == nil {
		c.log = logr.Discard()
	}
	if c.outputDir == "" {
		c.outputDir = opts.Processor.outputDir
	}
	if c.workers <= 0 {
		c.workers = runtime.GOMAXPROCS(0)
	}
	if c.every == 0 {
		c.every = DefaultProgressEvery
	}
	return c, nil
}

// Workers returns the resolved pool size.
func (c *Coordinator) Workers() int {
	return c.workers
}

// Run locates and reads the manifest, processes every line and returns the
// totals. Only a missing or unreadable manifest, or an output directory that
// cannot be created, fails the run; per-line failures are counted in the
// Summary. When ctx is canceled no further lines are started and the partial
// Summary is returned together with ctx.Err().
func (c *Coordinator) Run(ctx context.Context) (Summary, error) {
	timer := telemetry.NewPhaseTimer()
	start := time.Now()
	summary := Summary{OutputDir: c.outputDir, Workers: c.workers}

	if ix, ok := c.locator.(indexer); ok {
		done := c.reporter.Step(fmt.Sprintf("Indexing %s", c.root))
		var files int
		err := timer.Track("index", func() error {
			var err error
			files, err = ix.Build(c.root)
			return err
		})
		done(err == nil)
		if errors.Is(err, fs.ErrNotExist) {
			return summary, c.manifestNotFound(err)
		}
		if err != nil {
			return summary, fmt.Errorf("index %s: %w", c.root, err)
		}
		c.log.V(1).Info("indexed search root", "root", c.root, "names", files)
	}

	var lines []string
	err := timer.Track("manifest", func() error {
		path, err := c.findManifest()
		if err != nil {
			return err
		}
		summary.Manifest = path
		lines, err = c.readManifest(path)
		return err
	})
	if err != nil {
		return summary, err
	}
	summary.Total = len(lines)
	c.log.V(1).Info("manifest loaded", "path", summary.Manifest, "lines", len(lines))
	c.reporter.Start(len(lines))

	if err := c.fs.MkdirAll(c.outputDir, 0o755); err != nil {
		return summary, fmt.Errorf("create output directory %s: %w", c.outputDir, err)
	}

	acc := &tally{}
	var counter progress.Counter
	_ = timer.Track("composite", func() error {
		c.dispatch(ctx, lines, &counter, start, acc)
		return nil
	})

	summary.Processed = counter.Load()
	summary.Succeeded = acc.succeeded.Load()
	summary.Failed = acc.failed.Load()
	summary.BytesWritten = acc.bytes.Load()
	summary.FailedOutputs = acc.failedOutputs()
	if s, ok := c.images.(statser); ok {
		summary.Cache = s.Stats()
	}
	summary.Elapsed = time.Since(start)
	summary.ElapsedSeconds = summary.Elapsed.Seconds()
	summary.Phases = timer.Snapshot()
	summary.Interrupted = ctx.Err() != nil

	if c.recorder != nil {
		if err := c.recorder.Finish(context.WithoutCancel(ctx), summary); err != nil {
			c.log.Error(err, "record run summary")
		}
	}
	c.reporter.Finish(summary)
	return summary, ctx.Err()
}

func (c *Coordinator) findManifest() (string, error) {
	path, err := c.locator.Locate(c.root, c.manifestName)
	if err == nil {
		return path, nil
	}
	if errors.Is(err, locate.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return "", c.manifestNotFound(err)
	}
	return "", fmt.Errorf("locate %s: %w", c.manifestName, err)
}

// manifestNotFound covers both an empty search and a root that does not exist.
func (c *Coordinator) manifestNotFound(cause error) error {
	return fmt.Errorf("%w: failed to find %s in any subdirectory of %s;\n"+
		"extract system.dat and the other resources into this folder, then rerun (%w)", ErrManifestNotFound, c.manifestName, c.root, cause)
}

func (c *Coordinator) readManifest(path string) ([]string, error) {
	f, err := c.fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()
	return manifest.Read(f, c.encoding)
}

// dispatch stops starting lines once ctx is done; lines already started run
// to completion.
func (c *Coordinator) dispatch(ctx context.Context, lines []string, counter *progress.Counter, start time.Time, acc *tally) {
	total := int64(len(lines))
	lineCtx := context.WithoutCancel(ctx)
	var g errgroup.Group
	g.SetLimit(c.workers)
	for _, line := range lines {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			res := c.processor.ProcessLine(lineCtx, line)
			acc.add(res)
			if !res.OK() {
				c.reporter.LineFailed(res)
			}
			if c.recorder != nil {
				if err := c.recorder.Record(lineCtx, res); err != nil {
					c.log.Error(err, "record line", "output", res.Output)
				}
			}
			n := counter.Inc()
			if progress.Due(n, c.every) {
				c.reporter.Progress(progress.Measure(n, total, time.Since(start)))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// tally aggregates line results across workers.
type tally struct {
	succeeded atomic.Int64
	failed    atomic.Int64
	bytes     atomic.Int64

	mu    sync.Mutex
	names []string
}

func (t *tally) add(r Result) {
	if r.OK() {
		t.succeeded.Add(1)
		t.bytes.Add(r.Bytes)
		return
	}
	t.failed.Add(1)
	name := r.Output
	if name == "" {
		name = r.Line
	}
	t.mu.Lock()
	t.names = append(t.names, name)
	t.mu.Unlock()
}

func (t *tally) failedOutputs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.names) == 0 {
		return nil
	}
	out := append([]string(nil), t.names...)
	sort.Strings(out)
	return out
}
