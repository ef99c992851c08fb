// Package merge turns manifest lines into composite images: the Processor
// handles one line, the Coordinator fans a whole manifest out to workers.
package merge

import (
	"context"
	"errors"
	"image"
	"time"

	"github.com/example/cgmerge/internal/imagecache"
	"github.com/example/cgmerge/internal/progress"
	digest "github.com/opencontainers/go-digest"
)

var (
	// ErrManifestNotFound aborts a run before any line is processed.
	ErrManifestNotFound = errors.New("manifest not found")
	// ErrUnsafeOutput rejects output identifiers that would leave the output directory.
	ErrUnsafeOutput = errors.New("output identifier is not a plain file name")
)

// ImageSource hands out decoded components by identifier.
type ImageSource interface {
	Get(ctx context.Context, id string) (*image.NRGBA, error)
}

// Reporter receives user-facing run events. Implementations must be safe for
// concurrent use; Progress and LineFailed are called from worker goroutines.
type Reporter interface {
	Start(total int)
	Step(message string) func(success bool)
	Progress(s progress.Snapshot)
	LineFailed(r Result)
	Finish(s Summary)
}

// Recorder persists per-line results, e.g. into a run ledger.
type Recorder interface {
	Record(ctx context.Context, r Result) error
	Finish(ctx context.Context, s Summary) error
}

// Result is the outcome of one manifest line.
type Result struct {
	Line       string
	Output     string
	Components []string
	Path       string
	Bytes      int64
	Digest     digest.Digest
	Duration   time.Duration
	Err        error
}

// OK reports whether an output file was written.
func (r Result) OK() bool {
	return r.Err == nil
}

// Summary totals a run.
type Summary struct {
	Manifest       string                   `json:"manifest"`
	OutputDir      string                   `json:"outputDir"`
	Total          int                      `json:"total"`
	Processed      int64                    `json:"processed"`
	Succeeded      int64                    `json:"succeeded"`
	Failed         int64                    `json:"failed"`
	BytesWritten   int64                    `json:"bytesWritten"`
	ElapsedSeconds float64                  `json:"elapsedSeconds"`
	Workers        int                      `json:"workers"`
	Cache          imagecache.Stats         `json:"cache"`
	FailedOutputs  []string                 `json:"failedOutputs,omitempty"`
	Interrupted    bool                     `json:"interrupted,omitempty"`
	Elapsed        time.Duration            `json:"-"`
	Phases         map[string]time.Duration `json:"-"`
}

type nopReporter struct{}

func (nopReporter) Start(int) {}
func (nopReporter) Step(string) func(bool) { return func(bool) {} }
func (nopReporter) Progress(progress.Snapshot) {}
func (nopReporter) LineFailed(Result) {}
func (nopReporter) Finish(Summary) {}
