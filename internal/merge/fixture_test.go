package merge

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/example/cgmerge/internal/codec"
	"github.com/example/cgmerge/internal/imagecache"
	"github.com/example/cgmerge/internal/locate"
	"github.com/example/cgmerge/internal/progress"
	"github.com/spf13/afero"
)

const (
	testRoot   = "/game"
	testOutput = "/game/merged"
)

var (
	opaqueRed  = color.NRGBA{R: 255, A: 255}
	opaqueBlue = color.NRGBA{B: 255, A: 255}
	halfGreen  = color.NRGBA{G: 255, A: 128}
)

type harness struct {
	fs       afero.Fs
	decodes  atomic.Int64
	onDecode func()
	cache    *imagecache.Cache
	walker   *locate.Walker
	reporter *recordingReporter
}

func newHarness(t *testing.T, manifestText string, components map[string]color.NRGBA) *harness {
	t.Helper()
	h := &harness{fs: afero.NewMemMapFs(), reporter: &recordingReporter{}}
	if manifestText != "" {
		writeFile(t, h.fs, "/game/data/vcglist.csv", []byte(manifestText))
	}
	for id, c := range components {
		writeFile(t, h.fs, "/game/cg/"+id+".png", solidPNG(t, c))
	}
	walker, err := locate.NewWalker(h.fs, locate.Options{SkipDirs: []string{testOutput}})
	if err != nil {
		t.Fatalf("NewWalker: %v", err)
	}
	h.walker = walker
	cache, err := imagecache.New(imagecache.Options{
		Fs:        h.fs,
		Locator:   walker,
		Root:      testRoot,
		Extension: "png",
		Decode: func(r io.Reader) (image.Image, codec.Format, error) {
			h.decodes.Add(1)
			if h.onDecode != nil {
				h.onDecode()
			}
			return codec.Decode(r)
		},
	})
	if err != nil {
		t.Fatalf("imagecache.New: %v", err)
	}
	h.cache = cache
	return h
}

func (h *harness) processor(t *testing.T) *Processor {
	t.Helper()
	p, err := NewProcessor(ProcessorOptions{Fs: h.fs, Images: h.cache, OutputDir: testOutput})
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}
	if err := h.fs.MkdirAll(testOutput, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	return p
}

func (h *harness) coordinator(t *testing.T, workers int) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(CoordinatorOptions{
		Fs:           h.fs,
		Locator:      h.walker,
		Processor:    h.processor(t),
		Reporter:     h.reporter,
		Root:         testRoot,
		ManifestName: "vcglist.csv",
		OutputDir:    testOutput,
		Workers:      workers,
	})
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	return c
}

func (h *harness) readOutput(t *testing.T, output string) *image.NRGBA {
	t.Helper()
	f, err := h.fs.Open(filepath.Join(testOutput, output+".png"))
	if err != nil {
		t.Fatalf("open output %s: %v", output, err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		t.Fatalf("decode output %s: %v", output, err)
	}
	return codec.ToNRGBA(img)
}

func (h *harness) outputNames(t *testing.T) []string {
	t.Helper()
	entries, err := afero.ReadDir(h.fs, testOutput)
	if err != nil {
		t.Fatalf("read output dir: %v", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func writeFile(t *testing.T, fsys afero.Fs, name string, data []byte) {
	t.Helper()
	if err := afero.WriteFile(fsys, name, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func solidPNG(t *testing.T, c color.NRGBA) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 4, 3))
	for y := 0; y < 3; y++ {
		for x := 0; x < 4; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

type recordingReporter struct {
	mu       sync.Mutex
	total    int
	steps    []string
	progress []progress.Snapshot
	failed   []Result
	summary  *Summary
}

func (r *recordingReporter) Start(total int) {
	r.mu.Lock()
	r.total = total
	r.mu.Unlock()
}

func (r *recordingReporter) Step(message string) func(bool) {
	r.mu.Lock()
	r.steps = append(r.steps, message)
	r.mu.Unlock()
	return func(bool) {}
}

func (r *recordingReporter) Progress(s progress.Snapshot) {
	r.mu.Lock()
	r.progress = append(r.progress, s)
	r.mu.Unlock()
}

func (r *recordingReporter) LineFailed(res Result) {
	r.mu.Lock()
	r.failed = append(r.failed, res)
	r.mu.Unlock()
}

func (r *recordingReporter) Finish(s Summary) {
	r.mu.Lock()
	r.summary = &s
	r.mu.Unlock()
}

type memRecorder struct {
	mu       sync.Mutex
	results  []Result
	finished *Summary
}

func (m *memRecorder) Record(_ context.Context, r Result) error {
	m.mu.Lock()
	m.results = append(m.results, r)
	m.mu.Unlock()
	return nil
}

func (m *memRecorder) Finish(_ context.Context, s Summary) error {
	m.mu.Lock()
	m.finished = &s
	m.mu.Unlock()
	return nil
}
