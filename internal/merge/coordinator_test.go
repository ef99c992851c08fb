package merge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/color"
	"path/filepath"
	"strings"
	"testing"

	"github.com/example/cgmerge/internal/locate"
	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"
)

func TestRunSharesDecodedComponents(t *testing.T) {
	h := newHarness(t, "out1 a b\nout2 b c\n", map[string]color.NRGBA{
		"a": opaqueRed,
		"b": halfGreen,
		"c": opaqueBlue,
	})
	summary, err := h.coordinator(t, 4).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Total != 2 || summary.Processed != 2 || summary.Succeeded != 2 || summary.Failed != 0 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if got := h.decodes.Load(); got != 3 {
		t.Fatalf("decodes = %d, want 3 (b shared)", got)
	}
	if summary.Cache.Decodes != 3 || summary.Cache.Entries != 3 {
		t.Fatalf("cache stats = %+v", summary.Cache)
	}
	if diff := cmp.Diff([]string{"out1.png", "out2.png"}, h.outputNames(t)); diff != "" {
		t.Fatalf("outputs mismatch (-want +got):\n%s", diff)
	}
	if px := h.readOutput(t, "out2").NRGBAAt(0, 0); px != opaqueBlue {
		t.Fatalf("out2 pixel = %+v, want %+v", px, opaqueBlue)
	}
	if summary.Manifest != "/game/data/vcglist.csv" {
		t.Fatalf("manifest = %q", summary.Manifest)
	}
}

func TestRunContinuesPastFailedLine(t *testing.T) {
	h := newHarness(t, "ok1 a\nbad a nope\nok2 a\n", map[string]color.NRGBA{"a": opaqueRed})
	summary, err := h.coordinator(t, 2).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Processed != 3 || summary.Succeeded != 2 || summary.Failed != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if diff := cmp.Diff([]string{"bad"}, summary.FailedOutputs); diff != "" {
		t.Fatalf("failed outputs mismatch (-want +got):\n%s", diff)
	}
	if len(h.reporter.failed) != 1 {
		t.Fatalf("expected exactly one failure report, got %d", len(h.reporter.failed))
	}
	if !errors.Is(h.reporter.failed[0].Err, locate.ErrNotFound) {
		t.Fatalf("failure should wrap ErrNotFound: %v", h.reporter.failed[0].Err)
	}
	if diff := cmp.Diff([]string{"ok1.png", "ok2.png"}, h.outputNames(t)); diff != "" {
		t.Fatalf("outputs mismatch (-want +got):\n%s", diff)
	}
}

func TestRunReportsProgressEveryTenLines(t *testing.T) {
	var manifestText strings.Builder
	for i := 0; i < 35; i++ {
		fmt.Fprintf(&manifestText, "ev%02d a\n", i)
	}
	h := newHarness(t, manifestText.String(), map[string]color.NRGBA{"a": opaqueRed})
	summary, err := h.coordinator(t, 3).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Processed != 35 {
		t.Fatalf("processed = %d, want 35", summary.Processed)
	}
	if h.reporter.total != 35 {
		t.Fatalf("reporter total = %d, want 35", h.reporter.total)
	}
	got := map[int64]bool{}
	for _, s := range h.reporter.progress {
		if s.Total != 35 {
			t.Fatalf("snapshot total = %d, want 35", s.Total)
		}
		got[s.Completed] = true
	}
	if diff := cmp.Diff(map[int64]bool{10: true, 20: true, 30: true}, got); diff != "" {
		t.Fatalf("progress points mismatch (-want +got):\n%s", diff)
	}
}

func TestRunOutputsIndependentOfWorkerCount(t *testing.T) {
	manifestText := "x a b\ny b c\nz c a b\nw missing\nv c\n"
	components := map[string]color.NRGBA{"a": opaqueRed, "b": halfGreen, "c": opaqueBlue}

	contents := func(workers int) map[string][]byte {
		h := newHarness(t, manifestText, components)
		if _, err := h.coordinator(t, workers).Run(context.Background()); err != nil {
			t.Fatalf("Run(workers=%d): %v", workers, err)
		}
		out := map[string][]byte{}
		for _, name := range h.outputNames(t) {
			data, err := afero.ReadFile(h.fs, filepath.Join(testOutput, name))
			if err != nil {
				t.Fatalf("read %s: %v", name, err)
			}
			out[name] = data
		}
		return out
	}

	serial := contents(1)
	parallel := contents(8)
	if len(serial) != 4 {
		t.Fatalf("expected 4 outputs, got %d", len(serial))
	}
	for name, data := range serial {
		if !bytes.Equal(data, parallel[name]) {
			t.Fatalf("%s differs between 1 and 8 workers", name)
		}
	}
	if len(parallel) != len(serial) {
		t.Fatalf("output sets differ: %d vs %d", len(serial), len(parallel))
	}
}

func TestRunSkipsBlankLines(t *testing.T) {
	h := newHarness(t, "\r\none a\r\n\r\n   \ntwo a\r\n", map[string]color.NRGBA{"a": opaqueRed})
	summary, err := h.coordinator(t, 1).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Total != 2 || summary.Succeeded != 2 {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestRunMissingManifestIsFatal(t *testing.T) {
	h := newHarness(t, "", map[string]color.NRGBA{"a": opaqueRed})
	_, err := h.coordinator(t, 1).Run(context.Background())
	if !errors.Is(err, ErrManifestNotFound) {
		t.Fatalf("expected ErrManifestNotFound, got %v", err)
	}
	if !strings.Contains(err.Error(), "system.dat") {
		t.Fatalf("error should tell the user what to extract: %v", err)
	}
	if h.reporter.summary != nil {
		t.Fatalf("no summary should be reported for a fatal run")
	}
}

func TestRunMissingRootIsMissingManifest(t *testing.T) {
	for name, indexed := range map[string]bool{"walker": false, "index": true} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, "", nil)
			var locator locate.Locator = h.walker
			if indexed {
				locator = locate.NewIndex(h.walker)
			}
			c, err := NewCoordinator(CoordinatorOptions{
				Fs:           h.fs,
				Locator:      locator,
				Processor:    h.processor(t),
				Reporter:     h.reporter,
				Root:         "/not-extracted-yet",
				ManifestName: "vcglist.csv",
				OutputDir:    "/not-extracted-yet/merged",
				Workers:      1,
			})
			if err != nil {
				t.Fatalf("NewCoordinator: %v", err)
			}
			_, err = c.Run(context.Background())
			if !errors.Is(err, ErrManifestNotFound) {
				t.Fatalf("expected ErrManifestNotFound, got %v", err)
			}
			if !strings.Contains(err.Error(), "system.dat") {
				t.Fatalf("error should tell the user what to extract: %v", err)
			}
			if ok, _ := afero.DirExists(h.fs, "/not-extracted-yet/merged"); ok {
				t.Fatalf("output dir must not be created on a fatal run")
			}
		})
	}
}

func TestRunIgnoresManifestInsideOutputDir(t *testing.T) {
	h := newHarness(t, "", map[string]color.NRGBA{"a": opaqueRed})
	writeFile(t, h.fs, "/game/merged/vcglist.csv", []byte("x a\n"))
	if _, err := h.coordinator(t, 1).Run(context.Background()); !errors.Is(err, ErrManifestNotFound) {
		t.Fatalf("expected ErrManifestNotFound, got %v", err)
	}
}

func TestRunCanceledStartsNoLines(t *testing.T) {
	h := newHarness(t, "one a\ntwo a\n", map[string]color.NRGBA{"a": opaqueRed})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := h.coordinator(t, 2).Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if !summary.Interrupted || summary.Processed != 0 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if h.reporter.summary == nil || !h.reporter.summary.Interrupted {
		t.Fatalf("reporter should receive the interrupted summary")
	}
}

func TestRunFinishesLinesInFlightWhenCanceled(t *testing.T) {
	h := newHarness(t, "one a\ntwo a\nthree a\n", map[string]color.NRGBA{"a": opaqueRed})
	rec := &memRecorder{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.onDecode = cancel

	c, err := NewCoordinator(CoordinatorOptions{
		Fs:           h.fs,
		Locator:      h.walker,
		Processor:    h.processor(t),
		Reporter:     h.reporter,
		Recorder:     rec,
		Root:         testRoot,
		ManifestName: "vcglist.csv",
		Workers:      1,
	})
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	summary, err := c.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if summary.Processed < 1 || summary.Failed != 0 || summary.Succeeded != summary.Processed {
		t.Fatalf("lines already started must complete: %+v", summary)
	}
	if len(h.reporter.failed) != 0 {
		t.Fatalf("no failure lines expected, got %+v", h.reporter.failed)
	}
	for _, r := range rec.results {
		if !r.OK() {
			t.Fatalf("recorded failure for %s: %v", r.Output, r.Err)
		}
	}
	if px := h.readOutput(t, "one").NRGBAAt(0, 0); px != opaqueRed {
		t.Fatalf("one pixel = %+v, want %+v", px, opaqueRed)
	}
}

func TestRunRecordsEveryLine(t *testing.T) {
	h := newHarness(t, "one a\ntwo nope\n", map[string]color.NRGBA{"a": opaqueRed})
	rec := &memRecorder{}
	c, err := NewCoordinator(CoordinatorOptions{
		Fs:           h.fs,
		Locator:      locate.NewIndex(h.walker),
		Processor:    h.processor(t),
		Reporter:     h.reporter,
		Recorder:     rec,
		Root:         testRoot,
		ManifestName: "vcglist.csv",
		Workers:      2,
	})
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	summary, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(rec.results) != 2 {
		t.Fatalf("recorded %d results, want 2", len(rec.results))
	}
	if rec.finished == nil || rec.finished.Succeeded != 1 || rec.finished.Failed != 1 {
		t.Fatalf("unexpected recorded summary %+v", rec.finished)
	}
	if summary.OutputDir != testOutput {
		t.Fatalf("output dir = %q, want %q", summary.OutputDir, testOutput)
	}
	if len(h.reporter.steps) != 1 {
		t.Fatalf("index build should be reported as one step, got %v", h.reporter.steps)
	}
	if _, ok := summary.Phases["index"]; !ok {
		t.Fatalf("expected index phase, got %v", summary.Phases)
	}
}

func TestNewCoordinatorDefaults(t *testing.T) {
	h := newHarness(t, "", nil)
	c, err := NewCoordinator(CoordinatorOptions{
		Locator:      h.walker,
		Processor:    h.processor(t),
		ManifestName: "vcglist.csv",
	})
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	if c.Workers() < 1 {
		t.Fatalf("workers = %d, want >= 1", c.Workers())
	}
	if c.every != DefaultProgressEvery {
		t.Fatalf("every = %d, want %d", c.every, DefaultProgressEvery)
	}
	if _, err := NewCoordinator(CoordinatorOptions{Processor: h.processor(t), ManifestName: "x"}); err == nil {
		t.Fatalf("expected error without locator")
	}
}
