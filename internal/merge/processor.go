package merge

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/example/cgmerge/internal/codec"
	"github.com/example/cgmerge/internal/composite"
	"github.com/example/cgmerge/internal/manifest"
	"github.com/go-logr/logr"
	digest "github.com/opencontainers/go-digest"
	"github.com/spf13/afero"
)

// Encoder serializes a composite.
type Encoder interface {
	Encode(w io.Writer, img image.Image) error
}

// ProcessorOptions configure a Processor.
type ProcessorOptions struct {
	Fs        afero.Fs
	Images    ImageSource
	Encoder   Encoder
	OutputDir string
	Logger    logr.Logger
}

// Processor composites a single manifest line and writes the result.
type Processor struct {
	fs        afero.Fs
	images    ImageSource
	encoder   Encoder
	outputDir string
	log       logr.Logger
}

// NewProcessor validates opts and returns a Processor.
func NewProcessor(opts ProcessorOptions) (*Processor, error) {
	if opts.Images == nil {
		return nil, errors.New("merge: image source is required")
	}
	if strings.TrimSpace(opts.OutputDir) == "" {
		return nil, errors.New("merge: output directory is required")
	}
	fsys := opts.Fs
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	enc := opts.Encoder
	if enc == nil {
		enc = codec.NewPNGEncoder(0)
	}
	log := opts.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &Processor{
		fs:        fsys,
		images:    opts.Images,
		encoder:   enc,
		outputDir: opts.OutputDir,
		log:       log,
	}, nil
}

// OutputPath returns where the composite for output is written.
func (p *Processor) OutputPath(output string) string {
	return filepath.Join(p.outputDir, output+"."+codec.OutputExtension)
}

// ProcessLine parses line, resolves every component, stacks them and writes
// the composite. Any failure leaves no output file behind and is returned in
// Result.Err; it never panics or aborts sibling lines.
func (p *Processor) ProcessLine(ctx context.Context, line string) Result {
	start := time.Now()
	res := Result{Line: line}
	fail := func(err error) Result {
		res.Err = err
		res.Duration = time.Since(start)
		p.log.V(1).Info("line failed", "output", res.Output, "components", res.Components, "error", err.Error())
		return res
	}

	entry, err := manifest.ParseLine(line)
	res.Output = entry.Output
	res.Components = entry.Components
	if err != nil {
		return fail(err)
	}
	if filepath.Base(entry.Output) != entry.Output || entry.Output == ".." {
		return fail(fmt.Errorf("%q: %w", entry.Output, ErrUnsafeOutput))
	}

	layers := make([]image.Image, 0, len(entry.Components))
	for _, id := range entry.Components {
		img, err := p.images.Get(ctx, id)
		if err != nil {
			return fail(err)
		}
		layers = append(layers, img)
	}
	canvas, err := composite.Combine(layers)
	if err != nil {
		return fail(err)
	}

	path := p.OutputPath(entry.Output)
	n, dgst, err := p.write(path, canvas)
	if err != nil {
		return fail(err)
	}
	res.Path = path
	res.Bytes = n
	res.Digest = dgst
	res.Duration = time.Since(start)
	p.log.V(2).Info("wrote composite", "output", res.Output, "path", path, "bytes", n)
	return res
}

// write encodes img into a temporary sibling of path and renames it into
// place, so readers never observe a partially written file.
func (p *Processor) write(path string, img image.Image) (int64, digest.Digest, error) {
	tmp, err := afero.TempFile(p.fs, filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return 0, "", fmt.Errorf("create temp output: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = p.fs.Remove(tmp.Name())
		}
	}()

	digester := digest.Canonical.Digester()
	counter := &countingWriter{w: io.MultiWriter(tmp, digester.Hash())}
	buf := bufio.NewWriterSize(counter, 64*1024)
	if err := p.encoder.Encode(buf, img); err != nil {
		tmp.Close()
		return 0, "", err
	}
	if err := buf.Flush(); err != nil {
		tmp.Close()
		return 0, "", fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return 0, "", fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	if err := p.fs.Rename(tmp.Name(), path); err != nil {
		return 0, "", fmt.Errorf("rename into %s: %w", path, err)
	}
	committed = true
	return counter.n, digester.Digest(), nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(b []byte) (int, error) {
	n, err := c.w.Write(b)
	c.n += int64(n)
	return n, err
}
