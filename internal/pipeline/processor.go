package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dunamismax/canvasflow/internal/domain"
)

const (
	SourceTypeNone      = domain.SourceTypeNone
	SourceTypeLocalFile = domain.SourceTypeLocalFile
)

var (
	ErrUnsupportedSourceType = errors.New("unsupported source_type")
	ErrSourceOutsideRoot     = errors.New("source path escapes the local input directory")
)

// Request is one asynchronous render job.
type Request struct {
	JobID      string
	SourceType string
	ObjectKey  string
	Render     domain.RenderSpec
}

type JobResult struct {
	Output      domain.JobOutput
	SourceBytes int
}

type Fetcher interface {
	Fetch(ctx context.Context, req Request) ([]byte, error)
}

type Emitter interface {
	Emit(ctx context.Context, req Request, res Result) (domain.JobOutput, error)
}

// Processor runs the fetch, render and emit stages of a job.
type Processor struct {
	fetcher    Fetcher
	compositor *Compositor
	emitter    Emitter
}

func NewProcessor(fetcher Fetcher, compositor *Compositor, emitter Emitter) *Processor {
	return &Processor{
		fetcher:    fetcher,
		compositor: compositor,
		emitter:    emitter,
	}
}

func NewLocalProcessor(compositor *Compositor, inputDir, outputDir string) *Processor {
	return NewProcessor(LocalFileFetcher{Root: inputDir}, compositor, LocalFileEmitter{OutputDir: outputDir})
}

func (p *Processor) Process(ctx context.Context, req Request) (JobResult, error) {
	if strings.TrimSpace(req.JobID) == "" {
		return JobResult{}, errors.New("job_id is required")
	}

	target, err := req.Render.Target()
	if err != nil {
		return JobResult{}, fmt.Errorf("render spec: %w", err)
	}

	var source []byte
	if req.Render.NeedsSource() {
		source, err = p.fetcher.Fetch(ctx, req)
		if err != nil {
			return JobResult{}, fmt.Errorf("fetch stage: %w", err)
		}
	}

	rendered, err := p.compositor.Render(ctx, RenderRequest{
		Target:     target,
		Source:     source,
		Background: req.Render.BackgroundColor,
	})
	if err != nil {
		return JobResult{}, fmt.Errorf("render stage mode=%s: %w", target.Mode(), err)
	}

	written, err := p.emitter.Emit(ctx, req, rendered)
	if err != nil {
		return JobResult{}, fmt.Errorf("emit stage: %w", err)
	}

	return JobResult{Output: written, SourceBytes: len(source)}, nil
}

// OutputFor describes a rendered result stored at path.
func OutputFor(path string, res Result) domain.JobOutput {
	return domain.JobOutput{
		Path:      path,
		Format:    string(res.Format),
		MediaType: res.MediaType,
		Bytes:     len(res.Data),
		Width:     res.Placement.CanvasWidth,
		Height:    res.Placement.CanvasHeight,
		Metadata:  res.Placement.Headers(),
	}
}

// LocalFileFetcher reads local_file sources. ObjectKey is a slash-separated
// path relative to Root; absolute paths, ".." segments and symlinks that
// leave Root are rejected.
type LocalFileFetcher struct {
	Root string
}

func (f LocalFileFetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	if !strings.EqualFold(req.SourceType, SourceTypeLocalFile) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.SourceType)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	file, err := f.open(req.ObjectKey)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("read input file %s: %w", req.ObjectKey, err)
	}
	return data, nil
}

// Stat reports the source file's info without reading it.
func (f LocalFileFetcher) Stat(key string) (fs.FileInfo, error) {
	file, err := f.open(key)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return file.Stat()
}

func (f LocalFileFetcher) open(key string) (*os.File, error) {
	if strings.TrimSpace(f.Root) == "" {
		return nil, fmt.Errorf("%w: no local input directory configured", ErrUnsupportedSourceType)
	}
	name := filepath.FromSlash(key)
	if !filepath.IsLocal(name) {
		return nil, fmt.Errorf("%w: %q", ErrSourceOutsideRoot, key)
	}

	root, err := os.OpenRoot(f.Root)
	if err != nil {
		return nil, fmt.Errorf("open local input directory: %w", err)
	}
	defer root.Close()

	file, err := root.Open(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read input file %s: %w", key, err)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrSourceOutsideRoot, key, err)
	}
	return file, nil
}

type LocalFileEmitter struct {
	OutputDir string
}

func (e LocalFileEmitter) Emit(_ context.Context, req Request, res Result) (domain.JobOutput, error) {
	if strings.TrimSpace(e.OutputDir) == "" {
		return domain.JobOutput{}, errors.New("output directory is required")
	}

	jobDir := filepath.Join(e.OutputDir, sanitizePathToken(req.JobID))
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return domain.JobOutput{}, fmt.Errorf("create output dir: %w", err)
	}

	fullPath := filepath.Join(jobDir, outputFilename(res))
	if err := os.WriteFile(fullPath, res.Data, 0o644); err != nil {
		return domain.JobOutput{}, fmt.Errorf("write output file: %w", err)
	}

	return OutputFor(fullPath, res), nil
}

func outputFilename(res Result) string {
	return "render." + res.Format.Extension()
}

func sanitizePathToken(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
