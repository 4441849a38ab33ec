package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/dunamismax/canvasflow/internal/domain"
)

const SourceTypeS3Presigned = domain.SourceTypeS3Presigned

// DefaultOutputPrefix is where ObjectStoreEmitter writes unless told otherwise.
const DefaultOutputPrefix = "outputs"

type objectReader interface {
	ReadObject(ctx context.Context, objectKey string) ([]byte, error)
}

type objectWriter interface {
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
}

type ObjectStoreFetcher struct {
	Storage objectReader
}

func (f ObjectStoreFetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	if f.Storage == nil {
		return nil, errors.New("storage client is required")
	}
	if !strings.EqualFold(req.SourceType, SourceTypeS3Presigned) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.SourceType)
	}
	return f.Storage.ReadObject(ctx, req.ObjectKey)
}

type ObjectStoreEmitter struct {
	Storage      objectWriter
	OutputPrefix string
}

func (e ObjectStoreEmitter) Emit(ctx context.Context, req Request, res Result) (domain.JobOutput, error) {
	if e.Storage == nil {
		return domain.JobOutput{}, errors.New("storage client is required")
	}

	objectKey := path.Join(
		defaultOutputPrefix(e.OutputPrefix),
		sanitizePathToken(req.JobID),
		outputFilename(res),
	)

	if err := e.Storage.WriteObject(ctx, objectKey, res.Data, res.MediaType); err != nil {
		return domain.JobOutput{}, err
	}

	return OutputFor(objectKey, res), nil
}

// SourceFetcher routes each job to the fetcher for its source type.
type SourceFetcher struct {
	Local  Fetcher
	Object Fetcher
}

func (f SourceFetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	switch strings.ToLower(req.SourceType) {
	case SourceTypeLocalFile:
		if f.Local != nil {
			return f.Local.Fetch(ctx, req)
		}
	case SourceTypeS3Presigned:
		if f.Object != nil {
			return f.Object.Fetch(ctx, req)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.SourceType)
}

func defaultOutputPrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return DefaultOutputPrefix
	}
	return prefix
}
