package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"taskpool/internal/domain"
	"taskpool/internal/rpc"
	"taskpool/internal/tasks"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// FetchRequest describes a model archive to download and unpack.
type FetchRequest struct {
	URL string
	// Archive is where the download is stored. Defaults to the URL's file
	// name inside Dest.
	Archive     string
	Dest        string
	KeepArchive bool
}

// FetchResult summarizes a completed fetch.
type FetchResult struct {
	Archive string `json:"archive"`
	Bytes   int64  `json:"bytes"`
	Files   int    `json:"files"`
	Removed bool   `json:"archive_removed"`
}

// ModelFetchService downloads a model archive and extracts it, running both
// steps on the worker pool.
type ModelFetchService struct {
	dispatcher domain.Dispatcher
	logger     *slog.Logger
	tracer     trace.Tracer
}

func NewModelFetchService(dispatcher domain.Dispatcher, logger *slog.Logger) *ModelFetchService {
	return &ModelFetchService{
		dispatcher: dispatcher,
		logger:     logger.With("component", "model-fetch"),
		tracer:     otel.Tracer("taskpool-usecase"),
	}
}

// Fetch downloads req.URL, extracts it into req.Dest and removes the archive
// unless req.KeepArchive is set. The first failing step ends the fetch.
func (s *ModelFetchService) Fetch(ctx context.Context, req FetchRequest) (FetchResult, error) {
	ctx, span := s.tracer.Start(ctx, "service.FetchModels",
		trace.WithAttributes(attribute.String("models.url", req.URL)))
	defer span.End()

	res, err := s.fetch(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "model fetch failed")
	}
	return res, err
}

func (s *ModelFetchService) fetch(ctx context.Context, req FetchRequest) (FetchResult, error) {
	if req.URL == "" || req.Dest == "" {
		return FetchResult{}, fmt.Errorf("%w: url and destination are required", domain.ErrInvalidConfiguration)
	}
	archive := req.Archive
	if archive == "" {
		name, err := archiveName(req.URL)
		if err != nil {
			return FetchResult{}, err
		}
		archive = filepath.Join(req.Dest, name)
	}
	res := FetchResult{Archive: archive}

	s.logger.Info("downloading models", "url", req.URL, "archive", archive)
	v, err := s.dispatcher.Submit(ctx, tasks.HTTPDownload, []any{req.URL, archive}, nil)
	if err != nil {
		return res, fmt.Errorf("download: %w", err)
	}
	var dl struct {
		Bytes int64 `json:"bytes"`
	}
	if err := rpc.Bind(v, &dl); err != nil {
		return res, fmt.Errorf("download: unexpected result: %w", err)
	}
	res.Bytes = dl.Bytes

	s.logger.Info("extracting models", "archive", archive, "dest", req.Dest)
	v, err = s.dispatcher.Submit(ctx, tasks.ArchiveExtract, []any{archive, req.Dest}, nil)
	if err != nil {
		return res, fmt.Errorf("extract: %w", err)
	}
	var ex struct {
		Files int `json:"files"`
	}
	if err := rpc.Bind(v, &ex); err != nil {
		return res, fmt.Errorf("extract: unexpected result: %w", err)
	}
	res.Files = ex.Files

	if !req.KeepArchive {
		s.logger.Info("removing archive", "archive", archive)
		if err := os.Remove(archive); err != nil && !errors.Is(err, os.ErrNotExist) {
			return res, fmt.Errorf("remove archive: %w", err)
		}
		res.Removed = true
	}

	s.logger.Info("models ready", "dest", req.Dest, "files", res.Files, "bytes", res.Bytes)
	return res, nil
}

func archiveName(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: invalid url: %v", domain.ErrInvalidConfiguration, err)
	}
	name := path.Base(u.Path)
	if name == "/" || name == "." || name == "" {
		return "", fmt.Errorf("%w: cannot derive archive name from %s", domain.ErrInvalidConfiguration, rawURL)
	}
	return name, nil
}
