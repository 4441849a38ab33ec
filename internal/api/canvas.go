package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/canvasflow/internal/colorspec"
	"github.com/dunamismax/canvasflow/internal/domain"
	"github.com/dunamismax/canvasflow/internal/geometry"
	"github.com/dunamismax/canvasflow/internal/pipeline"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Multipart parts above this size spill to disk.
const multipartMemoryBytes = 8 << 20

var errMissingField = errors.New("missing form field")

func (s *Server) handleHub(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "canvasflow API hub is running",
		"services": map[string]any{
			"mask_generator": map[string]string{
				"base_url": "/mask",
				"endpoint": "/generate-mask",
			},
			"image_resizer": map[string]string{
				"base_url": "/resize",
				"endpoint": "/resize/resize",
			},
			"render_jobs": map[string]string{
				"base_url": "/v1/jobs",
			},
		},
	})
}

func (s *Server) handleChoose(w http.ResponseWriter, r *http.Request) {
	service := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("service")))
	if service == "" {
		service = "mask"
	}

	target := "/"
	switch service {
	case "mask":
		target = "/mask"
	case "resize":
		target = "/resize"
	}
	http.Redirect(w, r, target, http.StatusTemporaryRedirect)
}

func (s *Server) handleResizerRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message":  "image resizer is running",
		"resize":   "/resize/resize",
		"centered": "/resize/centered-width",
	})
}

func (s *Server) handleMaskRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message":  "mask generator is running",
		"generate": "/generate-mask",
	})
}

func (s *Server) handleResize(w http.ResponseWriter, r *http.Request) {
	source, ok := s.readUpload(w, r)
	if !ok {
		return
	}

	width, err := formInt(r, "target_width")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	height, err := formInt(r, "target_height")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, ok := s.render(w, r, pipeline.RenderRequest{
		Target:     geometry.FitInBox{Width: width, Height: height},
		Source:     source,
		Background: r.FormValue("background_color"),
	})
	if !ok {
		return
	}

	writeImage(w, res, "resized", map[string]string{
		"X-New-Size": fmt.Sprintf("%dx%d", res.Placement.CanvasWidth, res.Placement.CanvasHeight),
	})
}

func (s *Server) handleCenteredWidth(w http.ResponseWriter, r *http.Request) {
	source, ok := s.readUpload(w, r)
	if !ok {
		return
	}

	innerWidth, err := formInt(r, "inner_width")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	canvasWidth, err := formInt(r, "canvas_width")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, ok := s.render(w, r, pipeline.RenderRequest{
		Target:     geometry.FixedInnerWidth{InnerWidth: innerWidth, CanvasWidth: canvasWidth},
		Source:     source,
		Background: r.FormValue("background_color"),
	})
	if !ok {
		return
	}

	writeImage(w, res, "resized_centered", map[string]string{
		"X-Resized-Size":    fmt.Sprintf("%dx%d", res.Placement.NewWidth, res.Placement.NewHeight),
		"X-Adjusted-Canvas": strconv.FormatBool(res.Placement.Adjusted),
	})
}

type maskRequest struct {
	CanvasWidth  int `json:"canvas_width"`
	CanvasHeight int `json:"canvas_height"`
	MaskWidth    int `json:"mask_width"`
	MaskHeight   int `json:"mask_height"`
}

func (s *Server) handleGenerateMask(w http.ResponseWriter, r *http.Request) {
	var req maskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, ok := s.render(w, r, pipeline.RenderRequest{
		Target: geometry.MaskOnCanvas{
			CanvasWidth:  req.CanvasWidth,
			CanvasHeight: req.CanvasHeight,
			MaskWidth:    req.MaskWidth,
			MaskHeight:   req.MaskHeight,
		},
	})
	if !ok {
		return
	}

	writeImage(w, res, "mask", nil)
}

// readUpload enforces the upload limit and returns the bytes of the "file"
// part. On failure it has already written the response.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if r.ContentLength > s.maxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", s.maxUploadBytes))
		return nil, false
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemoryBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit))
			return nil, false
		}
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid multipart body: %v", err))
		return nil, false
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("%v: file", errMissingField))
		return nil, false
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("read upload: %v", err))
		return nil, false
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "uploaded file is empty")
		return nil, false
	}
	return data, true
}

func (s *Server) render(w http.ResponseWriter, r *http.Request, req pipeline.RenderRequest) (pipeline.Result, bool) {
	mode := string(req.Target.Mode())
	startedAt := time.Now()

	if s.compositor == nil {
		writeError(w, http.StatusServiceUnavailable, "compositor is unavailable")
		return pipeline.Result{}, false
	}

	res, err := s.compositor.Render(r.Context(), req)
	s.metrics.renderDuration.WithLabelValues(mode).Observe(time.Since(startedAt).Seconds())

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("canvas.mode", mode))

	if err != nil {
		status := renderErrorStatus(err)
		s.metrics.rendersTotal.WithLabelValues(mode, "none", strconv.Itoa(status)).Inc()
		span.RecordError(err)

		if status >= http.StatusInternalServerError {
			s.logger.Printf("render failed mode=%s err=%v", mode, err)
			writeError(w, status, "render failed")
			return pipeline.Result{}, false
		}
		writeError(w, status, err.Error())
		return pipeline.Result{}, false
	}

	s.metrics.rendersTotal.WithLabelValues(mode, string(res.Format), strconv.Itoa(http.StatusOK)).Inc()
	if res.Placement.Adjusted {
		s.metrics.adjustedTotal.WithLabelValues(mode).Inc()
	}
	span.SetAttributes(
		attribute.String("canvas.format", string(res.Format)),
		attribute.Int("canvas.width", res.Placement.CanvasWidth),
		attribute.Int("canvas.height", res.Placement.CanvasHeight),
		attribute.Bool("canvas.adjusted", res.Placement.Adjusted),
	)
	return res, true
}

func renderErrorStatus(err error) int {
	switch {
	case errors.Is(err, geometry.ErrDegenerateScale):
		return http.StatusUnprocessableEntity
	case errors.Is(err, geometry.ErrInvalidDimension),
		errors.Is(err, colorspec.ErrInvalidColor),
		errors.Is(err, pipeline.ErrDecode),
		errors.Is(err, pipeline.ErrMissingSource),
		errors.Is(err, domain.ErrUnsupportedMode):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeImage(w http.ResponseWriter, res pipeline.Result, basename string, extra map[string]string) {
	h := w.Header()
	for key, value := range res.Placement.Headers() {
		h.Set(key, value)
	}
	for key, value := range extra {
		h.Set(key, value)
	}
	h.Set("Content-Type", res.MediaType)
	h.Set("Content-Disposition", fmt.Sprintf("inline; filename=%s.%s", basename, res.Format.Extension()))
	h.Set("Content-Length", strconv.Itoa(len(res.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Data)
}

func formInt(r *http.Request, field string) (int, error) {
	raw := strings.TrimSpace(r.FormValue(field))
	if raw == "" {
		return 0, fmt.Errorf("%w: %s", errMissingField, field)
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", field, raw)
	}
	return value, nil
}
