package httpapi

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/hiplawrussia-stack/FolliCore/pkg/types"
)

// NewWireMux builds the traffic router: feature extraction for single images
// and multipart batches.
func NewWireMux(svc Service, opts Options) http.Handler {
	bindLifecycleGauges(svc)
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(timingMiddleware(opts.Logger))
	r.Use(metricsMiddleware)
	r.Use(middleware.Compress(5))
	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", "X-Request-ID"},
			MaxAge:         300,
		}))
	}

	r.Post("/v1/extract", handleExtract(svc, opts))
	r.Post("/v1/extract/batch", handleExtractBatch(svc, opts))
	return r
}

// parseInferenceOptions reads the extraction flags from the query string,
// falling back to headers for clients that cannot set query parameters.
func parseInferenceOptions(r *http.Request) types.InferenceOptions {
	q := r.URL.Query()
	attention := q.Get("return_attention")
	if attention == "" {
		attention = r.Header.Get("X-Return-Attention")
	}
	patches := q.Get("return_patches")
	if patches == "" {
		patches = r.Header.Get("X-Return-Patches")
	}
	return types.InferenceOptions{
		ReturnAttention: boolParam(attention),
		ReturnPatches:   boolParam(patches),
	}
}

func boolParam(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

// handleExtract accepts one image as the raw request body and returns its
// feature embedding.
func handleExtract(svc Service, opts Options) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, opts.maxBody())
		data, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if len(data) == 0 {
			writeJSONError(w, r, http.StatusBadRequest, "empty request body")
			return
		}

		modelID := r.URL.Query().Get("model")
		eng, err := svc.Acquire(modelID)
		if err != nil {
			writeError(w, r, err)
			return
		}

		start := time.Now()
		res, err := eng.ExtractFeatures(r.Context(), data, parseInferenceOptions(r))
		observeInference(eng.ModelInfo().ID, time.Since(start), err)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// batchResponse wraps the ordered batch results.
type batchResponse struct {
	Results []*types.InferenceResult `json:"results"`
	Count   int                      `json:"count"`
}

// handleExtractBatch accepts a multipart form whose "images" parts are
// processed in order.
func handleExtractBatch(svc Service, opts Options) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, opts.maxBody())
		if err := r.ParseMultipartForm(opts.maxBody()); err != nil {
			var maxBytes *http.MaxBytesError
			if errors.As(err, &maxBytes) || errors.Is(err, multipart.ErrMessageTooLarge) {
				writeJSONError(w, r, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			writeJSONError(w, r, http.StatusBadRequest, "invalid multipart form")
			return
		}
		defer func() { _ = r.MultipartForm.RemoveAll() }()

		files := r.MultipartForm.File["images"]
		if len(files) == 0 {
			writeJSONError(w, r, http.StatusBadRequest, "no images in multipart form (field name: images)")
			return
		}
		images := make([][]byte, 0, len(files))
		for _, fh := range files {
			f, err := fh.Open()
			if err != nil {
				writeJSONError(w, r, http.StatusBadRequest, "unreadable multipart part")
				return
			}
			data, err := io.ReadAll(f)
			_ = f.Close()
			if err != nil {
				writeError(w, r, err)
				return
			}
			images = append(images, data)
		}

		modelID := r.URL.Query().Get("model")
		eng, err := svc.Acquire(modelID)
		if err != nil {
			writeError(w, r, err)
			return
		}

		start := time.Now()
		results, err := eng.ExtractBatch(r.Context(), images, parseInferenceOptions(r))
		observeInference(eng.ModelInfo().ID, time.Since(start), err)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, batchResponse{Results: results, Count: len(results)})
	}
}
