// Package server exposes the converter over HTTP: upload an export, get the
// visit table back, and optionally keep it in the store.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/hyperifyio/koteria/internal/cache"
	"github.com/hyperifyio/koteria/internal/decode"
	"github.com/hyperifyio/koteria/internal/export"
	"github.com/hyperifyio/koteria/internal/pipeline"
	"github.com/hyperifyio/koteria/internal/segment"
	"github.com/hyperifyio/koteria/internal/store"
	"github.com/hyperifyio/koteria/internal/visit"
)

// DefaultMaxUploadBytes bounds a single uploaded document.
const DefaultMaxUploadBytes = 32 << 20

// Options configures the router.
type Options struct {
	// Encoding is used when a request does not name one.
	Encoding string
	Workers  int
	// Cache is optional.
	Cache *cache.ResultCache
	// Store is optional; without it the /visits, /batches and /stats routes
	// are not mounted.
	Store          *store.Store
	MaxUploadBytes int64
}

type handler struct {
	opts Options
}

// NewRouter builds the HTTP handler.
func NewRouter(opts Options) http.Handler {
	if opts.Encoding == "" {
		opts.Encoding = decode.DefaultEncoding
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}
	h := &handler{opts: opts}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger)
	r.Use(chimw.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Post("/convert", h.convert)

	if opts.Store != nil {
		r.Get("/stats", h.stats)
		r.Route("/visits", func(r chi.Router) {
			r.Get("/", h.listVisits)
			r.Post("/import", h.importVisits)
			r.Get("/{id}", h.getVisit)
			r.Put("/{id}", h.updateVisit)
			r.Delete("/{id}", h.deleteVisit)
		})
		r.Route("/batches", func(r chi.Router) {
			r.Get("/", h.listBatches)
			r.Delete("/{id}", h.deleteBatch)
		})
	}
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("elapsed", time.Since(start)).
			Str("request_id", chimw.GetReqID(r.Context())).
			Msg("http request")
	})
}

// upload is a document read from a request.
type upload struct {
	name     string
	raw      []byte
	encoding string
}

// readUpload accepts either a multipart form with a "file" part or the raw
// document as the request body.
func (h *handler) readUpload(w http.ResponseWriter, r *http.Request) (upload, error) {
	u := upload{encoding: h.opts.Encoding, name: r.URL.Query().Get("source")}
	if enc := strings.TrimSpace(r.URL.Query().Get("encoding")); enc != "" {
		u.encoding = enc
	}
	body := http.MaxBytesReader(w, r.Body, h.opts.MaxUploadBytes)
	r.Body = body

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(h.opts.MaxUploadBytes); err != nil {
			return u, err
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			return u, fmt.Errorf("form file: %w", err)
		}
		defer f.Close()
		raw, err := io.ReadAll(f)
		if err != nil {
			return u, err
		}
		u.raw = raw
		if u.name == "" {
			u.name = hdr.Filename
		}
		return u, nil
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		return u, err
	}
	u.raw = raw
	if u.name == "" {
		u.name = "upload.html"
	}
	return u, nil
}

func (h *handler) run(ctx context.Context, u upload) (pipeline.Result, error) {
	opts := pipeline.Options{Workers: h.opts.Workers}
	if h.opts.Cache != nil {
		res, _, err := h.opts.Cache.Convert(ctx, u.raw, u.encoding, opts)
		if err != nil && !isExtractionError(err) && !errors.Is(err, decode.ErrUnknownEncoding) {
			// cache trouble must not fail the request
			log.Warn().Err(err).Msg("result cache unavailable")
			return pipeline.Run(u.raw, u.encoding, opts)
		}
		return res, err
	}
	return pipeline.Run(u.raw, u.encoding, opts)
}

func isExtractionError(err error) bool {
	var de *decode.DecodingError
	var se *segment.SegmentationError
	return errors.As(err, &de) || errors.As(err, &se)
}

func (h *handler) convert(w http.ResponseWriter, r *http.Request) {
	format := strings.ToLower(r.URL.Query().Get("format"))
	if format == "" {
		format = export.FormatJSON
	}
	u, err := h.readUpload(w, r)
	if err != nil {
		writeUploadError(w, err)
		return
	}
	res, err := h.run(r.Context(), u)
	if err != nil {
		writeExtractionError(w, err)
		return
	}
	for _, warn := range res.Warnings {
		log.Warn().Str("source", u.name).Int("row", warn.Row).Str("raw", warn.Raw).Msg("unparseable visit timestamp")
	}

	if format == export.FormatJSON {
		writeJSON(w, http.StatusOK, res)
		return
	}
	var buf bytes.Buffer
	if err := export.Write(&buf, format, res.Table); err != nil {
		if errors.Is(err, export.ErrUnknownFormat) {
			writeError(w, http.StatusBadRequest, "format", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "export", err)
		return
	}
	w.Header().Set("Content-Type", export.ContentType(format))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", exportName(u.name, format)))
	_, _ = w.Write(buf.Bytes())
}

func exportName(source, format string) string {
	base := path.Base(source)
	return "processed_" + strings.TrimSuffix(base, path.Ext(base)) + "." + format
}

type importResponse struct {
	Batch    store.Batch                 `json:"batch"`
	Warnings []pipeline.DateParseWarning `json:"warnings,omitempty"`
}

func (h *handler) importVisits(w http.ResponseWriter, r *http.Request) {
	u, err := h.readUpload(w, r)
	if err != nil {
		writeUploadError(w, err)
		return
	}
	res, err := h.run(r.Context(), u)
	if err != nil {
		writeExtractionError(w, err)
		return
	}
	b, err := h.opts.Store.AddBatch(r.Context(), u.name, cache.KeyFrom(u.encoding, u.raw), res.Table.Rows, len(res.Warnings))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store", err)
		return
	}
	writeJSON(w, http.StatusCreated, importResponse{Batch: b, Warnings: res.Warnings})
}

func (h *handler) listVisits(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.Filter{BatchID: q.Get("batch"), Owner: q.Get("owner"), Patient: q.Get("patient")}
	if lim := q.Get("limit"); lim != "" {
		if _, err := fmt.Sscanf(lim, "%d", &f.Limit); err != nil || f.Limit < 0 {
			writeError(w, http.StatusBadRequest, "query", fmt.Errorf("invalid limit %q", lim))
			return
		}
	}
	visits, err := h.opts.Store.List(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store", err)
		return
	}
	if visits == nil {
		visits = []store.Visit{}
	}
	writeJSON(w, http.StatusOK, visits)
}

func (h *handler) getVisit(w http.ResponseWriter, r *http.Request) {
	v, err := h.opts.Store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *handler) updateVisit(w http.ResponseWriter, r *http.Request) {
	var rec visit.Record
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "body", err)
		return
	}
	if strings.TrimSpace(rec.VisitKind) == "" {
		writeError(w, http.StatusBadRequest, "body", errors.New("visit_kind is required"))
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.opts.Store.Update(r.Context(), id, rec); err != nil {
		writeStoreError(w, err)
		return
	}
	v, err := h.opts.Store.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *handler) deleteVisit(w http.ResponseWriter, r *http.Request) {
	if err := h.opts.Store.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) listBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := h.opts.Store.Batches(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store", err)
		return
	}
	if batches == nil {
		batches = []store.Batch{}
	}
	writeJSON(w, http.StatusOK, batches)
}

func (h *handler) deleteBatch(w http.ResponseWriter, r *http.Request) {
	n, err := h.opts.Store.DeleteBatch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func (h *handler) stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.opts.Store.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind string, err error) {
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: kind})
}

func writeUploadError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "upload", err)
		return
	}
	writeError(w, http.StatusBadRequest, "upload", err)
}

func writeExtractionError(w http.ResponseWriter, err error) {
	var de *decode.DecodingError
	var se *segment.SegmentationError
	switch {
	case errors.Is(err, decode.ErrUnknownEncoding):
		writeError(w, http.StatusBadRequest, "encoding", err)
	case errors.As(err, &de):
		writeError(w, http.StatusUnprocessableEntity, "decoding", err)
	case errors.As(err, &se):
		writeError(w, http.StatusUnprocessableEntity, "segmentation", err)
	default:
		writeError(w, http.StatusInternalServerError, "internal", err)
	}
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", err)
		return
	}
	writeError(w, http.StatusInternalServerError, "store", err)
}
