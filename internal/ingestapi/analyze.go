package ingestapi

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/lookout/internal/event"
)

var (
	errBodyTooLarge = errors.New("request body too large")
	errBadGzip      = errors.New("gzip decompression failed or bad data")
)

func (a *API) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	span := trace.SpanFromContext(ctx)

	body, err := a.readBody(r)
	if err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, errBodyTooLarge.Error())
		case errors.Is(err, errBadGzip):
			writeError(w, http.StatusBadRequest, errBadGzip.Error())
		default:
			a.logger.Warn(ctx, "failed to read request body", "error", err)
			writeError(w, http.StatusBadRequest, "failed to read request body")
		}
		return
	}

	events, err := event.DecodeBatch(body)
	if err != nil {
		var ve *event.ValidationError
		switch {
		case errors.Is(err, event.ErrInvalidJSON):
			writeError(w, http.StatusBadRequest, "invalid JSON format in request body")
		case errors.As(err, &ve):
			writeError(w, http.StatusBadRequest, ve.Error())
		default:
			a.logger.Error(ctx, err, "failed to decode batch")
			writeError(w, http.StatusInternalServerError, "internal server error: "+err.Error())
		}
		return
	}
	span.SetAttributes(attribute.Int("lookout.batch.received", len(events)))

	sum, err := a.svc.Submit(ctx, events)
	if err != nil {
		a.logger.Error(ctx, err, "batch submission failed", "events", len(events))
		writeError(w, http.StatusInternalServerError, "internal server error: "+err.Error())
		return
	}

	span.SetAttributes(
		attribute.String("lookout.batch.id", sum.BatchID),
		attribute.Int("lookout.batch.processed", sum.Processed),
		attribute.Int("lookout.batch.skipped", sum.Skipped),
	)
	writeJSON(w, http.StatusOK, sum)
}

// readBody returns the request body, decompressed when the client sent
// Content-Encoding: gzip. Both the raw and decompressed sizes are capped.
func (a *API) readBody(r *http.Request) ([]byte, error) {
	raw, err := readCapped(r.Body, a.maxBody)
	if err != nil {
		return nil, err
	}
	if !isGzip(r.Header.Get("Content-Encoding")) {
		return raw, nil
	}

	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadGzip, err)
	}
	defer func() { _ = zr.Close() }()

	body, err := readCapped(zr, a.maxBody)
	if err != nil && !errors.Is(err, errBodyTooLarge) {
		return nil, fmt.Errorf("%w: %v", errBadGzip, err)
	}
	return body, err
}

func readCapped(rd io.Reader, maxBytes int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(rd, maxBytes+1))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return nil, errBodyTooLarge
		}
		return nil, err
	}
	if int64(len(b)) > maxBytes {
		return nil, errBodyTooLarge
	}
	return b, nil
}

func isGzip(contentEncoding string) bool {
	for _, enc := range strings.Split(contentEncoding, ",") {
		switch strings.ToLower(strings.TrimSpace(enc)) {
		case "gzip", "x-gzip":
			return true
		}
	}
	return false
}
