package api

import (
	"bytes"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/openbem/bem-engine/internal/csvio"
	"github.com/openbem/bem-engine/internal/metrics"
	"github.com/openbem/bem-engine/internal/store"
)

type TimeseriesDataHandler struct {
	st *store.Store
}

func NewTimeseriesDataHandler(st *store.Store) *TimeseriesDataHandler {
	return &TimeseriesDataHandler{st: st}
}

// ExportData returns raw points for the requested timeseries as a CSV
// attachment, one column per id, gaps left empty.
func (h *TimeseriesDataHandler) ExportData(w http.ResponseWriter, r *http.Request) {
	start, end, ids, ok := h.rangeParams(w, r)
	if !ok {
		return
	}

	var buf bytes.Buffer
	if err := csvio.Export(r.Context(), h.st, &buf, ids, start, end); err != nil {
		WriteError(w, http.StatusInternalServerError, "export failed")
		return
	}
	writeCSV(w, buf.Bytes())
}

// ExportAggregate returns bucketed aggregates as a CSV attachment. Bucket
// boundaries are computed in the requested timezone.
func (h *TimeseriesDataHandler) ExportAggregate(w http.ResponseWriter, r *http.Request) {
	start, end, ids, ok := h.rangeParams(w, r)
	if !ok {
		return
	}

	widthExpr, ok := QueryString(r, "bucket_width")
	if !ok {
		WriteError(w, http.StatusBadRequest, "bucket_width is required")
		return
	}
	width, err := store.ParseWidth(widthExpr)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid bucket_width: "+err.Error())
		return
	}

	tzName := "UTC"
	if v, ok := QueryString(r, "timezone"); ok {
		tzName = v
	}
	tz, err := time.LoadLocation(tzName)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "unknown timezone "+tzName)
		return
	}

	agg := "avg"
	if v, ok := QueryString(r, "aggregation"); ok {
		agg = v
	}
	if !store.ValidAggregation(agg) {
		WriteError(w, http.StatusBadRequest, "unknown aggregation "+agg)
		return
	}

	var buf bytes.Buffer
	if err := csvio.ExportBucket(r.Context(), h.st, &buf, ids, start, end, width, tz, agg); err != nil {
		WriteError(w, http.StatusInternalServerError, "export failed")
		return
	}
	writeCSV(w, buf.Bytes())
}

// ImportData ingests a multipart CSV upload. Invalid content is rejected
// whole: either every cell lands or none does.
func (h *TimeseriesDataHandler) ImportData(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, _, err := r.FormFile("csv_file")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "csv_file is required")
		return
	}
	defer file.Close()

	if err := csvio.Import(r.Context(), h.st, file); err != nil {
		metrics.CSVImportsTotal.WithLabelValues("error").Inc()
		var ioErr *csvio.IOError
		if errors.As(err, &ioErr) {
			WriteErrorDetail(w, http.StatusUnprocessableEntity, "csv import failed", ioErr.Error())
			return
		}
		WriteError(w, http.StatusInternalServerError, "csv import failed")
		return
	}
	metrics.CSVImportsTotal.WithLabelValues("ok").Inc()
	w.WriteHeader(http.StatusCreated)
}

// rangeParams parses start_time, end_time, and the repeated timeseries
// params shared by both export endpoints.
func (h *TimeseriesDataHandler) rangeParams(w http.ResponseWriter, r *http.Request) (start, end time.Time, ids []int64, ok bool) {
	start, sok := QueryTime(r, "start_time")
	if !sok {
		WriteError(w, http.StatusBadRequest, "start_time is required (RFC 3339)")
		return time.Time{}, time.Time{}, nil, false
	}
	end, eok := QueryTime(r, "end_time")
	if !eok {
		WriteError(w, http.StatusBadRequest, "end_time is required (RFC 3339)")
		return time.Time{}, time.Time{}, nil, false
	}

	ids, err := QueryInt64s(r, "timeseries")
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return time.Time{}, time.Time{}, nil, false
	}
	if len(ids) == 0 {
		WriteError(w, http.StatusBadRequest, "at least one timeseries id is required")
		return time.Time{}, time.Time{}, nil, false
	}
	return start, end, ids, true
}

func writeCSV(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=timeseries.csv")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// Routes registers timeseries data routes on the given router.
func (h *TimeseriesDataHandler) Routes(r chi.Router) {
	r.Get("/timeseries-data", h.ExportData)
	r.Get("/timeseries-data/aggregate", h.ExportAggregate)
	r.Post("/timeseries-data", h.ImportData)
}
