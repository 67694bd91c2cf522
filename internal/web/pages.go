package web

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/septivank/electricity-meter-portal/internal/ingest"
	"github.com/septivank/electricity-meter-portal/internal/service"
	"github.com/septivank/electricity-meter-portal/internal/validator"
)

// rejected rows beyond this are summarised in one line
const maxRowFlashes = 5

func (h *Handler) index(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, "index.html", pageData{Title: "Electricity Meter Portal"})
}

func (h *Handler) registerPage(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, "register.html", pageData{Title: "Register"})
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	err := h.portal.Register(r.Context(), service.RegisterInput{
		Username:     r.PostFormValue("username"),
		MeterID:      r.PostFormValue("meter_id"),
		DwellingType: r.PostFormValue("dwelling_type"),
		Region:       r.PostFormValue("region"),
		Area:         r.PostFormValue("area"),
	})
	if err != nil {
		h.fail(w, r, err, "/register")
		return
	}
	redirect(w, r, "/register", Flash{Category: FlashSuccess, Message: "Successfully registered!"})
}

func (h *Handler) readingPage(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, "reading.html", pageData{Title: "Submit Meter Reading"})
}

// submitReading accepts manual fields, a CSV upload, or both
func (h *Handler) submitReading(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(h.maxUpload); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			redirect(w, r, "/reading", Flash{Category: FlashError, Message: fmt.Sprintf("Upload exceeds the %d byte limit.", h.maxUpload)})
			return
		}
		redirect(w, r, "/reading", Flash{Category: FlashError, Message: "Could not read the submitted form."})
		return
	}

	manual := validator.ReadingInput{
		MeterID:    r.PostFormValue("meter_id"),
		Value:      r.PostFormValue("meter_value"),
		UpdateTime: r.PostFormValue("update_time"),
	}
	hasManual := strings.TrimSpace(manual.MeterID+manual.Value+manual.UpdateTime) != ""

	file, header, err := r.FormFile("file")
	if err != nil && !errors.Is(err, http.ErrMissingFile) {
		redirect(w, r, "/reading", Flash{Category: FlashError, Message: "Could not read the uploaded file."})
		return
	}
	hasFile := err == nil
	if hasFile {
		defer file.Close()
	}

	if !hasManual && !hasFile {
		redirect(w, r, "/reading", Flash{Category: FlashError, Message: "Please enter all fields or upload a CSV file!"})
		return
	}

	var flashes []Flash
	if hasManual {
		res, err := h.portal.SubmitReading(r.Context(), manual)
		switch {
		case err == nil:
			flashes = append(flashes, Flash{Category: FlashSuccess, Message: "Meter reading recorded successfully!"})
			if res.Anomaly != "" {
				flashes = append(flashes, Flash{Category: FlashWarning, Message: fmt.Sprintf("Unusual reading for meter %s: %s", res.MeterID, res.Anomaly)})
			}
		case service.IsUserError(err):
			flashes = append(flashes, Flash{Category: FlashError, Message: err.Error()})
		default:
			h.internalError(w, r, err)
			return
		}
	}

	if hasFile {
		csvFlashes, err := h.ingestCSV(r.Context(), header.Filename, file)
		if err != nil {
			h.internalError(w, r, err)
			return
		}
		flashes = append(flashes, csvFlashes...)
	}

	redirect(w, r, "/reading", flashes...)
}

// ingestCSV submits an uploaded file and describes the outcome as flashes.
// Only storage failures are returned as errors.
func (h *Handler) ingestCSV(ctx context.Context, filename string, src io.Reader) ([]Flash, error) {
	if !ingest.HasCSVExtension(filename) {
		return []Flash{{Category: FlashError, Message: "Only .csv files are accepted."}}, nil
	}

	rows, err := ingest.ParseCSV(src)
	if err != nil {
		if errors.Is(err, ingest.ErrFormat) {
			return []Flash{{Category: FlashError, Message: "CSV format incorrect! Columns should be: meter_id, electricity, update_time."}}, nil
		}
		return []Flash{{Category: FlashError, Message: "Could not read the CSV file."}}, nil
	}

	out, err := h.portal.SubmitBatch(ctx, rows)
	if err != nil {
		if service.IsUserError(err) {
			return []Flash{{Category: FlashError, Message: err.Error()}}, nil
		}
		return nil, err
	}

	var flashes []Flash
	if out.Recorded > 0 {
		flashes = append(flashes, Flash{Category: FlashSuccess, Message: fmt.Sprintf("%d of %d meter readings recorded successfully!", out.Recorded, len(rows))})
	} else {
		flashes = append(flashes, Flash{Category: FlashError, Message: fmt.Sprintf("No meter readings were recorded from %s.", filename)})
	}

	shown, anomalies := 0, 0
	for _, res := range out.Results {
		if res.Anomaly != "" {
			anomalies++
		}
		if res.Err == nil {
			continue
		}
		if shown < maxRowFlashes {
			flashes = append(flashes, Flash{Category: FlashError, Message: res.Err.Error()})
		}
		shown++
	}
	if shown > maxRowFlashes {
		flashes = append(flashes, Flash{Category: FlashError, Message: fmt.Sprintf("...and %d more rejected rows.", shown-maxRowFlashes)})
	}
	if anomalies > 0 {
		flashes = append(flashes, Flash{Category: FlashWarning, Message: fmt.Sprintf("%d readings were flagged as unusual.", anomalies)})
	}
	return flashes, nil
}

func (h *Handler) queryPage(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, "query.html", pageData{Title: "Query Usage"})
}

func (h *Handler) query(w http.ResponseWriter, r *http.Request) {
	in := service.QueryInput{
		MeterID:   r.PostFormValue("meter_id"),
		Timestamp: r.PostFormValue("query_timestamp"),
	}
	if raw := strings.TrimSpace(r.PostFormValue("tolerance")); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs < 0 {
			redirect(w, r, "/query", Flash{Category: FlashError, Message: "Tolerance must be a whole number of seconds."})
			return
		}
		// anything this large is rejected by the portal; clamp so the
		// conversion cannot overflow
		if limit := int(service.MaxQueryTolerance / time.Second); secs > limit {
			secs = limit
		}
		tolerance := time.Duration(secs) * time.Second
		in.Tolerance = &tolerance
	}

	res, err := h.portal.Query(r.Context(), in)
	if err != nil {
		h.fail(w, r, err, "/query")
		return
	}

	h.render(w, r, "query.html", pageData{
		Title:  "Query Usage",
		Result: res.Text(),
		Form: map[string]string{
			"meter_id":        in.MeterID,
			"query_timestamp": in.Timestamp,
			"tolerance":       r.PostFormValue("tolerance"),
		},
	})
}

func (h *Handler) historyPage(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, "history.html", pageData{Title: "Usage History"})
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	meterID := r.PostFormValue("meter_id")
	date := r.PostFormValue("query_date")

	res, err := h.portal.History(r.Context(), meterID, date)
	if err != nil {
		h.fail(w, r, err, "/history")
		return
	}

	h.render(w, r, "history.html", pageData{
		Title:  "Usage History",
		Result: res.Text(),
		Form:   map[string]string{"meter_id": meterID, "query_date": date},
	})
}
