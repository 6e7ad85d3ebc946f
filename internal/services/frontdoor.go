package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/Lllllllleong/lpisingest/internal/gcp"
	"github.com/Lllllllleong/lpisingest/internal/ledger"
	"github.com/Lllllllleong/lpisingest/internal/models"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// GCSEvent is the payload of a Cloud Storage object-finalize CloudEvent.
type GCSEvent struct {
	Bucket   string            `json:"bucket"`
	Name     string            `json:"name"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// FrontDoor serves the ingestion HTTP API and turns uploaded archives into requests.
type FrontDoor struct {
	builder *CommandBuilder
	ledger  ledger.Ledger
}

func NewFrontDoor(builder *CommandBuilder, l ledger.Ledger) *FrontDoor {
	if l == nil {
		l = ledger.Nop{}
	}
	return &FrontDoor{builder: builder, ledger: l}
}

// Router routes the ingestion API.
func (d *FrontDoor) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/v1/ingestions/lpis/{country}", d.handleIngest).Methods(http.MethodPost)
	r.HandleFunc("/v1/ingestions/{correlationId}", d.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/v1/ingestions", d.handleList).Methods(http.MethodGet)
	return r
}

func (d *FrontDoor) handleIngest(w http.ResponseWriter, r *http.Request) {
	country := mux.Vars(r)["country"]
	var req models.IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Could not decode ingestion request.", "error", err)
		writeMessage(w, http.StatusBadRequest, "could not parse JSON body")
		return
	}

	resp, err := d.builder.Submit(r.Context(), country, req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, resp)
	case errors.Is(err, ErrInvalidRequest):
		slog.Warn("Ingestion request rejected.", "country", country, "datasetId", req.DatasetID, "error", err)
		writeMessage(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrDependencyUnavailable):
		writeMessage(w, http.StatusServiceUnavailable, "ingestion temporarily unavailable, retry later")
	default:
		slog.Error("Unexpected error while accepting ingestion request.", "error", err)
		writeMessage(w, http.StatusInternalServerError, "internal error")
	}
}

func (d *FrontDoor) handleGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["correlationId"]
	job, err := d.ledger.Get(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, job)
	case errors.Is(err, ledger.ErrNotFound):
		writeMessage(w, http.StatusNotFound, fmt.Sprintf("ingestion %s not found", id))
	case errors.Is(err, ledger.ErrDisabled):
		writeMessage(w, http.StatusNotImplemented, "ingestion ledger is not configured")
	default:
		slog.Error("Ledger lookup failed.", "correlationId", id, "error", err)
		writeMessage(w, http.StatusServiceUnavailable, "ledger unavailable")
	}
}

func (d *FrontDoor) handleList(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeMessage(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}
	jobs, err := d.ledger.List(r.Context(), r.URL.Query().Get("datasetId"), limit)
	switch {
	case err == nil:
		if jobs == nil {
			jobs = []models.IngestionJob{}
		}
		writeJSON(w, http.StatusOK, jobs)
	case errors.Is(err, ledger.ErrDisabled):
		writeMessage(w, http.StatusNotImplemented, "ingestion ledger is not configured")
	default:
		slog.Error("Ledger listing failed.", "error", err)
		writeMessage(w, http.StatusServiceUnavailable, "ledger unavailable")
	}
}

// IngestObject submits an uploaded archive. Objects that are not archives, or that do not
// say which dataset they belong to, are skipped: redelivering them would not help.
func (d *FrontDoor) IngestObject(ctx context.Context, e GCSEvent) error {
	logCtx := slog.With("gcsBucket", e.Bucket, "gcsObject", e.Name)
	if formatOf(e.Name) == "" {
		logCtx.Info("Object is not an archive, skipping.")
		return nil
	}
	country, req, err := objectRequest(e)
	if err != nil {
		logCtx.Warn("Object does not describe an ingestion, skipping.", "error", err)
		return nil
	}

	resp, err := d.builder.Submit(ctx, country, req)
	if errors.Is(err, ErrInvalidRequest) {
		logCtx.Warn("Object ingestion rejected.", "error", err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to submit %s: %w", e.Name, err)
	}
	logCtx.Info("Object submitted for ingestion.", "correlationId", resp.CorrelationID)
	return nil
}

// objectRequest reads dataset and campaign from "<datasetId>/<campaign>/<file>", letting
// object metadata override them.
func objectRequest(e GCSEvent) (string, models.IngestRequest, error) {
	req := models.IngestRequest{SourceLocator: gcp.ObjectURL(e.Bucket, e.Name)}

	parts := strings.Split(path.Clean(e.Name), "/")
	if len(parts) >= 3 {
		req.DatasetID = parts[len(parts)-3]
		req.Campaign, _ = strconv.Atoi(parts[len(parts)-2])
	}
	if v := e.Metadata["dataset"]; v != "" {
		req.DatasetID = v
	}
	if v := e.Metadata["campaign"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return "", req, fmt.Errorf("campaign metadata %q is not a year", v)
		}
		req.Campaign = n
	}
	if v := e.Metadata["sourceCrs"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return "", req, fmt.Errorf("sourceCrs metadata %q is not an EPSG code", v)
		}
		req.SourceCRS = n
	}
	req.ParcelIDField = e.Metadata["parcelIdField"]
	if req.DatasetID == "" || req.Campaign == 0 {
		return "", req, errors.New("dataset and campaign not found in object path or metadata")
	}

	country := e.Metadata["country"]
	if country == "" {
		// Dataset ids follow "lpis-<country>[-<region>]".
		if rest, ok := strings.CutPrefix(req.DatasetID, "lpis-"); ok && len(rest) >= 2 {
			country = rest[:2]
		}
	}
	if country == "" {
		return "", req, errors.New("country not found in dataset id or metadata")
	}
	return country, req, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Could not encode response.", "error", err)
	}
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}

// Unavailable answers every request with 503 and a JSON message.
func Unavailable(message string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeMessage(w, http.StatusServiceUnavailable, message)
	}
}
