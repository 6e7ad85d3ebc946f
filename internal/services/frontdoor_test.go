package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/lpisingest/internal/broker"
	"github.com/Lllllllleong/lpisingest/internal/ledger"
	"github.com/Lllllllleong/lpisingest/internal/models"
)

func serve(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, strings.NewReader(body)))
	return rec
}

func TestFrontDoor_Ingest(t *testing.T) {
	pub := &recordingPublisher{}
	l := ledger.NewMemory()
	router := NewFrontDoor(newTestBuilder(pub, l, nil), l).Router()

	rec := serve(t, router, http.MethodPost, "/v1/ingestions/lpis/fr",
		`{"sourceLocator":"https://example.org/archive.zip","datasetId":"lpis-fr","campaign":2023}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp models.IngestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "corr-1", resp.CorrelationID)
	assert.Len(t, pub.messages, 1)

	rec = serve(t, router, http.MethodGet, "/v1/ingestions/corr-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var job models.IngestionJob
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, models.JobAccepted, job.Status)

	rec = serve(t, router, http.MethodGet, "/v1/ingestions?datasetId=lpis-fr&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var jobs []models.IngestionJob
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jobs))
	assert.Len(t, jobs, 1)
}

func TestFrontDoor_StatusCodes(t *testing.T) {
	cases := []struct {
		name   string
		pub    *recordingPublisher
		ledger ledger.Ledger
		method string
		target string
		body   string
		want   int
	}{
		{"bad json", &recordingPublisher{}, nil, http.MethodPost, "/v1/ingestions/lpis/fr", `{"campaign":`, http.StatusBadRequest},
		{"invalid request", &recordingPublisher{}, nil, http.MethodPost, "/v1/ingestions/lpis/fr",
			`{"sourceLocator":"ftp://example.org/a.zip","datasetId":"lpis-fr","campaign":2023}`, http.StatusBadRequest},
		{"broker down", &recordingPublisher{failAt: 1, err: broker.ErrPublishFailed}, nil, http.MethodPost, "/v1/ingestions/lpis/fr",
			`{"sourceLocator":"https://example.org/a.zip","datasetId":"lpis-fr","campaign":2023}`, http.StatusServiceUnavailable},
		{"wrong method", &recordingPublisher{}, nil, http.MethodGet, "/v1/ingestions/lpis/fr", "", http.StatusMethodNotAllowed},
		{"unknown job", &recordingPublisher{}, ledger.NewMemory(), http.MethodGet, "/v1/ingestions/nope", "", http.StatusNotFound},
		{"ledger disabled", &recordingPublisher{}, nil, http.MethodGet, "/v1/ingestions/corr-1", "", http.StatusNotImplemented},
		{"bad limit", &recordingPublisher{}, ledger.NewMemory(), http.MethodGet, "/v1/ingestions?limit=-1", "", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := NewFrontDoor(newTestBuilder(tc.pub, tc.ledger, nil), tc.ledger).Router()
			rec := serve(t, router, tc.method, tc.target, tc.body)
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())
		})
	}
}

func TestFrontDoor_IngestObject(t *testing.T) {
	pub := &recordingPublisher{}
	d := NewFrontDoor(newTestBuilder(pub, nil, nil), nil)

	require.NoError(t, d.IngestObject(context.Background(), GCSEvent{Bucket: "lpis-drop", Name: "lpis-fr/2023/RPG_R11.zip"}))
	require.Len(t, pub.messages, 1)
	var cmd models.DownloadCommand
	require.NoError(t, json.Unmarshal(pub.messages[0].value, &cmd))
	assert.Equal(t, "gs://lpis-drop/lpis-fr/2023/RPG_R11.zip", cmd.SourceLocator)
	assert.Equal(t, "lpis-fr", cmd.DatasetID)
	assert.Equal(t, 2023, cmd.Campaign)
	assert.Equal(t, "fr", cmd.Country)

	require.NoError(t, d.IngestObject(context.Background(), GCSEvent{
		Bucket:   "lpis-drop",
		Name:     "uploads/parcels.7z",
		Metadata: map[string]string{"dataset": "be-wallonia", "campaign": "2022", "country": "be", "sourceCrs": "3857"},
	}))
	require.Len(t, pub.messages, 2)
	require.NoError(t, json.Unmarshal(pub.messages[1].value, &cmd))
	assert.Equal(t, "be-wallonia", cmd.DatasetID)
	assert.Equal(t, 3857, cmd.SourceCRS)

	// Skipped: not an archive, no dataset, rejected campaign.
	require.NoError(t, d.IngestObject(context.Background(), GCSEvent{Bucket: "b", Name: "lpis-fr/2023/readme.txt"}))
	require.NoError(t, d.IngestObject(context.Background(), GCSEvent{Bucket: "b", Name: "archive.zip"}))
	require.NoError(t, d.IngestObject(context.Background(), GCSEvent{Bucket: "b", Name: "lpis-fr/1900/a.zip"}))
	assert.Len(t, pub.messages, 2)
}

func TestFrontDoor_IngestObjectBrokerDownIsRetried(t *testing.T) {
	d := NewFrontDoor(newTestBuilder(&recordingPublisher{failAt: 1, err: broker.ErrPublishFailed}, nil, nil), nil)
	err := d.IngestObject(context.Background(), GCSEvent{Bucket: "b", Name: "lpis-fr/2023/a.zip"})
	assert.ErrorIs(t, err, ErrDependencyUnavailable)
}

func TestUnavailable(t *testing.T) {
	rec := serve(t, Unavailable("service unavailable"), http.MethodPost, "/v1/ingest", `{}`)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "service unavailable", body["message"])
}
