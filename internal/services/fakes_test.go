package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jonas-p/go-shp"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/lpisingest/internal/archive/archivetest"
	"github.com/Lllllllleong/lpisingest/internal/models"
	"github.com/Lllllllleong/lpisingest/internal/retry"
)

var issuedAt = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type published struct {
	key   string
	value []byte
}

// recordingPublisher keeps every published message. failAt makes the n-th publish (1-based)
// and all later ones fail with err.
type recordingPublisher struct {
	mu       sync.Mutex
	messages []published
	calls    int
	failAt   int
	err      error
}

func (p *recordingPublisher) PublishJSON(_ context.Context, key string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.failAt > 0 && p.calls >= p.failAt {
		return p.err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p.messages = append(p.messages, published{key: key, value: b})
	return nil
}

func (p *recordingPublisher) features(t *testing.T) []models.Feature {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.Feature, len(p.messages))
	for i, m := range p.messages {
		require.NoError(t, json.Unmarshal(m.value, &out[i]))
	}
	return out
}

type deadLetter struct {
	reason        string
	attempts      int
	correlationID string
	original      []byte
	cause         error
}

type recordingDeadLetters struct {
	mu      sync.Mutex
	entries []deadLetter
	err     error
}

func (d *recordingDeadLetters) Send(_ context.Context, reason string, attempts int, correlationID string, original []byte, cause error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.entries = append(d.entries, deadLetter{reason, attempts, correlationID, original, cause})
	return nil
}

func (d *recordingDeadLetters) reasons() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for _, e := range d.entries {
		out = append(out, e.reason)
	}
	return out
}

func fastPolicy(n int) retry.Policy {
	return retry.Policy{MaxAttempts: n, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func rpgParcel(id string, area float64, rings ...[]shp.Point) archivetest.Parcel {
	return archivetest.Parcel{Rings: rings, Values: []any{id, area, "BTH", "1"}}
}

// rpgArchive zips a metropolitan parcel layer and returns its file:// locator.
func rpgArchive(t *testing.T, parcels ...archivetest.Parcel) string {
	t.Helper()
	return "file://" + archivetest.ZipLayers(t, archivetest.Layer{
		Name:    "RPG_2-0_SHP_LAMB93_R11-2023/PARCELLES_GRAPHIQUES",
		Fields:  archivetest.RPGFields(),
		Parcels: parcels,
		PRJ:     archivetest.Lambert93PRJ,
	})
}

func downloadCommand(t *testing.T, locator, correlationID string) []byte {
	t.Helper()
	b, err := json.Marshal(models.DownloadCommand{
		SourceLocator: locator,
		DatasetID:     "lpis-fr",
		Campaign:      2023,
		CorrelationID: correlationID,
		Country:       "fr",
		Format:        "zip",
		ParcelIDField: "ID_PARCEL",
		NormalizedProperties: map[string]models.NormalizedProperty{
			"area": {SourceProp: "SURF_PARC", Coefficient: 10000},
		},
		IssuedAt: issuedAt,
	})
	require.NoError(t, err)
	return b
}

func jsonMarshal(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
