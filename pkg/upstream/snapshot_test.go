package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viewtail/viewtail/pkg/models"
)

func TestSnapshotterFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sync/mv_orders", r.URL.Path)
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))

		_ = json.NewEncoder(w).Encode(snapshotResponse{
			Collection: "orders",
			Data:       []models.Record{{"id": "A", "qty": float64(1)}},
		})
	}))
	t.Cleanup(srv.Close)

	s := NewSnapshotter(srv.URL, "sync", "s3cret")
	records, err := s.Fetch(context.Background(), "mv_orders")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "A", records[0]["id"])
}

func TestSnapshotterEmptyView(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(snapshotResponse{Collection: "orders"})
	}))
	t.Cleanup(srv.Close)

	s := NewSnapshotter(srv.URL, "", "")
	records, err := s.Fetch(context.Background(), "mv_orders")
	require.NoError(t, err)
	require.NotNil(t, records, "an empty view yields an empty slice, not nil")
	assert.Empty(t, records)
}

func TestSnapshotterErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)

	s := NewSnapshotter(srv.URL, "sync", "")
	_, err := s.Fetch(context.Background(), "mv_missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mv_missing")
}

func TestSnapshotterEscapesViewName(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		_ = json.NewEncoder(w).Encode(snapshotResponse{})
	}))
	t.Cleanup(srv.Close)

	s := NewSnapshotter(srv.URL+"/", "/sync/", "")
	_, err := s.Fetch(context.Background(), "a/b")
	require.NoError(t, err)
	assert.Equal(t, "/sync/a%2Fb", gotPath)
}
