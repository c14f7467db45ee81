package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/hubcache/internal/common"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(common.HubConfig{
		Endpoint:  server.URL,
		RateLimit: 1000,
		Burst:     1000,
	}, common.GetLogger())
}

func TestGetDataset(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/datasets/glue", r.URL.Path)
		json.NewEncoder(w).Encode(DatasetInfo{ID: "glue", SHA: "abc123"})
	}))

	info, err := client.GetDataset(context.Background(), "glue")
	require.NoError(t, err)
	assert.Equal(t, "glue", info.ID)
	assert.Equal(t, "abc123", info.SHA)
}

func TestGetDatasetEscapesName(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/datasets/org%2Fname", r.URL.EscapedPath())
		json.NewEncoder(w).Encode(DatasetInfo{ID: "org/name", SHA: "abc123"})
	}))

	_, err := client.GetDataset(context.Background(), "org/name")
	require.NoError(t, err)
}

func TestGetDatasetNotFound(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	_, err := client.GetDataset(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrDatasetNotFound)
}

func TestGetDatasetRetriesServerErrors(t *testing.T) {
	var calls int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(DatasetInfo{ID: "glue", SHA: "abc123"})
	}))

	info, err := client.GetDataset(context.Background(), "glue")
	require.NoError(t, err)
	assert.Equal(t, "abc123", info.SHA)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestGetDatasetDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
	}))

	_, err := client.GetDataset(context.Background(), "private")
	assert.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGetRevision(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(DatasetInfo{ID: "glue", SHA: "abc123"})
	}))

	revision, err := client.GetRevision(context.Background(), "glue")
	require.NoError(t, err)
	assert.Equal(t, "abc123", revision)
}

func TestGetRevisionEmptySHA(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(DatasetInfo{ID: "glue"})
	}))

	_, err := client.GetRevision(context.Background(), "glue")
	assert.Error(t, err)
}

func TestListDatasetsFollowsPagination(t *testing.T) {
	var server *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/api/datasets", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("cursor") == "" {
			w.Header().Set("Link", fmt.Sprintf(`<%s/api/datasets?cursor=page2>; rel="next"`, server.URL))
			json.NewEncoder(w).Encode([]DatasetInfo{{ID: "ds1", SHA: "a"}, {ID: "ds2", SHA: "b"}})
			return
		}
		json.NewEncoder(w).Encode([]DatasetInfo{{ID: "ds3", SHA: "c"}})
	})
	server = httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client := NewClient(common.HubConfig{Endpoint: server.URL, RateLimit: 1000, Burst: 1000}, common.GetLogger())

	var seen []string
	err := client.ListDatasets(context.Background(), func(info DatasetInfo) error {
		seen = append(seen, info.ID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"ds1", "ds2", "ds3"}, seen)
}

func TestListDatasetsStopsOnCallbackError(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]DatasetInfo{{ID: "ds1"}, {ID: "ds2"}})
	}))

	var seen int
	err := client.ListDatasets(context.Background(), func(info DatasetInfo) error {
		seen++
		return fmt.Errorf("stop")
	})
	assert.EqualError(t, err, "stop")
	assert.Equal(t, 1, seen)
}

func TestClientSendsBearerToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer hf_test", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(DatasetInfo{ID: "glue", SHA: "abc123"})
	}))
	t.Cleanup(server.Close)

	client := NewClient(common.HubConfig{
		Endpoint:  server.URL,
		Token:     "hf_test",
		RateLimit: 1000,
		Burst:     1000,
	}, common.GetLogger())

	_, err := client.GetDataset(context.Background(), "glue")
	require.NoError(t, err)
}

func TestParseNextLink(t *testing.T) {
	assert.Equal(t, "https://hub.example.com/api/datasets?cursor=abc",
		parseNextLink(`<https://hub.example.com/api/datasets?cursor=abc>; rel="next"`))
	assert.Equal(t, "https://hub.example.com/next",
		parseNextLink(`<https://hub.example.com/first>; rel="first", <https://hub.example.com/next>; rel="next"`))
	assert.Empty(t, parseNextLink(`<https://hub.example.com/first>; rel="first"`))
	assert.Empty(t, parseNextLink(""))
}
