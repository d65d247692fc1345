// Copyright 2025 AiRewards Authors
// SPDX-License-Identifier: Apache-2.0

package rewardsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestRemote(t *testing.T, handler http.HandlerFunc) *HTTPRemote {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	token := func(context.Context) (string, error) { return "test-token", nil }
	return NewHTTPRemote(srv.URL, token, testLogger())
}

func TestHTTPRemoteClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		kind   Kind
	}{
		{"not found", http.StatusNotFound, KindNotFound},
		{"unauthorized", http.StatusUnauthorized, KindPermission},
		{"forbidden", http.StatusForbidden, KindPermission},
		{"bad request", http.StatusBadRequest, KindValidation},
		{"unprocessable", http.StatusUnprocessableEntity, KindValidation},
		{"server error", http.StatusInternalServerError, KindTransient},
		{"bad gateway", http.StatusBadGateway, KindTransient},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			remote := newTestRemote(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.status)
				json.NewEncoder(w).Encode(map[string]string{"error": "x", "message": "boom"})
			})
			_, err := remote.Get(context.Background(), TypeProfile, "id-1")
			require.Error(t, err)
			require.Equal(t, tc.kind, KindOf(err))
		})
	}
}

func TestHTTPRemoteConflictCarriesServerCopy(t *testing.T) {
	server, err := NewRecord(TypeProfile, "owner-1", Profile{DisplayName: "Server"})
	require.NoError(t, err)
	server.Version = 7

	remote := newTestRemote(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]any{
			"error": "conflict", "message": "version mismatch", "record": server,
		})
	})

	local := server.Clone()
	local.Version = 1
	_, err = remote.Update(context.Background(), local)
	require.Error(t, err)
	require.True(t, IsConflict(err))

	serverCopy := RemoteCopy(err)
	require.NotNil(t, serverCopy, "the resolver needs the server copy without another round trip")
	require.Equal(t, int64(7), serverCopy.Version)
}

func TestHTTPRemoteNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close() // connection refused from here on

	remote := NewHTTPRemote(url, nil, testLogger())
	_, err := remote.Get(context.Background(), TypeProfile, "id-1")
	require.Error(t, err)
	require.True(t, IsTransient(err), "unreachable server must trigger the offline path")
}

func TestHTTPRemoteSendsAuthAndQueryParams(t *testing.T) {
	var gotAuth string
	var gotQuery map[string]string
	remote := newTestRemote(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotQuery = map[string]string{
			"owner":    r.URL.Query().Get("owner"),
			"category": r.URL.Query().Get("category"),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"records": []*Record{}})
	})

	after := time.Now().UTC().Add(-time.Hour)
	_, err := remote.Query(context.Background(), TypeRewardEntry, Filter{
		OwnerID: "owner-1", CategoryID: "cat-1", CreatedAfter: &after,
	})
	require.NoError(t, err)
	require.Equal(t, "Bearer test-token", gotAuth)
	require.Equal(t, "owner-1", gotQuery["owner"])
	require.Equal(t, "cat-1", gotQuery["category"])
}

func TestHTTPRemoteDeleteSendsExpectedVersion(t *testing.T) {
	var gotVersion, gotPath string
	remote := newTestRemote(t, func(w http.ResponseWriter, r *http.Request) {
		gotVersion = r.URL.Query().Get("version")
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	})

	err := remote.Delete(context.Background(), TypeRewardEntry, "id-1", 4)
	require.NoError(t, err)
	require.Equal(t, "4", gotVersion)
	require.Equal(t, "/v1/records/reward_entries/id-1", gotPath)
}

func TestStaticOracle(t *testing.T) {
	o := NewStaticOracle(false)
	require.False(t, o.HasConnection())
	o.Set(true)
	require.True(t, o.HasConnection())
}

func TestProbeOracleCachesWithinTTL(t *testing.T) {
	probes := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		probes++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	o := NewProbeOracle(srv.URL, nil, time.Minute)
	require.True(t, o.HasConnection())
	require.True(t, o.HasConnection())
	require.Equal(t, 1, probes, "repeat checks within the TTL reuse the cached answer")
}

func TestProbeOracleReportsOfflineOnRefusedConnection(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	o := NewProbeOracle(url, nil, time.Minute)
	require.False(t, o.HasConnection())
}
