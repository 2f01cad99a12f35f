package controller

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/varnishops/gitvcl/internal/testutil"
)

const testToken = "opaque-token"

// fakeAPI is a minimal control plane.
type fakeAPI struct {
	token      string
	files      []map[string]any
	details    map[string]map[string]any
	failDetail string
	requests   []string
}

func (f *fakeAPI) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/auth/login", func(w http.ResponseWriter, r *http.Request) {
		f.requests = append(f.requests, "login")
		user, pass, ok := r.BasicAuth()
		if !ok || user != "user" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body loginRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Org != "org" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		writeJSON(t, w, loginResponse{AccessToken: f.token})
	})
	mux.HandleFunc("GET /api/v1/files", func(w http.ResponseWriter, r *http.Request) {
		f.requests = append(f.requests, "list")
		if r.Header.Get("Authorization") != "Bearer "+f.token {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		writeJSON(t, w, f.files)
	})
	mux.HandleFunc("GET /api/v1/files/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		f.requests = append(f.requests, "get "+id)
		if id == f.failDetail {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		detail, ok := f.details[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(t, w, detail)
	})
	return mux
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func newTestClient(t *testing.T, api *fakeAPI, creds Credentials) *Client {
	t.Helper()
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/api/v1", creds, srv.Client(), testutil.Logger())
}

var goodCreds = Credentials{Username: "user", Password: "secret", Organization: "org"}

func TestFetchArtifacts(t *testing.T) {
	api := &fakeAPI{
		token: testToken,
		files: []map[string]any{
			{"id": 1, "name": "a.vcl", "deployed": true},
			{"id": 2, "name": "b.vcl", "deployed": false},
			{"id": "3", "name": "c.vcl", "deployed": true},
		},
		details: map[string]map[string]any{
			"1": {"id": 1, "name": "a.vcl", "sha": "d1", "source": b64("published"), "draft": b64("draft")},
			"3": {"id": 3, "name": "c.vcl", "sha": "d3", "source": "", "draft": b64("draft only")},
		},
	}
	client := newTestClient(t, api, goodCreds)

	artifacts, err := client.FetchArtifacts(context.Background())
	require.NoError(t, err)
	require.Len(t, artifacts, 3)

	assert.Equal(t, "1", artifacts[0].ID)
	assert.Equal(t, "a.vcl", artifacts[0].Name)
	assert.Equal(t, "d1", artifacts[0].Digest)
	assert.True(t, artifacts[0].Deployed)
	payload, err := artifacts[0].Payload()
	require.NoError(t, err)
	assert.Equal(t, "published", string(payload))

	assert.False(t, artifacts[1].Deployed)
	assert.Empty(t, artifacts[1].Published)

	payload, err = artifacts[2].Payload()
	require.NoError(t, err)
	assert.Equal(t, "draft only", string(payload))

	assert.Equal(t, []string{"login", "list", "get 1", "get 3"}, api.requests)
}

func TestFetchArtifacts_DetailFailureAborts(t *testing.T) {
	api := &fakeAPI{
		token: testToken,
		files: []map[string]any{
			{"id": 1, "name": "a.vcl", "deployed": true},
			{"id": 2, "name": "b.vcl", "deployed": true},
		},
		details:    map[string]map[string]any{"2": {"id": 2, "name": "b.vcl"}},
		failDetail: "1",
	}
	client := newTestClient(t, api, goodCreds)

	_, err := client.FetchArtifacts(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.Equal(t, "/files/1", apiErr.Path)
	assert.Contains(t, apiErr.Error(), "boom")
	assert.NotContains(t, api.requests, "get 2")
}

func TestLogin_Rejected(t *testing.T) {
	client := newTestClient(t, &fakeAPI{token: testToken}, Credentials{Username: "user", Password: "wrong", Organization: "org"})

	_, err := client.FetchArtifacts(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestLogin_EmptyToken(t *testing.T) {
	client := newTestClient(t, &fakeAPI{}, goodCreds)

	_, err := client.Login(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestLogin_ExpiredJWT(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user",
		"exp": time.Now().Add(-time.Hour).Unix(),
	}).SignedString([]byte("key"))
	require.NoError(t, err)

	client := newTestClient(t, &fakeAPI{token: token}, goodCreds)
	_, err = client.Login(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Contains(t, err.Error(), "expired")
}

func TestLogin_ValidJWT(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("key"))
	require.NoError(t, err)

	client := newTestClient(t, &fakeAPI{token: token}, goodCreds)
	got, err := client.Login(context.Background())
	require.NoError(t, err)
	assert.Equal(t, token, got)
}

func TestListFiles_Forbidden(t *testing.T) {
	client := newTestClient(t, &fakeAPI{token: testToken}, goodCreds)

	_, err := client.ListFiles(context.Background(), "stale")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	baseURL := srv.URL + "/api/v1"
	srv.Close()

	client := NewClient(baseURL, goodCreds, nil, testutil.Logger())
	_, err := client.Login(context.Background())
	assert.ErrorIs(t, err, ErrTransport)
}

func TestDecodeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	t.Cleanup(srv.Close)

	client := NewClient(srv.URL, goodCreds, srv.Client(), testutil.Logger())
	_, err := client.ListFiles(context.Background(), testToken)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode response")
}

func TestFileID_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		input   string
		want    FileID
		wantErr bool
	}{
		{input: `42`, want: "42"},
		{input: `"abc-1"`, want: "abc-1"},
		{input: `true`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			var id FileID
			err := json.Unmarshal([]byte(tt.input), &id)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, id)
		})
	}
}

func TestAPIError_Message(t *testing.T) {
	err := &APIError{Method: "GET", Path: "/files", StatusCode: 502}
	assert.Equal(t, "GET /files: unexpected status 502", err.Error())
	assert.True(t, strings.HasSuffix((&APIError{Method: "GET", Path: "/x", StatusCode: 500, Body: "oops"}).Error(), ": oops"))
}
