package web

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/facegate/internal/credstore"
	"github.com/andresmejia3/facegate/internal/types"
	"github.com/andresmejia3/facegate/internal/vault"
)

type faceDetector struct{}

// DetectAndEncode finds a face only in payloads starting with "face".
func (faceDetector) DetectAndEncode(_ context.Context, img []byte) ([]types.Face, error) {
	if bytes.HasPrefix(img, []byte("face")) {
		return []types.Face{{Vec: make([]float64, types.VectorLen)}}, nil
	}
	return nil, nil
}

func newTestServer(t *testing.T) (*Server, credstore.Options) {
	t.Helper()
	dir := t.TempDir()
	opts := credstore.Options{
		Root:      filepath.Join(dir, "users"),
		IndexPath: filepath.Join(dir, "index.json"),
		Keys:      vault.Paths{Key: filepath.Join(dir, "k"), IV: filepath.Join(dir, "iv")},
		Detector:  faceDetector{},
	}
	return NewServer(credstore.New(opts), ":0", 1<<20, nil), opts
}

func enrollRequest(t *testing.T, username string, image []byte) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if username != "" {
		require.NoError(t, writer.WriteField("username", username))
	}
	if image != nil {
		part, err := writer.CreateFormFile("image", "img.jpg")
		require.NoError(t, err)
		_, err = part.Write(image)
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/users", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	rec := serve(s, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestEnroll_FullThenList(t *testing.T) {
	s, _ := newTestServer(t)

	rec := serve(s, enrollRequest(t, "alice", []byte("face-alice")))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decode[enrollResponse](t, rec)
	assert.Equal(t, "alice", resp.Username)
	assert.False(t, resp.Partial)

	rec = serve(s, enrollRequest(t, "bob", []byte("landscape")))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp = decode[enrollResponse](t, rec)
	assert.True(t, resp.Partial)
	assert.Equal(t, "partial", resp.Outcome)

	rec = serve(s, httptest.NewRequest(http.MethodGet, "/api/v1/users", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Users []userResponse `json:"users"`
	}](t, rec)
	assert.Equal(t, []userResponse{
		{Username: "alice", HasVector: true},
		{Username: "bob", HasVector: false},
	}, list.Users)
}

func TestEnroll_BadRequests(t *testing.T) {
	s, _ := newTestServer(t)

	tests := []struct {
		name     string
		username string
		image    []byte
		want     int
	}{
		{"missing username", "", []byte("face"), http.StatusBadRequest},
		{"missing image", "alice", nil, http.StatusBadRequest},
		{"empty image", "alice", []byte{}, http.StatusBadRequest},
		{"path traversal", "../root", []byte("face"), http.StatusBadRequest},
		{"too large", "alice", bytes.Repeat([]byte("x"), 2<<20), http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(s, enrollRequest(t, tt.username, tt.image))
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.Contains(t, decode[map[string]string](t, rec), "error")
		})
	}
}

func TestEnroll_CorruptKeyStateIsConflict(t *testing.T) {
	s, opts := newTestServer(t)
	require.NoError(t, os.WriteFile(opts.Keys.Key, make([]byte, vault.KeyLen), 0o600))

	rec := serve(s, enrollRequest(t, "alice", []byte("face")))
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
}

func TestUserImage(t *testing.T) {
	s, _ := newTestServer(t)
	require.Equal(t, http.StatusCreated, serve(s, enrollRequest(t, "alice", []byte("face-bytes"))).Code)

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/api/v1/users/alice/image", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "face-bytes", rec.Body.String())

	rec = serve(s, httptest.NewRequest(http.MethodGet, "/api/v1/users/nobody/image", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
