package ocr

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifySuccess(t *testing.T) {
	image := []byte{0x89, 'P', 'N', 'G'}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, classifyPath, r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		body, _ := io.ReadAll(r.Body)
		decoded, err := base64.StdEncoding.DecodeString(string(body))
		assert.NoError(t, err)
		assert.Equal(t, image, decoded)
		_ = json.NewEncoder(w).Encode(map[string]any{"status": 200, "result": "ab12", "msg": ""})
	}))
	defer srv.Close()

	client := NewClient(Options{BaseURL: srv.URL + "/", Timeout: time.Second}, zerolog.Nop())
	text, err := client.Classify(context.Background(), image)
	require.NoError(t, err)
	assert.Equal(t, "ab12", text)
}

func TestClassifyHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(Options{BaseURL: srv.URL, Timeout: time.Second}, zerolog.Nop())
	_, err := client.Classify(context.Background(), []byte{1})
	assert.Error(t, err)
}

func TestClassifyRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": 500, "result": "", "msg": "bad image"})
	}))
	defer srv.Close()

	client := NewClient(Options{BaseURL: srv.URL, Timeout: time.Second}, zerolog.Nop())
	_, err := client.Classify(context.Background(), []byte{1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad image")
}

func TestClassifyEmptyImage(t *testing.T) {
	client := NewClient(Options{}, zerolog.Nop())
	_, err := client.Classify(context.Background(), nil)
	assert.Error(t, err)
}
