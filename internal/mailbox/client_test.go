package mailbox

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/authflow/internal/config"
)

const listBody = `{
  "results": [
    {"id": 41, "address": "a@example.com", "source": "noreply@accounts.example.com", "raw": "first", "metadata": "{\"ai_extract\":{\"result\":\"ABC123\"}}"},
    {"id": "42", "address": "b@example.com", "source": "noreply@accounts.example.com", "raw": "other user"},
    {"id": 43, "address": "a@example.com", "source": "spam@example.net", "raw": "other sender"},
    {"id": 44, "address": "a@example.com", "source": "noreply@accounts.example.com", "raw": "second", "metadata": null}
  ],
  "count": 4
}`

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := NewClient(config.MailboxConfig{
		APIBase:        srv.URL + "/",
		AdminKey:       "admin-secret",
		PageSize:       20,
		RequestTimeout: 2 * time.Second,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return c
}

func TestClient_Poll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/admin/mails", r.URL.Path)
		assert.Equal(t, "20", r.URL.Query().Get("limit"))
		assert.Equal(t, "0", r.URL.Query().Get("offset"))
		assert.Equal(t, "admin-secret", r.Header.Get("x-admin-auth"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(listBody))
	}))
	defer srv.Close()

	records, err := newTestClient(t, srv).Poll(context.Background(), "a@example.com", "noreply@accounts.example.com")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, RecordID("41"), records[0].ID)
	assert.Equal(t, "first", records[0].Raw)
	assert.Equal(t, `"{\"ai_extract\":{\"result\":\"ABC123\"}}"`, string(records[0].Metadata))
	assert.Equal(t, RecordID("44"), records[1].ID)
}

func TestClient_PollErrors(t *testing.T) {
	t.Run("non-2xx status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "bad key", http.StatusUnauthorized)
		}))
		defer srv.Close()

		_, err := newTestClient(t, srv).Poll(context.Background(), "a@example.com", "x")
		var statusErr *StatusError
		require.ErrorAs(t, err, &statusErr)
		assert.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
		assert.Equal(t, "list", statusErr.Op)
		assert.Contains(t, statusErr.Error(), "bad key")
	})

	t.Run("malformed body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"results": [`))
		}))
		defer srv.Close()

		_, err := newTestClient(t, srv).Poll(context.Background(), "a@example.com", "x")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "decoding response")
	})

	t.Run("cancelled context", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"results": []}`))
		}))
		defer srv.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := newTestClient(t, srv).Poll(ctx, "a@example.com", "x")
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.Canceled))
	})
}

func TestClient_Delete(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "admin-secret", r.Header.Get("x-admin-auth"))
		if strings.HasSuffix(r.URL.EscapedPath(), "/admin/mails/41") {
			w.WriteHeader(http.StatusOK)
			return
		}
		assert.Equal(t, "/admin/mails/a%2Fb", r.URL.EscapedPath())
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	require.NoError(t, c.Delete(context.Background(), "41"))

	err := c.Delete(context.Background(), "a/b")
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)

	require.Error(t, c.Delete(context.Background(), ""))
	assert.Equal(t, int32(2), calls.Load())
}

func TestNewClient(t *testing.T) {
	_, err := NewClient(config.MailboxConfig{}, nil)
	require.Error(t, err)

	c, err := NewClient(config.MailboxConfig{APIBase: "https://mail.example.com/api", RateLimit: 5}, nil)
	require.NoError(t, err)
	assert.Equal(t, 20, c.pageSize)
	assert.Equal(t, "https://mail.example.com/api/admin/mails/7", c.endpoint("admin", "mails", "7").String())
}

func TestRecordID_UnmarshalJSON(t *testing.T) {
	var rec struct {
		A RecordID `json:"a"`
		B RecordID `json:"b"`
		C RecordID `json:"c"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a": 12, "b": "x-9", "c": null}`), &rec))
	assert.Equal(t, RecordID("12"), rec.A)
	assert.Equal(t, RecordID("x-9"), rec.B)
	assert.Equal(t, RecordID(""), rec.C)

	assert.Error(t, json.Unmarshal([]byte(`{"a": true}`), &rec))
}
