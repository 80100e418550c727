package forward

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/dbrelay/pkg/errors"
)

func TestForwarder_Forward(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api", r.URL.Path)
		assert.Equal(t, "node1", r.Header.Get(Header))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.JSONEq(t, `{"Session":{"keepalive()":{},"session":"x"}}`, string(body))
		_, _ = w.Write([]byte(`{"success":true,"method":"keepalive()"}`))
	}))
	defer ts.Close()

	f := New("node1", Opts{Timeout: time.Second})
	resp, err := f.Forward(context.Background(), ts.URL+"/", []byte(`{"Session":{"keepalive()":{},"session":"x"}}`))
	require.NoError(t, err)
	assert.Equal(t, `{"success":true,"method":"keepalive()"}`, string(resp))
	assert.Contains(t, f.String(), "instance: node1")
}

func TestForwarder_Retries(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	defer ts.Close()

	f := New("node1", Opts{Retries: 2, RetryMin: time.Millisecond, RetryMax: 5 * time.Millisecond})
	resp, err := f.Forward(context.Background(), ts.URL, []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, `{"success":true}`, string(resp))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestForwarder_Failures(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	f := New("node1", Opts{Retries: 1, RetryMin: time.Millisecond, RetryMax: time.Millisecond})

	_, err := f.Forward(context.Background(), ts.URL, []byte(`{}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTransport), "non-200 status")

	url := ts.URL
	ts.Close()
	_, err = f.Forward(context.Background(), url, []byte(`{}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTransport), "instance is gone")
}
