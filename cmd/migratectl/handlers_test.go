package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-migration/config"
	"github.com/goliatone/go-migration/runner"
	"github.com/goliatone/go-migration/saga"
)

func TestWebhookHandlerPostsCall(t *testing.T) {
	var got webhookRequest
	var key string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key = r.Header.Get("Idempotency-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"route_ref":"R-1"}`))
	}))
	defer srv.Close()

	registry, err := buildRegistry([]config.HandlerConfig{{Name: "route", Kind: "webhook", URL: srv.URL}})
	require.NoError(t, err)
	fn, ok := registry.Lookup("route")
	require.True(t, ok)

	out, err := fn(context.Background(), saga.Call{SagaID: "s1", EntityID: "POL-001", Milestone: "route", IdempotencyKey: "s1/route"})
	require.NoError(t, err)
	assert.Equal(t, "R-1", out["route_ref"])
	assert.Equal(t, "s1/route", key)
	assert.Equal(t, "POL-001", got.EntityID)
}

func TestWebhookClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad entity", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	registry, err := buildRegistry([]config.HandlerConfig{{Name: "route", Kind: "webhook", URL: srv.URL}})
	require.NoError(t, err)
	fn, _ := registry.Lookup("route")

	_, err = fn(context.Background(), saga.Call{EntityID: "E"})
	require.Error(t, err)
	assert.True(t, runner.IsPermanent(err))
}

func TestNoopAndFailHandlers(t *testing.T) {
	registry, err := buildRegistry([]config.HandlerConfig{
		{Name: "ok", Kind: "noop", Result: map[string]any{"score": 1}},
		{Name: "bad", Kind: "fail", Message: "nope"},
	})
	require.NoError(t, err)

	ok, _ := registry.Lookup("ok")
	out, err := ok(context.Background(), saga.Call{})
	require.NoError(t, err)
	assert.Equal(t, 1, out["score"])

	bad, _ := registry.Lookup("bad")
	_, err = bad(context.Background(), saga.Call{})
	assert.EqualError(t, err, "nope")

	_, err = buildRegistry([]config.HandlerConfig{{Name: "x", Kind: "shell"}})
	assert.Error(t, err)
}
