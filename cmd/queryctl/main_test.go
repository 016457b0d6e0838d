package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFetchURL_ReturnsBodyOnSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("User-Agent"); got != "queryctl-test" {
			t.Errorf("expected User-Agent queryctl-test, got %q", got)
		}
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	fetch := fetchURL(srv.Client(), srv.URL, "queryctl-test")
	data, err := fetch(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if data != "payload" {
		t.Fatalf("expected payload, got %v", data)
	}
}

func TestFetchURL_ErrorsOnNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	fetch := fetchURL(srv.Client(), srv.URL, "")
	if _, err := fetch(context.Background(), nil, nil); err == nil {
		t.Fatal("expected an error for a non-200 response")
	}
}
