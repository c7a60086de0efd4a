package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestVerifyStrictFailsOnBrokenDeployment(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	strict, referenceVersion = true, "1.0.0"
	defer func() { strict, referenceVersion = false, "" }()

	if err := verify(context.Background(), srv.URL); !errors.Is(err, errChecksFailed) {
		t.Fatalf("verify = %v, want errChecksFailed", err)
	}
}

func TestVerifyReportsWithoutStrict(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	if err := verify(context.Background(), srv.URL); err != nil {
		t.Fatalf("verify = %v, want nil without --strict", err)
	}
}
