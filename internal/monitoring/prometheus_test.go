/*
 * Sandbox VM Manager - Monitoring Proxy Tests
 * Copyright (c) 2026 Quartz Cloud
 * All rights reserved.
 */

package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	svcerrors "github.com/quartzcloud/sandboxd/internal/errors"
	"github.com/quartzcloud/sandboxd/internal/logger"
)

func TestStepScalesLinearlyWithRange(t *testing.T) {
	cases := []struct {
		span time.Duration
		want time.Duration
	}{
		{30 * time.Minute, minStep},
		{time.Hour, minStep},
		{8 * 7 * 24 * time.Hour, maxStep},
		{maxRange, maxStep},
	}
	for _, tc := range cases {
		if got := stepFor(tc.span); got != tc.want {
			t.Errorf("stepFor(%v) = %v, want %v", tc.span, got, tc.want)
		}
	}

	// Between the endpoints the step grows monotonically.
	prev := stepFor(minRange)
	for _, span := range []time.Duration{24 * time.Hour, 7 * 24 * time.Hour, 14 * 24 * time.Hour} {
		got := stepFor(span)
		if got <= prev {
			t.Errorf("stepFor(%v) = %v, not larger than previous %v", span, got, prev)
		}
		prev = got
	}
}

func TestQueryRangeValidation(t *testing.T) {
	proxy, err := NewProxy("http://127.0.0.1:9090", logger.GetDefault())
	if err != nil {
		t.Fatalf("NewProxy: %v", err)
	}
	ctx := context.Background()
	now := time.Now()

	_, err = proxy.QueryRange(ctx, "", KindCPU, now.Add(-time.Hour), now)
	if !svcerrors.IsType(err, svcerrors.ErrTypeValidation) {
		t.Errorf("empty instance: got %v, want validation error", err)
	}

	_, err = proxy.QueryRange(ctx, "inst-1", "teleportation", now.Add(-time.Hour), now)
	if !svcerrors.IsType(err, svcerrors.ErrTypeValidation) {
		t.Errorf("unknown kind: got %v, want validation error", err)
	}

	_, err = proxy.QueryRange(ctx, "inst-1", KindCPU, now, now.Add(-time.Hour))
	if !svcerrors.IsType(err, svcerrors.ErrTypeValidation) {
		t.Errorf("inverted range: got %v, want validation error", err)
	}
}

func TestQueryRangeHitsPrometheus(t *testing.T) {
	var gotQuery string
	var gotStep string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/query_range") {
			http.NotFound(w, r)
			return
		}
		r.ParseForm()
		gotQuery = r.FormValue("query")
		gotStep = r.FormValue("step")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "success",
			"data": map[string]interface{}{
				"resultType": "matrix",
				"result":     []interface{}{},
			},
		})
	}))
	defer srv.Close()

	proxy, err := NewProxy(srv.URL, logger.GetDefault())
	if err != nil {
		t.Fatalf("NewProxy: %v", err)
	}

	now := time.Now()
	if _, err := proxy.QueryRange(context.Background(), "inst-42", KindCPU, now.Add(-time.Hour), now); err != nil {
		t.Fatalf("QueryRange: %v", err)
	}

	if !strings.Contains(gotQuery, `uuid="inst-42"`) {
		t.Errorf("query = %q, want instance selector", gotQuery)
	}
	step, err := strconv.ParseFloat(gotStep, 64)
	if err != nil || step != minStep.Seconds() {
		t.Errorf("step = %q, want %v seconds", gotStep, minStep.Seconds())
	}
}

func TestUnreachableBackendIsUnavailable(t *testing.T) {
	proxy, err := NewProxy("http://127.0.0.1:1", logger.GetDefault())
	if err != nil {
		t.Fatalf("NewProxy: %v", err)
	}

	now := time.Now()
	_, err = proxy.QueryRange(context.Background(), "inst-1", KindMemory, now.Add(-time.Hour), now)
	if !svcerrors.IsType(err, svcerrors.ErrTypeProviderUnavailable) {
		t.Fatalf("got %v, want provider_unavailable", err)
	}
}
