/*
 * Sandbox VM Manager - Guacamole Gateway Tests
 * Copyright (c) 2026 Quartz Cloud
 * All rights reserved.
 */

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/quartzcloud/sandboxd/internal/config"
	svcerrors "github.com/quartzcloud/sandboxd/internal/errors"
	"github.com/quartzcloud/sandboxd/internal/logger"
	"github.com/quartzcloud/sandboxd/internal/models"
)

// fakeGuacamole emulates the slice of the Guacamole REST API the gateway
// talks to: token auth plus connection CRUD.
type fakeGuacamole struct {
	mu          sync.Mutex
	nextID      int
	connections map[string]guacConnection
	authCalls   int
}

func newFakeGuacamole() *fakeGuacamole {
	return &fakeGuacamole{connections: make(map[string]guacConnection)}
}

func (f *fakeGuacamole) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tokens", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.authCalls++
		f.mu.Unlock()
		if err := r.ParseForm(); err != nil || r.FormValue("username") == "" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		json.NewEncoder(w).Encode(guacToken{AuthToken: "token-1", DataSource: "postgresql"})
	})
	mux.HandleFunc("/api/session/data/postgresql/connections", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode(f.connections)
		case http.MethodPost:
			var conn guacConnection
			if err := json.NewDecoder(r.Body).Decode(&conn); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			f.nextID++
			conn.Identifier = fmt.Sprintf("%d", f.nextID)
			f.connections[conn.Identifier] = conn
			json.NewEncoder(w).Encode(conn)
		}
	})
	mux.HandleFunc("/api/session/data/postgresql/connections/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/api/session/data/postgresql/connections/")
		f.mu.Lock()
		delete(f.connections, id)
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func newTestGateway(t *testing.T) (*GuacamoleGateway, *fakeGuacamole) {
	t.Helper()
	fake := newFakeGuacamole()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	cfg := config.NewConfig()
	cfg.GatewayURL = srv.URL
	cfg.GatewayUsername = "guacadmin"
	cfg.GatewayPassword = "secret"
	return NewGuacamoleGateway(cfg, logger.GetDefault()), fake
}

func activeVM() *models.VMRecord {
	rec := models.NewVMRecord("project-1", models.Descriptor{
		Name: "dev-box", FlavorRef: "m1.small", ImageRef: "ubuntu-24.04",
	}, time.Now())
	rec.State = models.StateActive
	rec.PublicIP = "203.0.113.5"
	return rec
}

func TestCreateConnectionRegistersSSH(t *testing.T) {
	gw, fake := newTestGateway(t)
	vm := activeVM()

	desc, err := gw.CreateConnection(context.Background(), vm)
	if err != nil {
		t.Fatalf("CreateConnection: %v", err)
	}
	if desc.Protocol != "ssh" {
		t.Errorf("protocol = %q, want ssh", desc.Protocol)
	}
	if !strings.Contains(desc.URL, "/#/client/") {
		t.Errorf("url = %q, want a Guacamole client link", desc.URL)
	}

	conn, ok := fake.connections[desc.ConnectionID]
	if !ok {
		t.Fatal("connection not registered")
	}
	if conn.Parameters["hostname"] != vm.PublicIP {
		t.Errorf("hostname = %q, want %q", conn.Parameters["hostname"], vm.PublicIP)
	}
	if conn.Name != vm.ID {
		t.Errorf("connection name = %q, want VM ID", conn.Name)
	}
}

func TestCreateConnectionRequiresAddress(t *testing.T) {
	gw, _ := newTestGateway(t)
	vm := activeVM()
	vm.PublicIP = ""

	_, err := gw.CreateConnection(context.Background(), vm)
	if !svcerrors.IsType(err, svcerrors.ErrTypeValidation) {
		t.Fatalf("got %v, want validation error", err)
	}
}

func TestRevokeConnectionsRemovesAllForVM(t *testing.T) {
	gw, fake := newTestGateway(t)
	ctx := context.Background()
	vm := activeVM()

	if _, err := gw.CreateConnection(ctx, vm); err != nil {
		t.Fatalf("CreateConnection: %v", err)
	}
	other := activeVM()
	if _, err := gw.CreateConnection(ctx, other); err != nil {
		t.Fatalf("CreateConnection: %v", err)
	}

	if err := gw.RevokeConnections(ctx, vm.ID); err != nil {
		t.Fatalf("RevokeConnections: %v", err)
	}

	for _, conn := range fake.connections {
		if conn.Name == vm.ID {
			t.Errorf("connection for revoked VM still present")
		}
	}
	if len(fake.connections) != 1 {
		t.Errorf("connections = %d, want the other VM's to survive", len(fake.connections))
	}
}

func TestGetConnectionNotFound(t *testing.T) {
	gw, _ := newTestGateway(t)

	_, err := gw.GetConnection(context.Background(), "missing-vm")
	if !svcerrors.IsType(err, svcerrors.ErrTypeNotFound) {
		t.Fatalf("got %v, want not_found", err)
	}
}

func TestUnreachableGatewayIsUnavailable(t *testing.T) {
	cfg := config.NewConfig()
	cfg.GatewayURL = "http://127.0.0.1:1"
	gw := NewGuacamoleGateway(cfg, logger.GetDefault())

	err := gw.RevokeConnections(context.Background(), "vm-1")
	if !svcerrors.IsType(err, svcerrors.ErrTypeProviderUnavailable) {
		t.Fatalf("got %v, want provider_unavailable", err)
	}
}
