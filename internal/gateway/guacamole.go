/*
 * Sandbox VM Manager - Guacamole Gateway
 * Copyright (c) 2026 Quartz Cloud
 * All rights reserved.
 */

package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/quartzcloud/sandboxd/internal/config"
	svcerrors "github.com/quartzcloud/sandboxd/internal/errors"
	"github.com/quartzcloud/sandboxd/internal/logger"
	"github.com/quartzcloud/sandboxd/internal/models"
)

// GuacamoleGateway registers SSH connections in an Apache Guacamole instance
// so users reach their sandbox through the browser. Connections are named
// after the VM ID, which is how revocation finds them again.
type GuacamoleGateway struct {
	baseURL  string
	username string
	password string
	hostname string

	client *http.Client
	logger *logger.Logger
}

type guacToken struct {
	AuthToken  string `json:"authToken"`
	DataSource string `json:"dataSource"`
}

type guacConnection struct {
	Identifier string `json:"identifier,omitempty"`
	Name       string `json:"name"`
	Protocol   string `json:"protocol"`

	ParentIdentifier string            `json:"parentIdentifier"`
	Parameters       map[string]string `json:"parameters"`
	Attributes       map[string]string `json:"attributes"`
}

// NewGuacamoleGateway builds the gateway client from configuration. No
// request is made until a connection is needed, so a slow Guacamole does not
// hold up service start.
func NewGuacamoleGateway(cfg *config.Config, log *logger.Logger) *GuacamoleGateway {
	return &GuacamoleGateway{
		baseURL:  strings.TrimRight(cfg.GatewayURL, "/"),
		username: cfg.GatewayUsername,
		password: cfg.GatewayPassword,
		hostname: cfg.GuacdHostname,
		client:   &http.Client{Timeout: 15 * time.Second},
		logger:   log,
	}
}

func (g *GuacamoleGateway) CreateConnection(ctx context.Context, vm *models.VMRecord) (*models.ConnectionDescriptor, error) {
	if vm.PublicIP == "" {
		return nil, svcerrors.NewValidationError("create_connection", "VM has no reachable address yet").
			WithContext("vm_id", vm.ID)
	}

	token, err := g.authenticate(ctx)
	if err != nil {
		return nil, err
	}

	// Recreating a connection for the same VM replaces the old entry.
	if existing, err := g.findConnection(ctx, token, vm.ID); err == nil && existing != nil {
		if err := g.deleteConnection(ctx, token, existing.Identifier); err != nil {
			g.logger.WithVM(vm.ID).WithField("error", err).Warn("Could not replace stale gateway connection")
		}
	}

	conn := guacConnection{
		Name:             vm.ID,
		Protocol:         "ssh",
		ParentIdentifier: "ROOT",
		Parameters: map[string]string{
			"hostname": vm.PublicIP,
			"port":     "22",
		},
		Attributes: map[string]string{},
	}

	body, err := json.Marshal(conn)
	if err != nil {
		return nil, svcerrors.WrapInternalError(err, "create_connection", "cannot encode connection payload")
	}

	endpoint := fmt.Sprintf("%s/api/session/data/%s/connections?token=%s",
		g.baseURL, token.DataSource, url.QueryEscape(token.AuthToken))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, svcerrors.WrapInternalError(err, "create_connection", "cannot build gateway request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, svcerrors.WrapProviderUnavailableError(err, "create_connection", "gateway unreachable")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, gatewayStatusError(resp, "create_connection")
	}

	var created guacConnection
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return nil, svcerrors.WrapProviderError(err, "create_connection", "cannot decode gateway response")
	}

	g.logger.WithVM(vm.ID).WithField("connection_id", created.Identifier).Info("Gateway connection created")
	return g.describe(&created, token.DataSource), nil
}

func (g *GuacamoleGateway) GetConnection(ctx context.Context, vmID string) (*models.ConnectionDescriptor, error) {
	token, err := g.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	conn, err := g.findConnection(ctx, token, vmID)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, svcerrors.NewNotFoundError("get_connection", "no gateway connection for VM").
			WithContext("vm_id", vmID)
	}
	return g.describe(conn, token.DataSource), nil
}

func (g *GuacamoleGateway) RevokeConnections(ctx context.Context, vmID string) error {
	token, err := g.authenticate(ctx)
	if err != nil {
		return err
	}

	conns, err := g.listConnections(ctx, token)
	if err != nil {
		return err
	}

	for _, conn := range conns {
		if conn.Name != vmID {
			continue
		}
		if err := g.deleteConnection(ctx, token, conn.Identifier); err != nil {
			return err
		}
		g.logger.WithVM(vmID).WithField("connection_id", conn.Identifier).Info("Gateway connection revoked")
	}
	return nil
}

// authenticate exchanges the admin credentials for a session token. Tokens
// are short-lived so each operation fetches a fresh one.
func (g *GuacamoleGateway) authenticate(ctx context.Context) (*guacToken, error) {
	form := url.Values{}
	form.Set("username", g.username)
	form.Set("password", g.password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/api/tokens",
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, svcerrors.WrapInternalError(err, "gateway_auth", "cannot build token request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, svcerrors.WrapProviderUnavailableError(err, "gateway_auth", "gateway unreachable")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, gatewayStatusError(resp, "gateway_auth")
	}

	var token guacToken
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return nil, svcerrors.WrapProviderError(err, "gateway_auth", "cannot decode token response")
	}
	return &token, nil
}

func (g *GuacamoleGateway) listConnections(ctx context.Context, token *guacToken) (map[string]guacConnection, error) {
	endpoint := fmt.Sprintf("%s/api/session/data/%s/connections?token=%s",
		g.baseURL, token.DataSource, url.QueryEscape(token.AuthToken))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, svcerrors.WrapInternalError(err, "list_connections", "cannot build gateway request")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, svcerrors.WrapProviderUnavailableError(err, "list_connections", "gateway unreachable")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, gatewayStatusError(resp, "list_connections")
	}

	var conns map[string]guacConnection
	if err := json.NewDecoder(resp.Body).Decode(&conns); err != nil {
		return nil, svcerrors.WrapProviderError(err, "list_connections", "cannot decode connection listing")
	}
	return conns, nil
}

func (g *GuacamoleGateway) findConnection(ctx context.Context, token *guacToken, vmID string) (*guacConnection, error) {
	conns, err := g.listConnections(ctx, token)
	if err != nil {
		return nil, err
	}
	for _, conn := range conns {
		if conn.Name == vmID {
			found := conn
			return &found, nil
		}
	}
	return nil, nil
}

func (g *GuacamoleGateway) deleteConnection(ctx context.Context, token *guacToken, identifier string) error {
	endpoint := fmt.Sprintf("%s/api/session/data/%s/connections/%s?token=%s",
		g.baseURL, token.DataSource, url.PathEscape(identifier), url.QueryEscape(token.AuthToken))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return svcerrors.WrapInternalError(err, "revoke_connection", "cannot build gateway request")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return svcerrors.WrapProviderUnavailableError(err, "revoke_connection", "gateway unreachable")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return gatewayStatusError(resp, "revoke_connection")
	}
	return nil
}

// describe builds the user-facing descriptor, including the client URL in
// the encoded form the Guacamole frontend expects.
func (g *GuacamoleGateway) describe(conn *guacConnection, dataSource string) *models.ConnectionDescriptor {
	clientID := base64.StdEncoding.EncodeToString(
		[]byte(conn.Identifier + "\x00c\x00" + dataSource))
	return &models.ConnectionDescriptor{
		ConnectionID: conn.Identifier,
		Protocol:     conn.Protocol,
		URL:          fmt.Sprintf("%s/#/client/%s", g.baseURL, clientID),
	}
}

func gatewayStatusError(resp *http.Response, operation string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	if resp.StatusCode >= 500 {
		return svcerrors.WrapProviderUnavailableError(err, operation, "gateway temporarily unavailable")
	}
	return svcerrors.WrapProviderError(err, operation, "gateway rejected request")
}
