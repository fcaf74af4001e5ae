/*
 * Sandbox VM Manager - OpenStack Provider
 * Copyright (c) 2026 Quartz Cloud
 * All rights reserved.
 */

package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/gophercloud/gophercloud"
	"github.com/gophercloud/gophercloud/openstack"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/extensions/shelveunshelve"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/extensions/startstop"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/servers"
	"github.com/gophercloud/gophercloud/openstack/networking/v2/extensions/layer3/floatingips"

	svcerrors "github.com/quartzcloud/sandboxd/internal/errors"
	"github.com/quartzcloud/sandboxd/internal/logger"
	"github.com/quartzcloud/sandboxd/internal/models"
)

// Metadata stamped onto every instance this service creates. Operations
// refuse to touch instances without it, so a mistyped instance ID can never
// reach somebody else's machine.
var sandboxMetadata = map[string]string{
	"managed-by": "sandboxd",
}

// OpenStackProvider drives sandbox instances through the OpenStack compute
// API.
type OpenStackProvider struct {
	compute *gophercloud.ServiceClient
	network *gophercloud.ServiceClient
	logger  *logger.Logger
}

// NewOpenStackProvider authenticates from the standard OS_* environment and
// builds compute and network clients for the given region.
func NewOpenStackProvider(region string, log *logger.Logger) (*OpenStackProvider, error) {
	authOpts, err := openstack.AuthOptionsFromEnv()
	if err != nil {
		return nil, svcerrors.WrapProviderError(err, "openstack_auth", "missing OpenStack credentials in environment")
	}
	authOpts.AllowReauth = true

	client, err := openstack.AuthenticatedClient(authOpts)
	if err != nil {
		return nil, svcerrors.WrapProviderUnavailableError(err, "openstack_auth", "authentication against OpenStack failed")
	}

	compute, err := openstack.NewComputeV2(client, gophercloud.EndpointOpts{Region: region})
	if err != nil {
		return nil, svcerrors.WrapProviderError(err, "openstack_auth", "no compute endpoint for region")
	}

	network, err := openstack.NewNetworkV2(client, gophercloud.EndpointOpts{Region: region})
	if err != nil {
		return nil, svcerrors.WrapProviderError(err, "openstack_auth", "no network endpoint for region")
	}

	return &OpenStackProvider{compute: compute, network: network, logger: log}, nil
}

func (p *OpenStackProvider) Provision(ctx context.Context, desc models.Descriptor) (string, error) {
	createOpts := servers.CreateOpts{
		Name:      desc.Name,
		ImageRef:  desc.ImageRef,
		FlavorRef: desc.FlavorRef,
		Metadata:  sandboxMetadata,
	}

	server, err := servers.Create(p.compute, createOpts).Extract()
	if err != nil {
		return "", translateOpenStackError(err, "provision")
	}

	p.logger.WithFields(logger.Fields{
		"instance_id": server.ID,
		"flavor_ref":  desc.FlavorRef,
	}).Info("OpenStack instance provisioning accepted")

	return server.ID, nil
}

func (p *OpenStackProvider) Apply(ctx context.Context, instanceID string, op Operation) error {
	server, err := p.getManagedServer(instanceID, string(op))
	if err != nil {
		return err
	}

	var result error
	switch op {
	case OpStart:
		result = startstop.Start(p.compute, server.ID).ExtractErr()
	case OpStop:
		result = startstop.Stop(p.compute, server.ID).ExtractErr()
	case OpShelve:
		// Already-shelved instances are accepted as-is, matching the
		// idempotence callers expect from an async provider.
		if mapOpenStackStatus(server.Status) == StatusShelved {
			return nil
		}
		result = shelveunshelve.Shelve(p.compute, server.ID).ExtractErr()
	case OpUnshelve:
		if mapOpenStackStatus(server.Status) == StatusActive {
			return nil
		}
		result = shelveunshelve.Unshelve(p.compute, server.ID, nil).ExtractErr()
	case OpReboot:
		result = servers.Reboot(p.compute, server.ID, servers.RebootOpts{Type: servers.HardReboot}).ExtractErr()
	case OpDelete:
		p.releaseFloatingIPs(server)
		result = servers.Delete(p.compute, server.ID).ExtractErr()
	default:
		return svcerrors.NewValidationError("apply", fmt.Sprintf("unknown provider operation %q", op))
	}

	if result != nil {
		return translateOpenStackError(result, string(op))
	}
	return nil
}

func (p *OpenStackProvider) PollStatus(ctx context.Context, instanceID string) (InstanceStatus, error) {
	server, err := servers.Get(p.compute, instanceID).Extract()
	if err != nil {
		if isNotFound(err) {
			return StatusGone, nil
		}
		return StatusUnknown, translateOpenStackError(err, "poll_status")
	}
	return mapOpenStackStatus(server.Status), nil
}

// PublicAddress returns the instance's floating IP when one is attached.
func (p *OpenStackProvider) PublicAddress(ctx context.Context, instanceID string) (string, error) {
	server, err := servers.Get(p.compute, instanceID).Extract()
	if err != nil {
		return "", translateOpenStackError(err, "public_address")
	}
	if ip := floatingAddressesOf(server); len(ip) > 0 {
		return ip[0], nil
	}
	return "", nil
}

// getManagedServer fetches the instance and refuses to operate on servers
// not created by this service.
func (p *OpenStackProvider) getManagedServer(instanceID, operation string) (*servers.Server, error) {
	server, err := servers.Get(p.compute, instanceID).Extract()
	if err != nil {
		return nil, translateOpenStackError(err, operation)
	}
	for k, v := range sandboxMetadata {
		if !strings.EqualFold(server.Metadata[k], v) {
			return nil, svcerrors.NewNotFoundError(operation, "instance is not managed by this service").
				WithContext("instance_id", instanceID)
		}
	}
	return server, nil
}

// releaseFloatingIPs deletes floating IPs attached to a server before the
// server itself is deleted, so addresses do not leak. Failures are logged
// and skipped: a leaked address must not block instance deletion.
func (p *OpenStackProvider) releaseFloatingIPs(server *servers.Server) {
	attached := floatingAddressesOf(server)
	if len(attached) == 0 {
		return
	}

	pages, err := floatingips.List(p.network, floatingips.ListOpts{}).AllPages()
	if err != nil {
		p.logger.WithFields(logger.Fields{"error": err}).Warn("Could not list floating IPs for cleanup")
		return
	}
	known, err := floatingips.ExtractFloatingIPs(pages)
	if err != nil {
		p.logger.WithFields(logger.Fields{"error": err}).Warn("Could not parse floating IP listing")
		return
	}

	for _, addr := range attached {
		for _, fip := range known {
			if fip.FloatingIP != addr {
				continue
			}
			if err := floatingips.Delete(p.network, fip.ID).ExtractErr(); err != nil {
				p.logger.WithFields(logger.Fields{
					"floating_ip": addr,
					"error":       err,
				}).Warn("Failed to release floating IP")
			} else {
				p.logger.WithFields(logger.Fields{"floating_ip": addr}).Info("Released floating IP")
			}
		}
	}
}

// floatingAddressesOf digs floating addresses out of the server's address
// map. The compute API nests them per network.
func floatingAddressesOf(server *servers.Server) []string {
	var out []string
	for _, network := range server.Addresses {
		entries, ok := network.([]interface{})
		if !ok {
			continue
		}
		for _, entry := range entries {
			fields, ok := entry.(map[string]interface{})
			if !ok {
				continue
			}
			if fields["OS-EXT-IPS:type"] == "floating" {
				if addr, ok := fields["addr"].(string); ok {
					out = append(out, addr)
				}
			}
		}
	}
	return out
}

func mapOpenStackStatus(status string) InstanceStatus {
	switch strings.ToUpper(status) {
	case "BUILD", "REBUILD", "REBOOT", "HARD_REBOOT":
		return StatusBuild
	case "ACTIVE":
		return StatusActive
	case "SHUTOFF", "PAUSED", "SUSPENDED":
		return StatusShutoff
	case "SHELVED", "SHELVED_OFFLOADED":
		return StatusShelved
	case "DELETED", "SOFT_DELETED":
		return StatusGone
	case "ERROR":
		return StatusError
	default:
		return StatusUnknown
	}
}

func isNotFound(err error) bool {
	if _, ok := err.(gophercloud.ErrDefault404); ok {
		return true
	}
	if _, ok := err.(gophercloud.ErrResourceNotFound); ok {
		return true
	}
	return false
}

func translateOpenStackError(err error, operation string) error {
	if isNotFound(err) {
		return svcerrors.WrapNotFoundError(err, operation, "instance not found at provider")
	}
	switch err.(type) {
	case gophercloud.ErrDefault500, gophercloud.ErrDefault503:
		return svcerrors.WrapProviderUnavailableError(err, operation, "provider temporarily unavailable")
	}
	return svcerrors.WrapProviderError(err, operation, "provider rejected operation")
}
