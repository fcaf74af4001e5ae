/*
 * Sandbox VM Manager - HTTP Models
 * Copyright (c) 2026 Quartz Cloud
 * All rights reserved.
 */

package models

import (
	"time"
)

// HTTPResponse represents a standardized API response
type HTTPResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Code      string      `json:"code,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// CreateVMRequest is the request body for VM creation
type CreateVMRequest struct {
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
	FlavorRef string `json:"flavor_ref"`
	ImageRef  string `json:"image_ref"`
}

// Descriptor converts the request into the immutable resource descriptor
func (r *CreateVMRequest) ToDescriptor() Descriptor {
	return Descriptor{
		Name:      r.Name,
		FlavorRef: r.FlavorRef,
		ImageRef:  r.ImageRef,
	}
}

// ConnectionDescriptor is what the remote-access gateway hands back for an
// ACTIVE VM.
type ConnectionDescriptor struct {
	ConnectionID string `json:"connection_id"`
	Protocol     string `json:"protocol"`
	URL          string `json:"url,omitempty"`
}

// HealthCheckResponse represents the health check response
type HealthCheckResponse struct {
	Status       string                 `json:"status"`
	TotalVMs     int                    `json:"total_vms"`
	ActiveVMs    int                    `json:"active_vms"`
	SuspendedVMs int                    `json:"suspended_vms"`
	Uptime       string                 `json:"uptime"`
	Details      map[string]interface{} `json:"details,omitempty"`
}

// NewSuccessResponse creates a standardized success response
func NewSuccessResponse(data interface{}) *HTTPResponse {
	return &HTTPResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().Format(time.RFC3339),
	}
}

// NewErrorResponse creates a standardized error response
func NewErrorResponse(message, code string) *HTTPResponse {
	return &HTTPResponse{
		Success:   false,
		Error:     message,
		Code:      code,
		Timestamp: time.Now().Format(time.RFC3339),
	}
}
