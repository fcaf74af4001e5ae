/*
 * Sandbox VM Manager - Notification Dispatcher
 * Copyright (c) 2026 Quartz Cloud
 * All rights reserved.
 */

package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/quartzcloud/sandboxd/internal/logger"
	"github.com/quartzcloud/sandboxd/internal/models"
)

const (
	subjectLifecycle = "sandbox.vms.lifecycle"
	subjectWarnings  = "sandbox.vms.warnings"
)

// Warning kinds published ahead of destructive policy actions.
const (
	WarningDeletionPending = "deletion_pending"
)

// Dispatcher receives every committed lifecycle transition plus policy
// warnings. Actual delivery to users (email, UI) is somebody else's job on
// the other side of the message bus.
type Dispatcher interface {
	PublishTransition(ctx context.Context, vmID string, from, to models.VMState, ts time.Time) error
	PublishWarning(ctx context.Context, vmID, kind, detail string) error
	Close()
}

// transitionEvent is the wire shape of a lifecycle notification.
type transitionEvent struct {
	Event string `json:"event"`
	VMID  string `json:"vm_id"`
	From  string `json:"from"`
	To    string `json:"to"`
	Time  int64  `json:"time"`
}

type warningEvent struct {
	Event  string `json:"event"`
	VMID   string `json:"vm_id"`
	Kind   string `json:"kind"`
	Detail string `json:"detail,omitempty"`
	Time   int64  `json:"time"`
}

// NATSDispatcher publishes notifications onto a NATS bus.
type NATSDispatcher struct {
	nc     *nats.Conn
	logger *logger.Logger
}

// NewNATSDispatcher connects to NATS with infinite reconnects so a bus
// restart does not take the notification path down with it.
func NewNATSDispatcher(url string, log *logger.Logger) (*NATSDispatcher, error) {
	opts := []nats.Option{
		nats.Name("sandboxd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.WithComponent("nats").WithField("error", err).Warn("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.WithComponent("nats").WithField("url", nc.ConnectedUrl()).Info("NATS reconnected")
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &NATSDispatcher{nc: nc, logger: log}, nil
}

func (d *NATSDispatcher) PublishTransition(ctx context.Context, vmID string, from, to models.VMState, ts time.Time) error {
	if d.nc == nil || d.nc.IsClosed() {
		return fmt.Errorf("nats not connected")
	}
	payload, err := json.Marshal(transitionEvent{
		Event: "vm.transition",
		VMID:  vmID,
		From:  string(from),
		To:    string(to),
		Time:  ts.Unix(),
	})
	if err != nil {
		return err
	}
	return d.nc.Publish(subjectLifecycle, payload)
}

func (d *NATSDispatcher) PublishWarning(ctx context.Context, vmID, kind, detail string) error {
	if d.nc == nil || d.nc.IsClosed() {
		return fmt.Errorf("nats not connected")
	}
	payload, err := json.Marshal(warningEvent{
		Event:  "vm.warning",
		VMID:   vmID,
		Kind:   kind,
		Detail: detail,
		Time:   time.Now().Unix(),
	})
	if err != nil {
		return err
	}
	return d.nc.Publish(subjectWarnings, payload)
}

func (d *NATSDispatcher) Close() {
	if d.nc != nil {
		d.nc.Drain()
		d.nc.Close()
	}
}

// LogDispatcher writes notifications to the log. Used when no NATS URL is
// configured and in tests.
type LogDispatcher struct {
	logger *logger.Logger
}

func NewLogDispatcher(log *logger.Logger) *LogDispatcher {
	return &LogDispatcher{logger: log}
}

func (d *LogDispatcher) PublishTransition(ctx context.Context, vmID string, from, to models.VMState, ts time.Time) error {
	d.logger.WithVM(vmID).WithFields(logger.Fields{
		"from": from,
		"to":   to,
	}).Info("Lifecycle transition")
	return nil
}

func (d *LogDispatcher) PublishWarning(ctx context.Context, vmID, kind, detail string) error {
	d.logger.WithVM(vmID).WithFields(logger.Fields{
		"kind":   kind,
		"detail": detail,
	}).Warn("Lifecycle warning")
	return nil
}

func (d *LogDispatcher) Close() {}
