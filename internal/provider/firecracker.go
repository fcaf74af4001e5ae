/*
 * Sandbox VM Manager - Firecracker Provider
 * Copyright (c) 2026 Quartz Cloud
 * All rights reserved.
 */

package provider

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	firecracker "github.com/firecracker-microvm/firecracker-go-sdk"
	fcmodels "github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/quartzcloud/sandboxd/internal/config"
	svcerrors "github.com/quartzcloud/sandboxd/internal/errors"
	"github.com/quartzcloud/sandboxd/internal/logger"
	"github.com/quartzcloud/sandboxd/internal/models"
)

// FirecrackerProvider runs sandbox VMs as local Firecracker microVMs. It
// exists for development and test deployments where no OpenStack cloud is
// reachable; the lifecycle semantics mirror the cloud provider's, with
// shelve/unshelve mapped to snapshot/restore.
type FirecrackerProvider struct {
	firecrackerPath string
	kernelPath      string
	rootfsPath      string
	snapshotDir     string
	socketDir       string

	logger   *logger.Logger
	fcLogger *logrus.Entry

	mu        sync.RWMutex
	instances map[string]*localInstance
}

// localInstance tracks one microVM and its last observed status. Firecracker
// operations are synchronous on the host, so status here is authoritative.
type localInstance struct {
	id      string
	machine *firecracker.Machine
	status  InstanceStatus

	snapshotMem   string
	snapshotState string
}

// NewFirecrackerProvider builds the local provider from configuration.
func NewFirecrackerProvider(cfg *config.Config, log *logger.Logger) (*FirecrackerProvider, error) {
	if _, err := os.Stat(cfg.KernelPath); err != nil {
		return nil, svcerrors.WrapProviderError(err, "firecracker_init", "kernel image not found")
	}
	for _, dir := range []string{cfg.SnapshotDir, cfg.SocketDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, svcerrors.WrapProviderError(err, "firecracker_init", "cannot create working directory")
		}
	}

	return &FirecrackerProvider{
		firecrackerPath: cfg.FirecrackerPath,
		kernelPath:      cfg.KernelPath,
		rootfsPath:      cfg.RootFSPath,
		snapshotDir:     cfg.SnapshotDir,
		socketDir:       cfg.SocketDir,
		logger:          log,
		fcLogger:        log.WithComponent("firecracker"),
		instances:       make(map[string]*localInstance),
	}, nil
}

func (p *FirecrackerProvider) Provision(ctx context.Context, desc models.Descriptor) (string, error) {
	id := uuid.NewString()

	inst := &localInstance{id: id, status: StatusBuild}
	p.mu.Lock()
	p.instances[id] = inst
	p.mu.Unlock()

	// Boot happens in the background: the contract is accept now, confirm
	// via PollStatus.
	go func() {
		if err := p.boot(inst, false); err != nil {
			p.logger.WithVM(id).WithField("error", err).Error("Failed to boot microVM")
			p.setStatus(id, StatusError)
			return
		}
		p.setStatus(id, StatusActive)
	}()

	return id, nil
}

func (p *FirecrackerProvider) Apply(ctx context.Context, instanceID string, op Operation) error {
	p.mu.RLock()
	inst, exists := p.instances[instanceID]
	p.mu.RUnlock()
	if !exists {
		return svcerrors.NewNotFoundError(string(op), "instance not found at provider").
			WithContext("instance_id", instanceID)
	}

	switch op {
	case OpStop:
		go p.pause(inst)
	case OpStart:
		go p.resume(inst)
	case OpShelve:
		go p.shelve(inst)
	case OpUnshelve:
		go p.unshelve(inst)
	case OpReboot:
		go p.reboot(inst)
	case OpDelete:
		go p.destroy(inst)
	default:
		return svcerrors.NewValidationError("apply", fmt.Sprintf("unknown provider operation %q", op))
	}
	return nil
}

func (p *FirecrackerProvider) PollStatus(ctx context.Context, instanceID string) (InstanceStatus, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	inst, exists := p.instances[instanceID]
	if !exists {
		return StatusGone, nil
	}
	return inst.status, nil
}

// boot starts a fresh microVM, or restores from the instance's snapshot.
func (p *FirecrackerProvider) boot(inst *localInstance, fromSnapshot bool) error {
	socketPath := filepath.Join(p.socketDir, fmt.Sprintf("%s.sock", inst.id))
	if err := os.RemoveAll(socketPath); err != nil {
		return fmt.Errorf("failed to clear socket path: %w", err)
	}

	cfg := firecracker.Config{
		SocketPath:      socketPath,
		KernelImagePath: p.kernelPath,
		KernelArgs:      "console=ttyS0 reboot=k panic=1 pci=off",
		Drives: []fcmodels.Drive{{
			DriveID:      firecracker.String("rootfs"),
			IsRootDevice: firecracker.Bool(true),
			IsReadOnly:   firecracker.Bool(false),
			PathOnHost:   firecracker.String(p.rootfsPath),
		}},
		MachineCfg: fcmodels.MachineConfiguration{
			VcpuCount:       firecracker.Int64(1),
			MemSizeMib:      firecracker.Int64(512),
			TrackDirtyPages: true,
		},
		VMID: inst.id,
	}

	var machine *firecracker.Machine
	var err error
	if fromSnapshot {
		machine, err = firecracker.NewMachine(
			context.Background(),
			cfg,
			firecracker.WithLogger(p.fcLogger),
			firecracker.WithSnapshot(inst.snapshotMem, inst.snapshotState),
		)
	} else {
		machine, err = firecracker.NewMachine(context.Background(), cfg, firecracker.WithLogger(p.fcLogger))
	}
	if err != nil {
		return fmt.Errorf("failed to create machine: %w", err)
	}

	if err := machine.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start machine: %w", err)
	}

	p.mu.Lock()
	inst.machine = machine
	p.mu.Unlock()
	return nil
}

func (p *FirecrackerProvider) pause(inst *localInstance) {
	if err := inst.machine.PauseVM(context.Background()); err != nil {
		p.logger.WithVM(inst.id).WithField("error", err).Error("Failed to pause microVM")
		p.setStatus(inst.id, StatusError)
		return
	}
	p.setStatus(inst.id, StatusShutoff)
}

func (p *FirecrackerProvider) resume(inst *localInstance) {
	if err := inst.machine.ResumeVM(context.Background()); err != nil {
		p.logger.WithVM(inst.id).WithField("error", err).Error("Failed to resume microVM")
		p.setStatus(inst.id, StatusError)
		return
	}
	p.setStatus(inst.id, StatusActive)
}

// shelve snapshots the VM to disk and releases its compute allocation, the
// local equivalent of a cloud shelve-offload.
func (p *FirecrackerProvider) shelve(inst *localInstance) {
	memPath := filepath.Join(p.snapshotDir, fmt.Sprintf("%s.mem", inst.id))
	statePath := filepath.Join(p.snapshotDir, fmt.Sprintf("%s.state", inst.id))

	ctx := context.Background()

	// Snapshots require a paused VM; pausing an already-paused VM is fine.
	if err := inst.machine.PauseVM(ctx); err != nil {
		p.logger.WithVM(inst.id).WithField("error", err).Debug("VM already paused before snapshot")
	}

	if err := inst.machine.CreateSnapshot(ctx, memPath, statePath); err != nil {
		p.logger.WithVM(inst.id).WithField("error", err).Error("Failed to snapshot microVM")
		p.setStatus(inst.id, StatusError)
		return
	}

	p.stopVMM(inst)

	p.mu.Lock()
	inst.snapshotMem = memPath
	inst.snapshotState = statePath
	inst.machine = nil
	p.mu.Unlock()
	p.setStatus(inst.id, StatusShelved)
}

func (p *FirecrackerProvider) unshelve(inst *localInstance) {
	if inst.snapshotMem == "" || inst.snapshotState == "" {
		p.logger.WithVM(inst.id).Error("No snapshot to restore microVM from")
		p.setStatus(inst.id, StatusError)
		return
	}
	if err := p.boot(inst, true); err != nil {
		p.logger.WithVM(inst.id).WithField("error", err).Error("Failed to restore microVM")
		p.setStatus(inst.id, StatusError)
		return
	}
	// A restored VM comes back paused.
	if err := inst.machine.ResumeVM(context.Background()); err != nil {
		p.logger.WithVM(inst.id).WithField("error", err).Error("Failed to resume restored microVM")
		p.setStatus(inst.id, StatusError)
		return
	}
	p.setStatus(inst.id, StatusActive)
}

func (p *FirecrackerProvider) reboot(inst *localInstance) {
	p.setStatus(inst.id, StatusBuild)
	p.stopVMM(inst)
	if err := p.boot(inst, false); err != nil {
		p.logger.WithVM(inst.id).WithField("error", err).Error("Failed to reboot microVM")
		p.setStatus(inst.id, StatusError)
		return
	}
	p.setStatus(inst.id, StatusActive)
}

func (p *FirecrackerProvider) destroy(inst *localInstance) {
	p.stopVMM(inst)

	for _, path := range []string{inst.snapshotMem, inst.snapshotState} {
		if path != "" {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				p.logger.WithVM(inst.id).WithField("error", err).Warn("Failed to remove snapshot file")
			}
		}
	}

	p.mu.Lock()
	delete(p.instances, inst.id)
	p.mu.Unlock()
	p.logger.WithVM(inst.id).Info("MicroVM destroyed")
}

// stopVMM shuts the machine down, force-killing if the guest does not
// cooperate, and waits for the firecracker process to exit. The SDK calls
// only send signals; without the wait the process can outlive us.
func (p *FirecrackerProvider) stopVMM(inst *localInstance) {
	p.mu.RLock()
	machine := inst.machine
	p.mu.RUnlock()
	if machine == nil {
		return
	}

	ctx := context.Background()
	if err := machine.ResumeVM(ctx); err != nil {
		p.logger.WithVM(inst.id).WithField("error", err).Debug("VM was not paused before shutdown")
	}

	if err := machine.Shutdown(ctx); err != nil {
		p.logger.WithVM(inst.id).WithField("error", err).Error("Graceful shutdown failed, force killing")
		if killErr := machine.StopVMM(); killErr != nil {
			p.logger.WithVM(inst.id).WithField("error", killErr).Error("Failed to force kill microVM")
		}
	}

	if err := machine.Wait(ctx); err != nil {
		p.logger.WithVM(inst.id).WithField("error", err).Debug("Firecracker process exit wait returned error")
	}
}

func (p *FirecrackerProvider) setStatus(id string, status InstanceStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if inst, exists := p.instances[id]; exists {
		inst.status = status
	}
}
