// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package update is the Graceful Self-Update Controller: a single state
// machine that watches a drop-in updates directory for a newer release,
// drains in-flight requests, swaps the running executable, and runs a
// health probe before committing by exec — restoring the backup
// automatically if the swap or the probe fails. The probe checks the
// still-running current process; the new binary is first started by the
// exec itself, and a failure after that point is not rolled back.
package update

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/mod/semver"
	"golang.org/x/sys/unix"
)

// State is one value of the controller's state machine.
type State string

const (
	StateIdle      State = "idle"
	StateAvailable State = "available"
	StateScheduled State = "scheduled"
	StateDraining  State = "draining"
	StateApplying  State = "applying"
	StateRollback  State = "rollback"
)

// ApprovalMode is how an available update was approved for application.
type ApprovalMode string

const (
	ApproveImmediate ApprovalMode = "immediate"
	ApproveOnIdle    ApprovalMode = "on_idle"
	ApproveScheduled ApprovalMode = "scheduled"
)

// InstallShape describes how this binary was deployed, which determines
// whether an update can be applied automatically at all.
type InstallShape string

const (
	ShapePortableBinary InstallShape = "portable_binary" // in-place swap
	ShapeSignedInstaller InstallShape = "signed_installer" // installer-managed; not applied automatically
	ShapeManualOnly      InstallShape = "manual_only"       // non-writable install
)

// TDrain bounds how long draining waits for in-flight requests before
// forcing the apply step anyway.
const TDrain = 300 * time.Second

// probeGracePeriod bounds the health probe run after the release binary is
// copied into place and before the exec; a probe that fails or overruns it
// restores the backup.
const probeGracePeriod = 30 * time.Second

// ErrUpdateInProgress is returned by Approve when the controller is past
// available (scheduled, draining, applying or rollback).
var ErrUpdateInProgress = errors.New("update: an update is already in progress")

// ErrNoReleaseAvailable is returned by Approve when no release has been
// detected yet.
var ErrNoReleaseAvailable = errors.New("update: no release available to approve")

// Release describes one discovered candidate build.
type Release struct {
	Version  string // semver, e.g. "v1.4.0"
	BinPath  string // path to the downloaded/extracted executable
	DetectedAt time.Time
}

// HealthProber is consulted after the release binary is copied into place
// and before the exec, to decide whether to commit or restore the backup;
// main wires this to this process's own /health endpoint, so it checks the
// running process rather than the new binary.
type HealthProber func(ctx context.Context) error

// Controller owns the update state machine. Exactly one instance should
// exist per process; it is not safe to run two update drains concurrently
// against the same executable.
type Controller struct {
	currentVersion string
	updatesDir     string
	execPath       string
	shape          InstallShape
	prober         HealthProber

	mu           sync.Mutex
	state        State
	available    *Release
	approval     ApprovalMode
	scheduledFor time.Time
	failReason   string

	inFlight atomic.Int64
}

// New builds a Controller. currentVersion is this process's own semver
// release tag; updatesDir is watched for newly-dropped release
// directories (each expected to contain a "version" file and a binary
// named by the current OS's normal executable convention).
func New(currentVersion, updatesDir string, prober HealthProber) (*Controller, error) {
	execPath, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("update: resolving own executable path: %w", err)
	}
	return &Controller{
		currentVersion: currentVersion,
		updatesDir:     updatesDir,
		execPath:       execPath,
		shape:          detectInstallShape(execPath),
		prober:         prober,
		state:          StateIdle,
	}, nil
}

// State reports the current machine state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Shape reports the detected install shape, which governs whether an
// approved update is swapped in place (portable binary only) or left staged
// and not applied.
func (c *Controller) Shape() InstallShape { return c.shape }

// BeginRequest/EndRequest let the HTTP layer register in-flight /v1/*
// calls so draining knows when all_done has been reached. BeginRequest
// reports false (and the caller must refuse the request with 503 and
// RetryAfter) when the controller is currently draining.
func (c *Controller) BeginRequest() (ok bool, retryAfter time.Duration) {
	c.mu.Lock()
	draining := c.state == StateDraining
	c.mu.Unlock()
	if draining {
		return false, 5 * time.Second
	}
	c.inFlight.Add(1)
	return true, 0
}

func (c *Controller) EndRequest() { c.inFlight.Add(-1) }

// Watch runs the fsnotify-driven release scanner until ctx is canceled.
// Each new subdirectory under updatesDir is read for a "version" file; a
// version that compares greater than currentVersion transitions idle to
// available.
func (c *Controller) Watch(ctx context.Context) error {
	if err := os.MkdirAll(c.updatesDir, 0o755); err != nil {
		return fmt.Errorf("update: creating updates directory: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("update: starting fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(c.updatesDir); err != nil {
		return fmt.Errorf("update: watching %s: %w", c.updatesDir, err)
	}

	c.scanForReleases()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				c.scanForReleases()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("update watcher error", "error", err)
		}
	}
}

func (c *Controller) scanForReleases() {
	entries, err := os.ReadDir(c.updatesDir)
	if err != nil {
		slog.Error("update: scanning updates directory", "error", err)
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(c.updatesDir, e.Name())
		versionBytes, err := os.ReadFile(filepath.Join(dir, "version"))
		if err != nil {
			continue
		}
		version := normalizeSemver(string(versionBytes))
		if !semver.IsValid(version) {
			continue
		}
		if semver.Compare(version, normalizeSemver(c.currentVersion)) <= 0 {
			continue
		}
		c.noteAvailable(&Release{
			Version:    version,
			BinPath:    filepath.Join(dir, releaseBinaryName()),
			DetectedAt: time.Now(),
		})
	}
}

func (c *Controller) noteAvailable(r *Release) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle && c.state != StateAvailable {
		return
	}
	if c.available != nil && semver.Compare(r.Version, c.available.Version) <= 0 {
		return
	}
	c.available = r
	c.state = StateAvailable
	slog.Info("update available", "version", r.Version)
}

// Approve transitions available to scheduled. mode=ApproveScheduled
// requires at, a future time; immediate and on_idle trigger the drain
// as soon as Run's scheduling loop next observes the state.
func (c *Controller) Approve(mode ApprovalMode, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateAvailable {
		if c.state == StateIdle {
			return ErrNoReleaseAvailable
		}
		return ErrUpdateInProgress
	}
	c.approval = mode
	c.scheduledFor = at
	c.state = StateScheduled
	return nil
}

// ErrNothingScheduled is returned by Cancel when there is no scheduled
// update to withdraw.
var ErrNothingScheduled = errors.New("update: nothing scheduled")

// Cancel withdraws a scheduled update, returning it to available. It
// cannot undo draining once started — the drain step is one-way, since
// in-flight requests may already be observing 503s.
func (c *Controller) Cancel() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateScheduled {
		return ErrNothingScheduled
	}
	c.state = StateAvailable
	c.approval = ""
	return nil
}

// Run drives the scheduled->draining->applying->idle/rollback transitions;
// it should run as a long-lived goroutine alongside Watch.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *Controller) tick(ctx context.Context) {
	c.mu.Lock()
	ready := c.state == StateScheduled && c.shouldTrigger()
	c.mu.Unlock()
	if !ready {
		return
	}
	c.applyUpdate(ctx)
}

func (c *Controller) shouldTrigger() bool {
	switch c.approval {
	case ApproveImmediate:
		return true
	case ApproveOnIdle:
		return c.inFlight.Load() == 0
	case ApproveScheduled:
		return !time.Now().Before(c.scheduledFor)
	default:
		return false
	}
}

// applyUpdate runs draining -> applying -> idle/rollback to completion.
func (c *Controller) applyUpdate(ctx context.Context) {
	c.mu.Lock()
	c.state = StateDraining
	release := c.available
	c.mu.Unlock()

	if c.shape != ShapePortableBinary {
		c.finish(StateIdle, fmt.Sprintf("%s install shape; update staged but not applied", c.shape))
		return
	}

	drainDeadline := time.Now().Add(TDrain)
	for c.inFlight.Load() > 0 && time.Now().Before(drainDeadline) {
		time.Sleep(100 * time.Millisecond)
	}

	c.mu.Lock()
	c.state = StateApplying
	c.mu.Unlock()

	if err := c.swapAndExec(ctx, release); err != nil {
		slog.Error("update apply failed, rolling back", "error", err)
		c.rollback(err)
		return
	}
	// swapAndExec replaces this process image on success and never returns.
}

// swapAndExec backs up the current executable, installs the release binary
// in its place, runs the health prober against the still-running current
// process, and commits by exec'ing the new binary — or restores the backup
// and returns an error so applyUpdate can record the rollback.
func (c *Controller) swapAndExec(ctx context.Context, release *Release) error {
	backupPath := c.execPath + ".bak"
	if err := copyFile(c.execPath, backupPath); err != nil {
		return fmt.Errorf("backing up current executable: %w", err)
	}

	if err := copyFile(release.BinPath, c.execPath); err != nil {
		restoreErr := copyFile(backupPath, c.execPath)
		return fmt.Errorf("installing release binary: %w (restore: %v)", err, restoreErr)
	}
	if err := os.Chmod(c.execPath, 0o755); err != nil {
		return fmt.Errorf("marking new executable runnable: %w", err)
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeGracePeriod)
	defer cancel()
	if c.prober != nil {
		if err := c.prober(probeCtx); err != nil {
			restoreErr := copyFile(backupPath, c.execPath)
			return fmt.Errorf("new process failed health probe: %w (restore: %v)", err, restoreErr)
		}
	}

	slog.Info("update applied, committing via exec", "version", release.Version)
	return unix.Exec(c.execPath, os.Args, os.Environ())
}

func (c *Controller) rollback(reason error) {
	c.mu.Lock()
	c.state = StateRollback
	c.mu.Unlock()
	c.finish(StateIdle, reason.Error())
}

func (c *Controller) finish(next State, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = next
	c.failReason = reason
	c.available = nil
}

// FailReason returns the reason recorded the last time the controller
// landed back in idle after a rollback or an apply refused for a
// non-portable install shape.
func (c *Controller) FailReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failReason
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o755)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

func normalizeSemver(v string) string {
	v = trimSpace(v)
	if v != "" && v[0] != 'v' {
		return "v" + v
	}
	return v
}

func trimSpace(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r' || s[len(s)-1] == ' ') {
		s = s[:len(s)-1]
	}
	return s
}

func releaseBinaryName() string {
	if runtime.GOOS == "windows" {
		return "llmlb.exe"
	}
	return "llmlb"
}

// detectInstallShape classifies how this binary was deployed: a writable
// path means in-place swap can work; an unwritable one on Linux means the
// controller can only surface the update as manual-only, since it has no
// privilege to replace a package-managed binary.
func detectInstallShape(execPath string) InstallShape {
	switch runtime.GOOS {
	case "darwin", "windows":
		if looksLikeBundleOrInstaller(execPath) {
			return ShapeSignedInstaller
		}
	}
	dir := filepath.Dir(execPath)
	probe := filepath.Join(dir, ".llmlb-write-probe")
	f, err := os.OpenFile(probe, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return ShapeManualOnly
	}
	f.Close()
	os.Remove(probe)
	return ShapePortableBinary
}

func looksLikeBundleOrInstaller(execPath string) bool {
	return filepath.Ext(execPath) == ".app" || filepath.Base(filepath.Dir(execPath)) == "MacOS"
}

// InvokeInstaller shells out to a platform installer binary for the
// signed-installer install shape, where in-place executable replacement is
// neither possible nor desired (the installer handles code-signing
// verification and privilege elevation itself).
func InvokeInstaller(ctx context.Context, installerPath string, args ...string) error {
	cmd := exec.CommandContext(ctx, installerPath, args...)
	return cmd.Run()
}
