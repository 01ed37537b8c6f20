// Package installer turns a remote package, a platform binary or a local directory
// into a validated tool installation under the host's tools directory.
package installer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/dorcha-inc/toolhost/internal/core"
	"github.com/dorcha-inc/toolhost/internal/manifest"
)

const (
	stagingPrefix = ".staging-"
	backupPrefix  = ".backup-"
)

// localSkipDirs are not copied when installing from a development directory
var localSkipDirs = []string{".git", ".venv", "__pycache__"}

// EnvRemover removes the per-tool python environment on uninstall
type EnvRemover interface {
	RemoveToolEnv(toolID string) error
}

// NodeDepsInstaller installs a node backend's dependencies after extraction
type NodeDepsInstaller interface {
	InstallNodeDeps(ctx context.Context, toolID string, dir string) error
}

// Options configure an Installer
type Options struct {
	Layout     *core.Layout
	HTTPClient *http.Client
	Clock      clockwork.Clock
	// Retries is the number of download attempts, DefaultRetries when zero
	Retries int
	// Platform selects binary assets, runtime.GOOS when empty
	Platform string
	Envs     EnvRemover
	NodeDeps NodeDepsInstaller
}

// Installer owns the tools directory. At most one job per tool id runs at a time.
type Installer struct {
	layout   *core.Layout
	client   *http.Client
	clock    clockwork.Clock
	retries  int
	platform string
	envs     EnvRemover
	nodeDeps NodeDepsInstaller

	jobs *xsync.MapOf[string, *Job]
}

// New creates an installer
func New(opts Options) *Installer {
	i := &Installer{
		layout:   opts.Layout,
		client:   opts.HTTPClient,
		clock:    opts.Clock,
		retries:  opts.Retries,
		platform: opts.Platform,
		envs:     opts.Envs,
		nodeDeps: opts.NodeDeps,
		jobs:     xsync.NewMapOf[string, *Job](),
	}
	if i.client == nil {
		i.client = &http.Client{}
	}
	if i.clock == nil {
		i.clock = clockwork.NewRealClock()
	}
	if i.retries <= 0 {
		i.retries = DefaultRetries
	}
	if i.platform == "" {
		i.platform = runtime.GOOS
	}
	return i
}

// ToolDir returns the installation directory of a tool
func (i *Installer) ToolDir(toolID string) string {
	return i.layout.ToolDir(toolID)
}

// IsInstalled reports whether a completed installation exists for toolID
func (i *Installer) IsInstalled(toolID string) bool {
	ok, err := core.PathExists(i.layout.ToolDir(toolID))
	return err == nil && ok
}

// Start begins installing entry and returns the running job. It fails without
// touching the filesystem when the tool is installed, a job for it is in flight,
// or a binary entry has no usable asset for this platform.
func (i *Installer) Start(entry *Entry) (*Job, error) {
	return i.start(entry, false)
}

// StartUpdate is Start for a tool that is already installed. The previous install
// stays in place until the new one has been validated and is restored if the
// switch fails.
func (i *Installer) StartUpdate(entry *Entry) (*Job, error) {
	return i.start(entry, true)
}

// Install runs an install to completion, forwarding progress to onProgress when set.
// Cancelling ctx cancels the job.
func (i *Installer) Install(ctx context.Context, entry *Entry, onProgress func(Progress)) error {
	job, err := i.Start(entry)
	if err != nil {
		return err
	}
	return i.follow(ctx, job, onProgress)
}

// Update runs an update to completion like Install
func (i *Installer) Update(ctx context.Context, entry *Entry, onProgress func(Progress)) error {
	job, err := i.StartUpdate(entry)
	if err != nil {
		return err
	}
	return i.follow(ctx, job, onProgress)
}

func (i *Installer) follow(ctx context.Context, job *Job, onProgress func(Progress)) error {
	updates := job.Progress()
	for {
		select {
		case p, ok := <-updates:
			if !ok {
				<-job.Done()
				return job.Err()
			}
			if onProgress != nil {
				onProgress(p)
			}
		case <-ctx.Done():
			i.CancelJob(job)
			<-job.Done()
			return job.Err()
		}
	}
}

func (i *Installer) start(entry *Entry, update bool) (*Job, error) {
	if entry == nil {
		return nil, errors.New("install entry is required")
	}
	if err := manifest.ValidateToolID(entry.ID); err != nil {
		return nil, err
	}

	var asset *BinaryAsset
	if entry.IsBinary() {
		a, err := entry.PlatformAsset(i.platform)
		if err != nil {
			return nil, err
		}
		asset = a
	} else if entry.DownloadURL == "" {
		return nil, fmt.Errorf("tool %s has neither a download url nor binary assets", entry.ID)
	}

	toolDir := i.layout.ToolDir(entry.ID)
	installed, err := core.PathExists(toolDir)
	if err != nil {
		return nil, fmt.Errorf("failed to check tool directory: %w", err)
	}
	if installed && !update {
		return nil, NewAlreadyInstalledError(entry.ID, toolDir)
	}
	if !installed && update {
		return nil, NewNotInstalledError(entry.ID)
	}

	job := newJob(uuid.NewString(), entry.ID, entry.Version)
	if existing, loaded := i.jobs.LoadOrStore(entry.ID, job); loaded {
		job.cancel()
		return nil, NewJobInFlightError(entry.ID, existing.ID)
	}

	zap.L().Info("Install started",
		zap.String("tool", entry.ID),
		zap.String("version", entry.Version),
		zap.String("job", job.ID),
		zap.Bool("update", update))

	go i.run(job, entry, asset, update)
	return job, nil
}

// Job returns the in-flight job for toolID
func (i *Installer) Job(toolID string) (*Job, bool) {
	return i.jobs.Load(toolID)
}

// Jobs returns the latest progress of every in-flight job
func (i *Installer) Jobs() []Progress {
	out := make([]Progress, 0)
	i.jobs.Range(func(_ string, job *Job) bool {
		out = append(out, job.Latest())
		return true
	})
	sort.Slice(out, func(a, b int) bool { return out[a].ToolID < out[b].ToolID })
	return out
}

// Cancel aborts the in-flight job for toolID. The job entry is removed at once so
// a fresh install can start immediately.
func (i *Installer) Cancel(toolID string) bool {
	job, ok := i.jobs.LoadAndDelete(toolID)
	if !ok {
		return false
	}
	zap.L().Info("Install cancelled", zap.String("tool", toolID), zap.String("job", job.ID))
	job.cancel()
	return true
}

// CancelJob aborts job. A newer job registered for the same tool is left
// running. Reports whether job was still the registered one.
func (i *Installer) CancelJob(job *Job) bool {
	registered := i.release(job)
	job.cancel()
	if registered {
		zap.L().Info("Install cancelled", zap.String("tool", job.ToolID), zap.String("job", job.ID))
	}
	return registered
}

// release drops the registry entry for job unless a newer job has replaced it
func (i *Installer) release(job *Job) bool {
	var released bool
	i.jobs.Compute(job.ToolID, func(current *Job, loaded bool) (*Job, bool) {
		released = loaded && current == job
		return current, !loaded || released
	})
	return released
}

func (i *Installer) run(job *Job, entry *Entry, asset *BinaryAsset, update bool) {
	err := i.execute(job, entry, asset, update)
	i.release(job)

	if err != nil {
		zap.L().Error("Install failed",
			zap.String("tool", entry.ID),
			zap.String("job", job.ID),
			zap.Error(err))
	} else {
		zap.L().Info("Tool installed successfully",
			zap.String("tool", entry.ID),
			zap.String("version", entry.Version),
			zap.String("path", i.layout.ToolDir(entry.ID)))
	}
	job.finish(err)
}

func (i *Installer) execute(job *Job, entry *Entry, asset *BinaryAsset, update bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			core.LogPanicRecovery("installer", r)
			err = fmt.Errorf("install of %s failed unexpectedly: %v", entry.ID, r)
		}
	}()

	for _, dir := range []string{i.layout.TempDir(), i.layout.ToolsDir()} {
		// #nosec G301 -- data directories are private to the user running the host
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	staging := filepath.Join(i.layout.ToolsDir(), stagingPrefix+entry.ID+"-"+job.ID)
	defer i.cleanupJob(job.ID, staging)

	var root string
	if asset != nil {
		root, err = i.prepareBinary(job, entry, asset, staging)
	} else {
		root, err = i.preparePackage(job, entry, staging)
	}
	if err != nil {
		return err
	}
	return i.commit(job.ctx, entry.ID, job.ID, root, update)
}

// preparePackage downloads, verifies, extracts and validates a zip package and
// returns the directory holding its manifest
func (i *Installer) preparePackage(job *Job, entry *Entry, staging string) (string, error) {
	archive := i.tempPath(entry, job.ID, ".zip")
	if err := i.download(job.ctx, entry.DownloadURL, archive, job.downloadReporter()); err != nil {
		return "", err
	}

	job.report(Progress{Stage: StageVerifying, Percent: percentVerifying, Message: "Verifying download"})
	if entry.Hash != "" {
		if err := verifyChecksum(entry.ID, archive, entry.Hash); err != nil {
			return "", err
		}
	} else {
		zap.L().Debug("No hash declared, skipping verification", zap.String("tool", entry.ID))
	}

	job.report(Progress{Stage: StageExtracting, Percent: percentExtracting, Message: "Extracting package"})
	if err := job.ctx.Err(); err != nil {
		return "", fmt.Errorf("install cancelled: %w", err)
	}
	if err := os.Mkdir(staging, 0750); err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	if err := extractZip(archive, staging); err != nil {
		return "", err
	}
	root, err := packageRoot(staging)
	if err != nil {
		return "", err
	}

	job.report(Progress{Stage: StageInstalling, Percent: percentInstalling, Message: "Validating manifest"})
	m, err := manifest.Load(root)
	if err != nil {
		return "", err
	}
	if err := m.ValidateForInstall(entry.ID); err != nil {
		return "", err
	}
	if err := m.ValidateFiles(root); err != nil {
		return "", err
	}
	if entry.Version != "" && manifest.CanonicalVersion(entry.Version) != manifest.CanonicalVersion(m.Version) {
		zap.L().Warn("Package version differs from catalog entry",
			zap.String("tool", entry.ID),
			zap.String("catalog_version", entry.Version),
			zap.String("manifest_version", m.Version))
	}

	if err := i.installNodeDeps(job, m, root); err != nil {
		return "", err
	}
	return root, nil
}

// prepareBinary downloads and verifies a platform binary and lays it out next to a
// synthesized manifest
func (i *Installer) prepareBinary(job *Job, entry *Entry, asset *BinaryAsset, staging string) (string, error) {
	download := i.tempPath(entry, job.ID, ".bin")
	if err := i.download(job.ctx, asset.URL, download, job.downloadReporter()); err != nil {
		return "", err
	}

	job.report(Progress{Stage: StageVerifying, Percent: percentVerifying, Message: "Verifying download"})
	if err := verifyChecksum(entry.ID, download, asset.Checksum); err != nil {
		return "", err
	}

	job.report(Progress{Stage: StageInstalling, Percent: percentInstalling, Message: "Installing binary"})
	if err := job.ctx.Err(); err != nil {
		return "", fmt.Errorf("install cancelled: %w", err)
	}
	if err := os.Mkdir(staging, 0750); err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}

	name := asset.BinaryName(entry.ID, i.platform)
	target := filepath.Join(staging, name)
	if err := os.Rename(download, target); err != nil {
		return "", fmt.Errorf("failed to move binary into place: %w", err)
	}
	if i.platform != core.GOOSWindows {
		// #nosec G302 -- the installed binary must be executable
		if err := os.Chmod(target, 0755); err != nil {
			return "", fmt.Errorf("failed to mark binary executable: %w", err)
		}
	}

	m := entry.BinaryManifest(name)
	data, err := manifest.Marshal(m)
	if err != nil {
		return "", err
	}
	// #nosec G306 -- manifests are world readable like the rest of the tool
	if err := os.WriteFile(filepath.Join(staging, manifest.FileName), data, 0644); err != nil {
		return "", fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := m.ValidateForInstall(entry.ID); err != nil {
		return "", err
	}
	if err := m.ValidateFiles(staging); err != nil {
		return "", err
	}
	return staging, nil
}

func (i *Installer) installNodeDeps(job *Job, m *manifest.ToolManifest, root string) error {
	if i.nodeDeps == nil {
		return nil
	}
	backend, err := m.Backend()
	if err != nil || backend.Type != manifest.BackendNode {
		return nil
	}

	dir := filepath.Dir(backend.ResolveEntry(root))
	if ok, _ := core.PathExists(filepath.Join(dir, "package.json")); !ok {
		return nil
	}

	job.report(Progress{Stage: StageInstalling, Percent: percentInstalling, Message: "Installing node dependencies"})
	if err := i.nodeDeps.InstallNodeDeps(job.ctx, m.ID, dir); err != nil {
		return fmt.Errorf("failed to install node dependencies: %w", err)
	}
	return nil
}

// commit moves a validated package root into the tool's installation directory.
// On update the previous installation is moved aside and restored on failure.
func (i *Installer) commit(ctx context.Context, toolID string, jobID string, root string, update bool) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("install cancelled: %w", err)
	}

	toolDir := i.layout.ToolDir(toolID)
	if !update {
		if ok, _ := core.PathExists(toolDir); ok {
			return NewAlreadyInstalledError(toolID, toolDir)
		}
		if err := os.Rename(root, toolDir); err != nil {
			return fmt.Errorf("failed to move tool into place: %w", err)
		}
		return nil
	}

	backup := filepath.Join(i.layout.ToolsDir(), backupPrefix+toolID+"-"+jobID)
	if err := os.Rename(toolDir, backup); err != nil {
		return fmt.Errorf("failed to move previous install aside: %w", err)
	}
	if err := os.Rename(root, toolDir); err != nil {
		if restoreErr := os.Rename(backup, toolDir); restoreErr != nil {
			zap.L().Error("Failed to restore previous install",
				zap.String("tool", toolID),
				zap.String("backup", backup),
				zap.Error(restoreErr))
		}
		return fmt.Errorf("failed to move tool into place: %w", err)
	}
	core.LogDeferredError(func() error { return os.RemoveAll(backup) })
	return nil
}

// cleanupJob removes the staging directory and every temp file of a job. Failures
// are logged so they never mask the job's own error.
func (i *Installer) cleanupJob(jobID string, staging string) {
	core.LogDeferredError(func() error { return os.RemoveAll(staging) })

	matches, err := filepath.Glob(filepath.Join(i.layout.TempDir(), "*-"+jobID+"*"))
	if err != nil {
		zap.L().Warn("Failed to list job temp files", zap.String("job", jobID), zap.Error(err))
		return
	}
	for _, match := range matches {
		core.LogDeferredError(func() error { return os.RemoveAll(match) })
	}
}

// tempPath is the job-scoped download path <id>-<version>-<job><ext>
func (i *Installer) tempPath(entry *Entry, jobID string, ext string) string {
	version := entry.Version
	if version == "" {
		version = "latest"
	}
	return filepath.Join(i.layout.TempDir(), fmt.Sprintf("%s-%s-%s%s", entry.ID, version, jobID, ext))
}

func (j *Job) downloadReporter() downloadProgress {
	return func(done int64, total int64) {
		p := Progress{
			Stage:      StageDownloading,
			BytesDone:  done,
			BytesTotal: total,
			Message:    "Downloading",
		}
		if total > 0 {
			p.Percent = min(downloadCeiling*float64(done)/float64(total), downloadCeiling)
		} else {
			p.Indeterminate = true
		}
		j.report(p)
	}
}

// InstallLocal installs a tool by copying a development directory
func (i *Installer) InstallLocal(ctx context.Context, srcDir string) (*manifest.ToolManifest, error) {
	srcDir, err := filepath.Abs(srcDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve source directory: %w", err)
	}

	info, err := os.Stat(srcDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("local path %s does not exist", srcDir)
		}
		return nil, fmt.Errorf("failed to stat local path: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("local path %s must be a directory", srcDir)
	}

	m, err := manifest.Load(srcDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate manifest: %w", err)
	}
	if err := m.ValidateFiles(srcDir); err != nil {
		return nil, fmt.Errorf("failed to validate manifest: %w", err)
	}

	toolDir := i.layout.ToolDir(m.ID)
	if ok, _ := core.PathExists(toolDir); ok {
		return nil, NewAlreadyInstalledError(m.ID, toolDir)
	}

	job := newJob(uuid.NewString(), m.ID, m.Version)
	if existing, loaded := i.jobs.LoadOrStore(m.ID, job); loaded {
		job.cancel()
		return nil, NewJobInFlightError(m.ID, existing.ID)
	}

	err = i.installLocal(ctx, job, m, srcDir)
	i.release(job)
	job.finish(err)
	if err != nil {
		return nil, err
	}

	zap.L().Info("Tool installed successfully",
		zap.String("tool", m.ID),
		zap.String("version", m.Version),
		zap.String("path", toolDir))
	return m, nil
}

func (i *Installer) installLocal(ctx context.Context, job *Job, m *manifest.ToolManifest, srcDir string) error {
	// #nosec G301 -- data directories are private to the user running the host
	if err := os.MkdirAll(i.layout.ToolsDir(), 0750); err != nil {
		return fmt.Errorf("failed to create tools directory: %w", err)
	}

	staging := filepath.Join(i.layout.ToolsDir(), stagingPrefix+m.ID+"-"+job.ID)
	defer i.cleanupJob(job.ID, staging)

	job.report(Progress{Stage: StageInstalling, Percent: percentInstalling, Message: "Copying tool files"})
	if err := os.Mkdir(staging, 0750); err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	if err := core.CopyDirectory(srcDir, staging, localSkipDirs); err != nil {
		return fmt.Errorf("failed to copy tool files: %w", err)
	}
	if err := i.installNodeDeps(job, m, staging); err != nil {
		return err
	}
	return i.commit(ctx, m.ID, job.ID, staging, false)
}

// Uninstall removes a tool's installation directory and its python environment.
// Removal is best effort: a failure to remove the environment is logged.
func (i *Installer) Uninstall(toolID string) error {
	if err := manifest.ValidateToolID(toolID); err != nil {
		return err
	}
	if job, ok := i.jobs.Load(toolID); ok {
		return NewJobInFlightError(toolID, job.ID)
	}

	toolDir := i.layout.ToolDir(toolID)
	installed, err := core.PathExists(toolDir)
	if err != nil {
		return fmt.Errorf("failed to check tool directory: %w", err)
	}
	if !installed {
		return NewNotInstalledError(toolID)
	}

	if err := os.RemoveAll(toolDir); err != nil {
		return fmt.Errorf("failed to remove tool directory: %w", err)
	}

	var envErr error
	if i.envs != nil {
		envErr = i.envs.RemoveToolEnv(toolID)
	} else {
		envErr = os.RemoveAll(i.layout.ToolEnvDir(toolID))
	}
	if envErr != nil {
		zap.L().Warn("Failed to remove tool environment", zap.String("tool", toolID), zap.Error(envErr))
	}

	zap.L().Info("Tool uninstalled successfully", zap.String("tool", toolID))
	return nil
}

// SweepTemp removes download leftovers and abandoned staging directories older than
// maxAge. Files of in-flight jobs are kept. A backup left behind by an interrupted
// update is restored when the tool directory is missing.
func (i *Installer) SweepTemp(maxAge time.Duration) (int, error) {
	active := make(map[string]bool)
	i.jobs.Range(func(_ string, job *Job) bool {
		active[job.ID] = true
		return true
	})
	belongsToActive := func(name string) bool {
		for id := range active {
			if strings.Contains(name, id) {
				return true
			}
		}
		return false
	}

	cutoff := i.clock.Now().Add(-maxAge)
	removed := 0

	tempEntries, err := os.ReadDir(i.layout.TempDir())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("failed to read temp directory: %w", err)
	}
	for _, entry := range tempEntries {
		if belongsToActive(entry.Name()) || !olderThan(entry, cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(i.layout.TempDir(), entry.Name())); err != nil {
			zap.L().Warn("Failed to remove temp file", zap.String("name", entry.Name()), zap.Error(err))
			continue
		}
		removed++
	}

	toolEntries, err := os.ReadDir(i.layout.ToolsDir())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return removed, fmt.Errorf("failed to read tools directory: %w", err)
	}
	for _, entry := range toolEntries {
		name := entry.Name()
		if !strings.HasPrefix(name, stagingPrefix) && !strings.HasPrefix(name, backupPrefix) {
			continue
		}
		if belongsToActive(name) || !olderThan(entry, cutoff) {
			continue
		}
		path := filepath.Join(i.layout.ToolsDir(), name)
		if strings.HasPrefix(name, backupPrefix) && i.restoreBackup(path, name) {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			zap.L().Warn("Failed to remove stale directory", zap.String("name", name), zap.Error(err))
			continue
		}
		removed++
	}

	if removed > 0 {
		zap.L().Info("Swept temp files", zap.Int("removed", removed))
	}
	return removed, nil
}

// restoreBackup moves a backup named .backup-<id>-<job> back into place when the
// tool directory is missing
func (i *Installer) restoreBackup(path string, name string) bool {
	rest := strings.TrimPrefix(name, backupPrefix)
	// job ids are uuids, 36 characters after the separating dash
	if len(rest) < 38 {
		return false
	}
	toolID := rest[:len(rest)-37]
	if manifest.ValidateToolID(toolID) != nil {
		return false
	}
	toolDir := i.layout.ToolDir(toolID)
	if ok, _ := core.PathExists(toolDir); ok {
		return false
	}
	if err := os.Rename(path, toolDir); err != nil {
		zap.L().Warn("Failed to restore backup", zap.String("tool", toolID), zap.Error(err))
		return false
	}
	zap.L().Info("Restored interrupted update", zap.String("tool", toolID))
	return true
}

func olderThan(entry os.DirEntry, cutoff time.Time) bool {
	info, err := entry.Info()
	if err != nil {
		return false
	}
	return info.ModTime().Before(cutoff)
}
