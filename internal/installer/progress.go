package installer

import (
	"context"
	"fmt"
	"sync"
)

// Stage is a step of an install job. Stages of one job always advance in order.
type Stage string

const (
	StageQueued      Stage = "queued"
	StageDownloading Stage = "downloading"
	StageVerifying   Stage = "verifying"
	StageExtracting  Stage = "extracting"
	StageInstalling  Stage = "installing"
	StageComplete    Stage = "complete"
	StageError       Stage = "error"
)

// Terminal reports whether no further progress follows the stage
func (s Stage) Terminal() bool {
	return s == StageComplete || s == StageError
}

// Fixed progress anchors. The download phase spans [0, downloadCeiling).
const (
	downloadCeiling   = 70.0
	percentVerifying  = 80.0
	percentExtracting = 85.0
	percentInstalling = 90.0
	percentComplete   = 100.0
)

// Progress is a snapshot of an install job
type Progress struct {
	ToolID  string  `json:"toolId"`
	JobID   string  `json:"jobId"`
	Stage   Stage   `json:"stage"`
	Percent float64 `json:"percent"`
	// Indeterminate is set while downloading from a server that sent no content length
	Indeterminate bool   `json:"indeterminate,omitempty"`
	BytesDone     int64  `json:"bytesDone,omitempty"`
	BytesTotal    int64  `json:"bytesTotal,omitempty"`
	Message       string `json:"message"`
	Error         string `json:"error,omitempty"`
}

const progressBuffer = 64

// Job is a running install. Its progress stream carries non-decreasing percentages
// and ends with exactly one terminal update, after which it is closed.
type Job struct {
	ID      string
	ToolID  string
	Version string

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	latest Progress

	updates chan Progress
	done    chan struct{}
	err     error
}

func newJob(id string, toolID string, version string) *Job {
	ctx, cancel := context.WithCancel(context.Background())
	return &Job{
		ID:      id,
		ToolID:  toolID,
		Version: version,
		ctx:     ctx,
		cancel:  cancel,
		latest:  Progress{ToolID: toolID, JobID: id, Stage: StageQueued},
		updates: make(chan Progress, progressBuffer),
		done:    make(chan struct{}),
	}
}

// Progress returns the job's update stream. Intermediate updates are dropped when
// the reader falls behind; the terminal update is always delivered.
func (j *Job) Progress() <-chan Progress {
	return j.updates
}

// Latest returns the most recent progress snapshot
func (j *Job) Latest() Progress {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.latest
}

// Done is closed once the job has finished
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Err returns the job's error once Done is closed
func (j *Job) Err() error {
	select {
	case <-j.done:
		return j.err
	default:
		return nil
	}
}

// Wait blocks until the job finishes or ctx is done
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return j.err
	case <-ctx.Done():
		return fmt.Errorf("wait for install of %s cancelled: %w", j.ToolID, ctx.Err())
	}
}

// report records p, clamping its percentage so it never goes backwards. Only the
// job's own goroutine reports, so the buffer length check cannot race with
// another sender and one slot always stays free for the terminal update.
func (j *Job) report(p Progress) {
	j.mu.Lock()
	if j.latest.Stage.Terminal() {
		j.mu.Unlock()
		return
	}
	p.ToolID = j.ToolID
	p.JobID = j.ID
	if p.Percent < j.latest.Percent {
		p.Percent = j.latest.Percent
	}
	j.latest = p
	j.mu.Unlock()

	if p.Stage.Terminal() {
		j.updates <- p
		close(j.updates)
		return
	}
	if len(j.updates) < cap(j.updates)-1 {
		j.updates <- p
	}
}

func (j *Job) finish(err error) {
	if err != nil {
		latest := j.Latest()
		j.report(Progress{Stage: StageError, Percent: latest.Percent, Message: "Install failed", Error: err.Error()})
	} else {
		j.report(Progress{Stage: StageComplete, Percent: percentComplete, Message: "Installed"})
	}
	j.err = err
	j.cancel()
	close(j.done)
}
