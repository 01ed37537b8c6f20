// Package tui provides terminal output for the toolhost CLI using charmbracelet libraries.
// It detects terminal capabilities and falls back to plain output when piping or redirecting.
//
// The package is script-friendly:
//   - Spinners and progress bars only appear when stderr is a TTY
//   - Colors are disabled when piping or when NO_COLOR is set
//   - Markdown (tool READMEs) is rendered with glamour on a terminal
//
// Environment Variables:
//   - NO_COLOR or TOOLHOST_NO_COLOR: Disable colors (respects https://no-color.org/)
//   - TERM=dumb: Disable colors
//   - TOOLHOST_QUIET: Disable all progress output
package tui

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/dorcha-inc/toolhost/internal/core"
	"github.com/dorcha-inc/toolhost/internal/installer"
)

const (
	quietEnv   = core.EnvPrefix + "_QUIET"
	noColorEnv = core.EnvPrefix + "_NO_COLOR"

	defaultWidth  = 80
	progressWidth = 40
)

var (
	colorGreen = lipgloss.ANSIColor(2)
	colorRed   = lipgloss.ANSIColor(1)
	colorBlue  = lipgloss.ANSIColor(4)
	colorGray  = lipgloss.ANSIColor(8)
)

// UI writes progress to stderr and results to stdout
type UI struct {
	out io.Writer
	err io.Writer

	stdoutIsTTY  bool
	stderrIsTTY  bool
	enabled      bool
	colorEnabled bool

	clock clockwork.Clock

	mu             sync.Mutex
	currentSpinner *spinnerState
	bar            *progress.Model
	barTool        string

	renderer      *lipgloss.Renderer
	successStyle  lipgloss.Style
	errorStyle    lipgloss.Style
	spinnerStyle  lipgloss.Style
	mutedStyle    lipgloss.Style
	headingStyle  lipgloss.Style
	markdownWidth int
}

type spinnerState struct {
	started time.Time
	ticker  clockwork.Ticker
	message string
	done    chan struct{}
}

// Options override terminal detection, mainly for tests
type Options struct {
	Stdout       io.Writer
	Stderr       io.Writer
	StdoutIsTTY  bool
	StderrIsTTY  bool
	ColorEnabled bool
	Clock        clockwork.Clock
}

var defaultUI = New()

// New creates a UI over the process's stdout and stderr with TTY detection
func New() *UI {
	stderrIsTTY := IsTerminal(os.Stderr)
	return NewWithOptions(Options{
		Stdout:       os.Stdout,
		Stderr:       os.Stderr,
		StdoutIsTTY:  IsTerminal(os.Stdout),
		StderrIsTTY:  stderrIsTTY,
		ColorEnabled: stderrIsTTY && !isColorDisabled(),
	})
}

// NewWithOptions creates a UI with explicit writers and capabilities
func NewWithOptions(opts Options) *UI {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	renderer := lipgloss.NewRenderer(opts.Stderr)
	ui := &UI{
		out:           opts.Stdout,
		err:           opts.Stderr,
		stdoutIsTTY:   opts.StdoutIsTTY,
		stderrIsTTY:   opts.StderrIsTTY,
		enabled:       opts.StderrIsTTY && !isDisabled(),
		colorEnabled:  opts.ColorEnabled,
		clock:         opts.Clock,
		renderer:      renderer,
		successStyle:  renderer.NewStyle().Foreground(colorGreen).Bold(true),
		errorStyle:    renderer.NewStyle().Foreground(colorRed).Bold(true),
		spinnerStyle:  renderer.NewStyle().Foreground(colorBlue),
		mutedStyle:    renderer.NewStyle().Foreground(colorGray),
		headingStyle:  renderer.NewStyle().Bold(true),
		markdownWidth: defaultWidth,
	}

	if f, ok := opts.Stdout.(*os.File); ok && opts.StdoutIsTTY {
		if w, _, err := term.GetSize(int(f.Fd())); err == nil && w > 0 {
			ui.markdownWidth = w
		}
	}
	return ui
}

// IsTerminal checks if a file is connected to a terminal
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// isDisabled checks if progress output is disabled via TOOLHOST_QUIET
func isDisabled() bool {
	if val := os.Getenv(quietEnv); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
		return true
	}
	return false
}

func isColorDisabled() bool {
	return core.GetEnv("NO_COLOR") != "" || os.Getenv("TERM") == "dumb"
}

// Enabled returns whether progress output is shown
func (u *UI) Enabled() bool {
	return u.enabled
}

// ColorEnabled returns whether colors are used
func (u *UI) ColorEnabled() bool {
	return u.colorEnabled
}

// StdoutIsTTY returns whether stdout is a terminal
func (u *UI) StdoutIsTTY() bool {
	return u.stdoutIsTTY
}

// Out returns the result writer
func (u *UI) Out() io.Writer {
	return u.out
}

// Progress shows message with an animated spinner until ProgressSuccess or
// ProgressFailure is called
func (u *UI) Progress(message string) {
	if !u.enabled {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.currentSpinner != nil {
		if u.currentSpinner.message == message {
			return
		}
		u.stopSpinnerLocked()
	}

	state := &spinnerState{
		started: u.clock.Now(),
		message: message,
		done:    make(chan struct{}),
		ticker:  u.clock.NewTicker(spinner.Dot.FPS),
	}
	u.currentSpinner = state
	u.printSpinnerFrameLocked(state)

	go func() {
		for {
			select {
			case <-state.ticker.Chan():
				u.mu.Lock()
				if u.currentSpinner == state {
					u.printSpinnerFrameLocked(state)
				}
				u.mu.Unlock()
			case <-state.done:
				return
			}
		}
	}()
}

func (u *UI) printSpinnerFrameLocked(state *spinnerState) {
	frames := spinner.Dot.Frames
	frame := int(u.clock.Since(state.started)/spinner.Dot.FPS) % len(frames)
	symbol := frames[frame]
	if u.colorEnabled {
		symbol = u.spinnerStyle.Render(symbol)
	} else {
		symbol = "..."
	}
	fmt.Fprintf(u.err, "\r%s %s", symbol, state.message)
}

func (u *UI) stopSpinnerLocked() {
	state := u.currentSpinner
	state.ticker.Stop()
	close(state.done)
	fmt.Fprint(u.err, "\r", ansi.EraseLine(2))
	u.currentSpinner = nil
}

// ProgressSuccess stops the spinner and prints a check mark with message, or
// with the spinner's message when message is empty
func (u *UI) ProgressSuccess(message string) {
	u.finishSpinner("✓", u.successStyle, message)
}

// ProgressFailure stops the spinner and prints a cross with message
func (u *UI) ProgressFailure(message string) {
	u.finishSpinner("✗", u.errorStyle, message)
}

func (u *UI) finishSpinner(symbol string, style lipgloss.Style, message string) {
	if !u.enabled {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.currentSpinner == nil {
		zap.L().Debug("Spinner finished without a spinner running")
	} else {
		if message == "" {
			message = u.currentSpinner.message
		}
		u.stopSpinnerLocked()
	}
	if message == "" {
		return
	}
	if u.colorEnabled {
		symbol = style.Render(symbol)
	}
	fmt.Fprintf(u.err, "%s %s\n", symbol, message)
}

// InstallProgress renders one install progress update as a single updating
// line with a progress bar. Terminal updates end the line.
func (u *UI) InstallProgress(p installer.Progress) {
	if !u.enabled {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.bar == nil || u.barTool != p.ToolID {
		bar := progress.New(progress.WithDefaultGradient(), progress.WithWidth(progressWidth))
		if !u.colorEnabled {
			bar = progress.New(progress.WithWidth(progressWidth), progress.WithFillCharacters('#', '.'), progress.WithoutPercentage())
		}
		u.bar = &bar
		u.barTool = p.ToolID
	}

	fmt.Fprint(u.err, "\r", ansi.EraseLine(2))
	fmt.Fprintf(u.err, "%s %s", p.ToolID, u.progressLine(p))

	if p.Stage.Terminal() {
		fmt.Fprintln(u.err)
		u.bar = nil
		u.barTool = ""
	}
}

func (u *UI) progressLine(p installer.Progress) string {
	var b strings.Builder
	if p.Indeterminate {
		b.WriteString(formatBytes(p.BytesDone))
	} else {
		b.WriteString(u.bar.ViewAs(p.Percent / 100))
		if !u.colorEnabled {
			fmt.Fprintf(&b, " %3.0f%%", p.Percent)
		}
	}
	b.WriteString(" ")
	label := string(p.Stage)
	if p.Message != "" {
		label = p.Message
	}
	if u.colorEnabled {
		label = u.mutedStyle.Render(label)
	}
	b.WriteString(label)
	return b.String()
}

// formatBytes renders n with a binary unit
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// Info prints an informational message to stderr unless TOOLHOST_QUIET is set
func (u *UI) Info(format string, args ...any) {
	if isDisabled() {
		return
	}
	fmt.Fprintf(u.err, format, args...)
}

// Heading renders s bold when colors are enabled
func (u *UI) Heading(s string) string {
	if !u.colorEnabled {
		return s
	}
	return u.headingStyle.Render(s)
}

// Muted renders s dimmed when colors are enabled
func (u *UI) Muted(s string) string {
	if !u.colorEnabled {
		return s
	}
	return u.mutedStyle.Render(s)
}

// RenderMarkdown renders markdown with glamour on a color terminal and returns
// it unchanged otherwise
func (u *UI) RenderMarkdown(content string) (string, error) {
	if !u.stdoutIsTTY || !u.colorEnabled {
		return content, nil
	}

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(u.markdownWidth),
	)
	if err != nil {
		return content, fmt.Errorf("failed to create markdown renderer: %w", err)
	}
	return renderer.Render(content)
}

// Default returns the process-wide UI
func Default() *UI {
	return defaultUI
}

