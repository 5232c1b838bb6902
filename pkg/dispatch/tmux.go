package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"architect/pkg/protocol"
)

// Injector delivers prompt text into a worker's terminal session and
// observes its recent output. Implementations must be safe for concurrent
// use.
type Injector interface {
	// Inject types text into the worker's pane and submits it.
	Inject(ctx context.Context, w protocol.Worker, text string) error
	// Capture returns the last n lines of the worker's pane.
	Capture(ctx context.Context, w protocol.Worker, lines int) (string, error)
	// SendKey sends a single literal key (e.g. "1", "Enter") to the pane.
	SendKey(ctx context.Context, w protocol.Worker, key string) error
}

const injectBuffer = "architect-inject"

// TmuxInjector delivers prompts via tmux. Text goes through set-buffer and
// paste-buffer so it is treated as completely literal, preventing shell
// injection through tmux. For remote workers every tmux invocation is
// wrapped in `ssh <host>` over the same CmdRunner, so local and remote
// delivery share one code path.
type TmuxInjector struct {
	runner CmdRunner
}

func NewTmuxInjector(runner CmdRunner) *TmuxInjector {
	return &TmuxInjector{runner: runner}
}

// run executes a tmux command for the worker, routing through ssh when the
// worker is remote. BatchMode keeps a dead host from hanging on a password
// prompt; the caller bounds the call with a context deadline.
//
// ssh joins the remote command with spaces and the remote login shell
// re-parses it, so every tmux argument is shell-quoted: a multi-word task
// must stay one set-buffer argument, and metacharacters in task content
// must never reach the remote shell unquoted.
func (t *TmuxInjector) run(ctx context.Context, w protocol.Worker, args ...string) ([]byte, error) {
	if w.Remote() {
		sshArgs := []string{"-o", "BatchMode=yes", w.Location, "tmux"}
		for _, arg := range args {
			sshArgs = append(sshArgs, shellQuote(arg))
		}
		return t.runner.Run(ctx, "ssh", sshArgs...)
	}
	return t.runner.Run(ctx, "tmux", args...)
}

// shellQuote wraps arg in single quotes for the remote shell. An embedded
// single quote closes the string, emits an escaped quote, and reopens it.
func shellQuote(arg string) string {
	return "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
}

// Inject delivers text into the worker's pane. The session is verified
// first; if it is dead, tmux send-keys fails silently and the task would
// be stuck assigned forever.
func (t *TmuxInjector) Inject(ctx context.Context, w protocol.Worker, text string) error {
	if _, err := t.run(ctx, w, "has-session", "-t", w.Session); err != nil {
		return fmt.Errorf("session %s not found: %w", w.Session, err)
	}

	sanitized := sanitizeForTmux(text)

	if _, err := t.run(ctx, w, "set-buffer", "-b", injectBuffer, sanitized); err != nil {
		return fmt.Errorf("tmux set-buffer: %w", err)
	}
	if _, err := t.run(ctx, w, "paste-buffer", "-b", injectBuffer, "-t", w.Session, "-d"); err != nil {
		return fmt.Errorf("tmux paste-buffer to %s: %w", w.Session, err)
	}
	if _, err := t.run(ctx, w, "send-keys", "-t", w.Session, "Enter"); err != nil {
		return fmt.Errorf("tmux send-keys Enter to %s: %w", w.Session, err)
	}
	return nil
}

// Capture returns the last n lines of the worker's pane output.
func (t *TmuxInjector) Capture(ctx context.Context, w protocol.Worker, lines int) (string, error) {
	if lines <= 0 {
		lines = 40
	}
	out, err := t.run(ctx, w, "capture-pane", "-p", "-t", w.Session, "-S", "-"+strconv.Itoa(lines))
	if err != nil {
		return "", fmt.Errorf("tmux capture-pane %s: %w", w.Session, err)
	}
	return string(out), nil
}

// SendKey sends one literal key to the pane. Used for corrective responses
// and nudges; keys like "1" or "y" need a trailing Enter, which the caller
// includes by sending "Enter" as a second key.
func (t *TmuxInjector) SendKey(ctx context.Context, w protocol.Worker, key string) error {
	args := []string{"send-keys", "-t", w.Session}
	if key == "Enter" {
		args = append(args, "Enter")
	} else {
		args = append(args, "-l", key)
	}
	if _, err := t.run(ctx, w, args...); err != nil {
		return fmt.Errorf("tmux send-keys to %s: %w", w.Session, err)
	}
	return nil
}

// sanitizeForTmux collapses newlines so a prompt arrives as a single line;
// multi-line pastes would submit partial input at each newline.
func sanitizeForTmux(text string) string {
	text = strings.ReplaceAll(text, "\r", " ")
	return strings.ReplaceAll(text, "\n", " ")
}
