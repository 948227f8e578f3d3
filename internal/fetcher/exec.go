package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"fetchd/internal/queue"
	logx "fetchd/pkg/logx"
)

// ExecFetcher shells out to an external downloader (yt-dlp, aria2c, ...).
//
// Args may contain the placeholders {url} and {dir}. The downloader is
// expected to print the final output path as its last non-empty stdout line;
// many tools support this (e.g. yt-dlp --print after_move:filepath).
type ExecFetcher struct {
	Command string
	Args    []string
	Dir     string
	Log     logx.Logger
}

func NewExecFetcher(command string, args []string, dir string, log logx.Logger) *ExecFetcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &ExecFetcher{Command: command, Args: args, Dir: dir, Log: log}
}

func (f *ExecFetcher) Fetch(ctx context.Context, t queue.Task) (string, error) {
	if strings.TrimSpace(f.Command) == "" {
		return "", errors.New("exec fetcher: no command configured")
	}

	args := make([]string, 0, len(f.Args))
	for _, a := range f.Args {
		a = strings.ReplaceAll(a, "{url}", t.URL)
		a = strings.ReplaceAll(a, "{dir}", f.Dir)
		args = append(args, a)
	}

	cmd := exec.CommandContext(ctx, f.Command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	f.Log.Debug("fetcher.exec", logx.Int64("task_id", t.ID), logx.String("command", f.Command))
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("%s: %s", f.Command, truncate(msg, 500))
	}

	path := lastNonEmptyLine(stdout.String())
	if path == "" {
		return "", fmt.Errorf("%s: finished but reported no output path", f.Command)
	}
	return path, nil
}

func lastNonEmptyLine(s string) string {
	lines := strings.Split(s, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
