package filter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// filterLineRe matches the delimited response/reason lines an executable
// filter may print to stdout: "<<...>>" or, as a fallback, "[[...]]".
var filterLineRe = regexp.MustCompile(`^(?:<<(.*)>>|\[\[(.*)\]\])$`)

// ExecutableFilter invokes an external program as
// "<program> <content_path> <envelope_path>", applies a timeout, and maps
// its exit code and stdout to a Result.
type ExecutableFilter struct {
	path    string
	timeout time.Duration
	logger  *slog.Logger
}

// NewExecutableFilter returns an ExecutableFilter for the program at path.
func NewExecutableFilter(path string, timeout time.Duration, logger *slog.Logger) *ExecutableFilter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecutableFilter{path: path, timeout: timeout, logger: logger}
}

// ID returns the program's basename, used in log lines.
func (f *ExecutableFilter) ID() string { return filepath.Base(f.path) }

// Run executes the filter program and maps its result.
func (f *ExecutableFilter) Run(ctx context.Context, msg *Message) (Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, f.path, msg.ContentPath, msg.EnvelopePath)
	out, err := cmd.CombinedOutput()

	if runCtx.Err() == context.DeadlineExceeded {
		f.logger.Warn("executable filter timed out", "filter", f.ID(), "message_id", msg.ID.String())
		return FailResult("", 0, "timeout"), nil
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return Result{}, fmt.Errorf("executable filter %s: %w", f.ID(), err)
		}
	}

	response, reason := parseFilterOutput(out)

	switch {
	case exitCode == 0:
		return OkResult(), nil
	case exitCode >= 100 && exitCode <= 107:
		bits := exitCode - 100
		res := Result{Special: true}
		switch {
		case bits&1 != 0:
			res.Kind = Abandon
		case bits&2 != 0:
			res.Kind = Rescan
		default:
			res.Kind = Ok
		}
		return res, nil
	default:
		if response == "" {
			response = "rejected"
		}
		if reason == "" {
			reason = response
		}
		return FailResult(response, 0, reason), nil
	}
}

// parseFilterOutput extracts up to two delimited lines from an executable
// filter's combined output: the first becomes response, the second reason.
// CRLF and lone-CR line endings are normalised to LF before splitting.
func parseFilterOutput(out []byte) (response, reason string) {
	normalized := strings.ReplaceAll(string(out), "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")

	var matches []string
	for _, line := range strings.Split(normalized, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		m := filterLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		text := m[1]
		if text == "" {
			text = m[2]
		}
		matches = append(matches, text)
		if len(matches) == 2 {
			break
		}
	}

	switch len(matches) {
	case 0:
		return "", ""
	case 1:
		return matches[0], ""
	default:
		return matches[0], matches[1]
	}
}

// exitCodeForSpecial packs abandon/rescan into the [100,107] exit-code
// range, the inverse of the mapping in Run; used by tests that build a
// throwaway filter "program" to exercise a specific exit code.
func exitCodeForSpecial(abandon, rescan bool) int {
	bits := 0
	if abandon {
		bits |= 1
	}
	if rescan {
		bits |= 2
	}
	return 100 + bits
}
