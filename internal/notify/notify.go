// Package notify raises a desktop notification when a long cascade run ends.
package notify

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

var ErrUnsupported = errors.New("desktop notifications not supported on this platform")

// Message is one notification.
type Message struct {
	Title string
	Body  string
}

// RunFinished builds the notification for a finished run.
func RunFinished(cascadeID, status string, cost float64, runErr string) Message {
	if cascadeID == "" {
		cascadeID = "cascade"
	}
	body := fmt.Sprintf("%s, cost $%.4f", status, cost)
	if runErr != "" {
		body += ": " + runErr
	}
	return Message{Title: cascadeID + " finished", Body: body}
}

// Send shows m with osascript on macOS or notify-send elsewhere.
func Send(ctx context.Context, m Message) error {
	name, args, err := command(runtime.GOOS, m)
	if err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, name, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func command(goos string, m Message) (string, []string, error) {
	switch goos {
	case "darwin":
		script := fmt.Sprintf(
			`display notification "%s" with title "%s" sound name "default"`,
			escapeAppleScript(m.Body), escapeAppleScript(m.Title),
		)
		return "osascript", []string{"-e", script}, nil
	case "linux", "freebsd", "openbsd":
		return "notify-send", []string{"--app-name=cascadeview", m.Title, m.Body}, nil
	default:
		return "", nil, ErrUnsupported
	}
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}
