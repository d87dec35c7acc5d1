package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEscapeAppleScript(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"hello", "hello"},
		{`say "hello"`, `say \"hello\"`},
		{`path\to\file`, `path\\to\\file`},
		{`"quote" and \backslash`, `\"quote\" and \\backslash`},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, escapeAppleScript(tt.input), tt.input)
	}
}

func TestRunFinished(t *testing.T) {
	m := RunFinished("report", "completed", 0.125, "")
	assert.Equal(t, Message{Title: "report finished", Body: "completed, cost $0.1250"}, m)

	m = RunFinished("", "error", 0, "db down")
	assert.Equal(t, "cascade finished", m.Title)
	assert.Equal(t, "error, cost $0.0000: db down", m.Body)
}

func TestCommand(t *testing.T) {
	m := Message{Title: `Run "x"`, Body: "done"}

	name, args, err := command("darwin", m)
	require.NoError(t, err)
	assert.Equal(t, "osascript", name)
	assert.Equal(t, []string{"-e", `display notification "done" with title "Run \"x\"" sound name "default"`}, args)

	name, args, err = command("linux", m)
	require.NoError(t, err)
	assert.Equal(t, "notify-send", name)
	assert.Equal(t, []string{"--app-name=cascadeview", `Run "x"`, "done"}, args)

	_, _, err = command("plan9", m)
	require.ErrorIs(t, err, ErrUnsupported)
}
