package trigger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewCommandValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		conf    Config
		wantErr bool
	}{
		{"valid", Config{Topic: "doorbell/ring", Command: "true"}, false},
		{"default payload pattern", Config{Topic: "a/b", Command: "true", Payload: ""}, false},
		{"missing topic", Config{Command: "true"}, true},
		{"missing command", Config{Topic: "a/b"}, true},
		{"invalid payload regex", Config{Topic: "a/b", Command: "true", Payload: "([bad"}, true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := NewCommand(discardLogger(), tt.conf)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewCommand() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestHandleIgnoresNonMatchingPayload(t *testing.T) {
	t.Parallel()

	marker := filepath.Join(t.TempDir(), "out")

	c, err := NewCommand(discardLogger(), Config{
		Topic:   "doorbell/ring",
		Payload: "pressed",
		Command: "echo run >> " + marker,
	})
	if err != nil {
		t.Fatalf("NewCommand() error = %v", err)
	}

	c.Handle("doorbell/ring", []byte("released"))

	waitForIdle(t, c)

	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Error("command ran for a non-matching payload")
	}
}

func TestHandleMatchIsAnchoredAtStart(t *testing.T) {
	t.Parallel()

	c, err := NewCommand(discardLogger(), Config{
		Topic:   "doorbell/ring",
		Payload: "pressed",
		Command: "true",
	})
	if err != nil {
		t.Fatalf("NewCommand() error = %v", err)
	}

	// "was pressed" contains the pattern but not at the start.
	c.Handle("doorbell/ring", []byte("was pressed"))

	c.mu.Lock()
	running := c.running
	c.mu.Unlock()

	if running {
		t.Error("command started for a payload that only matches mid-string")
	}
}

func TestSingleFlight(t *testing.T) {
	t.Parallel()

	marker := filepath.Join(t.TempDir(), "out")

	c, err := NewCommand(discardLogger(), Config{
		Topic:   "doorbell/ring",
		Command: "sleep 0.3; echo run >> " + marker,
	})
	if err != nil {
		t.Fatalf("NewCommand() error = %v", err)
	}

	// Two rapid triggers while the first child is alive: one spawn.
	c.Handle("doorbell/ring", []byte("x"))
	c.Handle("doorbell/ring", []byte("x"))

	waitForIdle(t, c)

	if got := countLines(t, marker); got != 1 {
		t.Fatalf("after two rapid triggers: %d runs, want 1", got)
	}

	// After the first child exited, a third trigger spawns again.
	c.Handle("doorbell/ring", []byte("x"))

	waitForIdle(t, c)

	if got := countLines(t, marker); got != 2 {
		t.Fatalf("after the child exited: %d runs, want 2", got)
	}
}

// waitForIdle blocks until the command's child process has exited.
func waitForIdle(t *testing.T, c *Command) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)

	for time.Now().Before(deadline) {
		c.mu.Lock()
		running := c.running
		c.mu.Unlock()

		if !running {
			return
		}

		time.Sleep(10 * time.Millisecond)
	}

	t.Fatal("command still running after 5s")
}

func countLines(t *testing.T, path string) int {
	t.Helper()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read %s: %v", path, err)
	}

	return len(strings.Split(strings.TrimRight(string(data), "\n"), "\n"))
}
