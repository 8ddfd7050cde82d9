package connectivity

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func markerPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "online")
}

func touchMarker(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatalf("Failed to create marker: %v", err)
	}
}

// waitOnline polls the monitor until it reports the wanted state
func waitOnline(t *testing.T, m *Monitor, want bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.Online() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("monitor never reached online=%v", want)
}

// TestFileSignal_SeedsFromMarker tests initial state from an existing marker
func TestFileSignal_SeedsFromMarker(t *testing.T) {
	path := markerPath(t)
	touchMarker(t, path)

	m := NewMonitor(0, discardLogger())
	fs, err := NewFileSignal(path, m, discardLogger())
	if err != nil {
		t.Fatalf("NewFileSignal() failed: %v", err)
	}
	if err := fs.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer fs.Stop()

	if !m.Online() {
		t.Error("monitor offline despite existing marker")
	}
}

// TestFileSignal_SeedsOffline tests initial state without a marker
func TestFileSignal_SeedsOffline(t *testing.T) {
	m := NewMonitor(0, discardLogger())
	fs, err := NewFileSignal(markerPath(t), m, discardLogger())
	if err != nil {
		t.Fatalf("NewFileSignal() failed: %v", err)
	}
	if err := fs.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer fs.Stop()

	if m.Online() {
		t.Error("monitor online despite missing marker")
	}
}

// TestFileSignal_TracksMarker tests create/remove transitions
func TestFileSignal_TracksMarker(t *testing.T) {
	path := markerPath(t)
	m := NewMonitor(0, discardLogger())
	fs, err := NewFileSignal(path, m, discardLogger())
	if err != nil {
		t.Fatalf("NewFileSignal() failed: %v", err)
	}
	if err := fs.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer fs.Stop()

	touchMarker(t, path)
	waitOnline(t, m, true)

	if err := os.Remove(path); err != nil {
		t.Fatalf("Failed to remove marker: %v", err)
	}
	waitOnline(t, m, false)
}

// TestFileSignal_IgnoresSiblings tests that unrelated files in the
// directory do not flip the state
func TestFileSignal_IgnoresSiblings(t *testing.T) {
	path := markerPath(t)
	m := NewMonitor(0, discardLogger())
	fs, err := NewFileSignal(path, m, discardLogger())
	if err != nil {
		t.Fatalf("NewFileSignal() failed: %v", err)
	}
	if err := fs.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer fs.Stop()

	sibling := filepath.Join(filepath.Dir(path), "unrelated")
	touchMarker(t, sibling)

	time.Sleep(100 * time.Millisecond)
	if m.Online() {
		t.Error("sibling file flipped the monitor online")
	}
}

// TestNewFileSignal_Validation tests constructor argument checks
func TestNewFileSignal_Validation(t *testing.T) {
	m := NewMonitor(0, discardLogger())

	if _, err := NewFileSignal("", m, discardLogger()); err == nil {
		t.Error("NewFileSignal() with empty path succeeded, want error")
	}
	if _, err := NewFileSignal(markerPath(t), nil, discardLogger()); err == nil {
		t.Error("NewFileSignal() with nil monitor succeeded, want error")
	}
}

// TestFileSignal_StartTwice tests the running guard
func TestFileSignal_StartTwice(t *testing.T) {
	m := NewMonitor(0, discardLogger())
	fs, err := NewFileSignal(markerPath(t), m, discardLogger())
	if err != nil {
		t.Fatalf("NewFileSignal() failed: %v", err)
	}
	if err := fs.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer fs.Stop()

	if err := fs.Start(); err == nil {
		t.Error("second Start() succeeded, want error")
	}
}
