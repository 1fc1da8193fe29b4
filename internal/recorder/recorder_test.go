package recorder

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shaunagostinho/raman-dash/internal/spectrum"
)

func newTestRecorder(t *testing.T, cfg Config) (*Recorder, *time.Time) {
	t.Helper()
	l := logrus.New()
	l.SetOutput(io.Discard)
	cfg.Path = t.TempDir()
	r := New(cfg, l)
	clock := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)
	r.now = func() time.Time { return clock }
	return r, &clock
}

func testSpectrum(t *testing.T, ts time.Time) *spectrum.Spectrum {
	t.Helper()
	s, err := spectrum.New([]float64{110, 120.5, 130}, []float64{10, 10, 10})
	if err != nil {
		t.Fatalf("spectrum.New err=%v", err)
	}
	s.Time = ts
	s.ExposureMs = 2000
	s.LaserPower = 150
	s.Accumulations = 3
	s.Axis = []float64{0, 378.25, 918.5}
	return s
}

func TestRecord_OptoFileLayout(t *testing.T) {
	r, clock := newTestRecorder(t, Config{Enabled: true, Creator: "lab-a"})
	path, err := r.Record(testSpectrum(t, *clock), Meta{DeviceModel: "ATR2000", DeviceSN: "ATR2000-7", ScanMode: "high-precision"})
	if err != nil {
		t.Fatalf("Record err=%v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")

	if lines[0] != "OptoFile" {
		t.Fatalf("first line = %q", lines[0])
	}
	want := map[string]string{
		"Creator":              "lab-a",
		"Created":              "03/09/2024 02:05:07 PM",
		"Integration Time(ms)": "2000",
		"Laser Power(mW)":      "150",
		"Average Number":       "3",
		"Pixel Num":            "3",
		"Device Sn":            "ATR2000-7",
	}
	dataAt := -1
	for i, line := range lines[1:] {
		if strings.HasPrefix(line, "Pixel;Raman Shift") {
			dataAt = i + 1
			break
		}
		kv := strings.SplitN(line, ";", 2)
		if v, ok := want[kv[0]]; ok && kv[1] != v {
			t.Fatalf("%s = %q, want %q", kv[0], kv[1], v)
		}
	}
	if dataAt < 0 {
		t.Fatalf("no data header in:\n%s", b)
	}
	if lines[dataAt] != "Pixel;Raman Shift;Raw;Dark;Dark Subtracted;Baseline Subtracted" {
		t.Fatalf("data header = %q", lines[dataAt])
	}
	rows := lines[dataAt+1:]
	if len(rows) != 3 {
		t.Fatalf("expected 3 data rows, got %d", len(rows))
	}
	if rows[1] != "1;378.2500;120.50;10.00;110.50;0" {
		t.Fatalf("row 1 = %q", rows[1])
	}
}

func TestRecord_Disabled(t *testing.T) {
	r, clock := newTestRecorder(t, Config{})
	path, err := r.Record(testSpectrum(t, *clock), Meta{})
	if err != nil || path != "" {
		t.Fatalf("disabled recorder wrote %q, err=%v", path, err)
	}
	r.SetEnabled(true)
	if !r.IsEnabled() {
		t.Fatalf("SetEnabled(true) not applied")
	}
}

func TestRecord_Interval(t *testing.T) {
	r, clock := newTestRecorder(t, Config{Enabled: true, IntervalMs: 5000})
	if p, _ := r.Record(testSpectrum(t, *clock), Meta{}); p == "" {
		t.Fatalf("first record skipped")
	}
	*clock = clock.Add(time.Second)
	if p, _ := r.Record(testSpectrum(t, *clock), Meta{}); p != "" {
		t.Fatalf("record inside the interval was written: %s", p)
	}
}

func TestRecord_PrunesOldest(t *testing.T) {
	r, clock := newTestRecorder(t, Config{Enabled: true, MaxFiles: 2})
	var paths []string
	for i := 0; i < 3; i++ {
		p, err := r.Record(testSpectrum(t, clock.Add(time.Duration(i)*time.Second)), Meta{})
		if err != nil {
			t.Fatalf("Record %d err=%v", i, err)
		}
		paths = append(paths, p)
	}
	left, _ := filepath.Glob(filepath.Join(r.dir, "*.txt"))
	if len(left) != 2 {
		t.Fatalf("expected 2 files, got %v", left)
	}
	if _, err := os.Stat(paths[0]); !os.IsNotExist(err) {
		t.Fatalf("oldest recording not removed")
	}
}
