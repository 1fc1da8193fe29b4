package recorder

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shaunagostinho/raman-dash/internal/spectrum"
)

// Recorder writes each acquired spectrum to its own OptoFile text file and
// prunes the oldest files beyond MaxFiles.
type Recorder struct {
	mu       sync.Mutex
	dir      string
	interval time.Duration
	maxFiles int
	creator  string
	enabled  bool
	log      logrus.FieldLogger

	lastTs time.Time
	now    func() time.Time
}

// Config holds recorder configuration.
type Config struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path"`
	IntervalMs int    `yaml:"interval_ms" json:"intervalMs"`
	MaxFiles   int    `yaml:"max_files" json:"maxFiles"`
	Creator    string `yaml:"creator" json:"creator"`
}

// Meta describes the acquisition a spectrum came from.
type Meta struct {
	Name         string
	Description  string
	ScanMode     string
	ScanInterval int
	DeviceModel  string
	DeviceSN     string
	Pretreat     string
}

const (
	fileHeader  = "OptoFile"
	fileVersion = "1.0"
	fileExt     = ".txt"
	filePrefix  = "raman_"

	defaultMaxFiles = 1000
)

var dataHeader = []string{"Pixel", "Raman Shift", "Raw", "Dark", "Dark Subtracted", "Baseline Subtracted"}

// New creates a Recorder.
func New(cfg Config, log logrus.FieldLogger) *Recorder {
	if cfg.Path == "" {
		cfg.Path = "/var/lib/raman-dash/spectra"
	}
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = defaultMaxFiles
	}
	if cfg.Creator == "" {
		cfg.Creator = "raman-dash"
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Recorder{
		dir:      cfg.Path,
		interval: time.Duration(cfg.IntervalMs) * time.Millisecond,
		maxFiles: cfg.MaxFiles,
		creator:  cfg.Creator,
		enabled:  cfg.Enabled,
		log:      log.WithField("component", "recorder"),
		now:      time.Now,
	}
}

// SetEnabled allows toggling recording at runtime.
func (r *Recorder) SetEnabled(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = on
}

// IsEnabled returns whether recording is active.
func (r *Recorder) IsEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// Record writes s if recording is enabled and the minimum interval has
// elapsed. It returns the written path, or "" when skipped.
func (r *Recorder) Record(s *spectrum.Spectrum, meta Meta) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.enabled {
		return "", nil
	}
	now := r.now()
	if r.interval > 0 && now.Sub(r.lastTs) < r.interval {
		return "", nil
	}
	r.lastTs = now

	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return "", fmt.Errorf("recorder: mkdir %s: %w", r.dir, err)
	}
	ts := s.Time
	if ts.IsZero() {
		ts = now
	}
	name := fmt.Sprintf("%s%s%s", filePrefix, ts.Format("2006-01-02_150405.000"), fileExt)
	path := filepath.Join(r.dir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("recorder: create %s: %w", path, err)
	}
	werr := r.write(f, s, meta, ts)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return "", fmt.Errorf("recorder: write %s: %w", path, werr)
	}
	r.log.Debugf("wrote %s", path)

	if err := r.prune(); err != nil {
		r.log.Warnf("prune: %v", err)
	}
	return path, nil
}

func (r *Recorder) write(f *os.File, s *spectrum.Spectrum, meta Meta, ts time.Time) error {
	w := csv.NewWriter(f)
	w.Comma = ';'

	name := meta.Name
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(f.Name()), fileExt)
	}
	header := [][]string{
		{fileHeader},
		{"File Version", fileVersion},
		{"Name", name},
		{"Creator", r.creator},
		{"Description", meta.Description},
		{"Created", ts.Format("01/02/2006 03:04:05 PM")},
		{"Integration Time(ms)", strconv.Itoa(s.ExposureMs)},
		{"Laser Power(mW)", strconv.Itoa(s.LaserPower)},
		{"Average Number", strconv.Itoa(s.Accumulations)},
		{"Scan Mode", meta.ScanMode},
		{"Scan Interval", strconv.Itoa(meta.ScanInterval)},
		{"Device Model", meta.DeviceModel},
		{"Pixel Num", strconv.Itoa(len(s.Raw))},
		{"Device Sn", meta.DeviceSN},
	}
	if meta.Pretreat != "" {
		header = append(header, []string{"Pretreat", meta.Pretreat})
	}
	if err := w.WriteAll(header); err != nil {
		return err
	}

	if err := w.Write(dataHeader); err != nil {
		return err
	}
	row := make([]string, len(dataHeader))
	for i := range s.Raw {
		row[0] = strconv.Itoa(i)
		row[1] = formatAt(s.Axis, i, 4)
		row[2] = formatAt(s.Raw, i, 2)
		row[3] = formatAt(s.Dark, i, 2)
		row[4] = formatAt(s.Corrected, i, 2)
		row[5] = formatAt(s.Baseline, i, 2)
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// prune removes the oldest recordings beyond maxFiles. File names sort
// chronologically.
func (r *Recorder) prune() error {
	matches, err := filepath.Glob(filepath.Join(r.dir, filePrefix+"*"+fileExt))
	if err != nil {
		return err
	}
	if len(matches) <= r.maxFiles {
		return nil
	}
	sort.Strings(matches)
	for _, p := range matches[:len(matches)-r.maxFiles] {
		if err := os.Remove(p); err != nil {
			return err
		}
		r.log.Debugf("removed %s", p)
	}
	return nil
}

func formatAt(v []float64, i, prec int) string {
	if i >= len(v) {
		return "0"
	}
	return strconv.FormatFloat(v[i], 'f', prec, 64)
}
