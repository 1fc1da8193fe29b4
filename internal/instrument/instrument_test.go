package instrument

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shaunagostinho/raman-dash/internal/errs"
	"github.com/shaunagostinho/raman-dash/internal/protocol"
	"github.com/shaunagostinho/raman-dash/internal/transport"
)

func newSimState(t *testing.T) *State {
	t.Helper()
	s := New(Options{Logger: quietLogger(), Sleep: func(time.Duration) {}})
	if err := s.Connect(0); err != nil {
		t.Fatalf("Connect(sim) err=%v", err)
	}
	return s
}

func TestDevices_SimulationFirst(t *testing.T) {
	s := New(Options{
		Logger:     quietLogger(),
		Enumerator: transport.Static{{Name: "USB Serial", Endpoint: "/dev/ttyUSB0"}},
	})
	list, err := s.Devices()
	if err != nil {
		t.Fatalf("Devices err=%v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 devices, got %+v", list)
	}
	if list[0].Name != SimulatedName || !list[0].Simulated {
		t.Fatalf("simulation target not first: %+v", list[0])
	}
	if list[1].Endpoint != "/dev/ttyUSB0" {
		t.Fatalf("unexpected device %+v", list[1])
	}
}

func TestConnect_UnknownIndex(t *testing.T) {
	s := New(Options{Logger: quietLogger()})
	for _, idx := range []int{-1, 1, 7} {
		if err := s.Connect(idx); !errors.Is(err, errs.ErrNotFound) {
			t.Fatalf("index %d: expected ErrNotFound, got %v", idx, err)
		}
	}
}

func TestConnect_IdempotentAndDisconnectResets(t *testing.T) {
	s := newSimState(t)
	if err := s.Connect(0); err != nil {
		t.Fatalf("second Connect err=%v", err)
	}
	if err := s.SetLaser(120); err != nil {
		t.Fatalf("SetLaser err=%v", err)
	}
	if err := s.Disconnect(); err != nil {
		t.Fatalf("Disconnect err=%v", err)
	}
	if err := s.Disconnect(); err != nil {
		t.Fatalf("second Disconnect err=%v", err)
	}
	st := s.Status()
	if st.Connected || st.Device != nil {
		t.Fatalf("still connected: %+v", st)
	}
	if st.Parameters != DefaultParameters() {
		t.Fatalf("parameters not reset: %+v", st.Parameters)
	}
}

func TestOperations_RequireConnection(t *testing.T) {
	s := New(Options{Logger: quietLogger()})
	checks := map[string]error{
		"laser":    s.SetLaser(10),
		"exposure": s.SetExposure(2000),
		"accum":    s.SetAccumulations(2),
		"cooling":  s.SetCooling(0),
		"light":    s.SetLightVoltage(5),
		"power":    s.SetMotorPower(true),
	}
	_, checks["signal"] = s.ReadSignal(ModeHighPrecision)
	_, checks["dark"] = s.ReadDark()
	_, checks["accumulated"] = s.ReadAccumulated(1, false)
	_, checks["temperature"] = s.Cooling()
	_, checks["motor"] = s.MoveMotor(AxisX, false, 10)
	checks["stream"] = s.Stream(context.Background(), StreamOptions{}, func(Sample) error { return nil })

	for name, err := range checks {
		if !errors.Is(err, errs.ErrNotConnected) {
			t.Fatalf("%s: expected ErrNotConnected, got %v", name, err)
		}
	}
}

func TestSetLaser_Bounds(t *testing.T) {
	s := newSimState(t)
	cases := []struct {
		power int
		ok    bool
	}{
		{-1, false}, {0, true}, {349, true}, {350, false},
	}
	for _, tc := range cases {
		err := s.SetLaser(tc.power)
		if tc.ok && err != nil {
			t.Fatalf("laser %d: unexpected err=%v", tc.power, err)
		}
		if !tc.ok && !errors.Is(err, errs.ErrInvalidArgument) {
			t.Fatalf("laser %d: expected ErrInvalidArgument, got %v", tc.power, err)
		}
	}
}

func TestSetExposure_Bounds(t *testing.T) {
	s := newSimState(t)
	if err := s.SetExposure(999); !errors.Is(err, errs.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for 999, got %v", err)
	}
	if err := s.SetExposure(1000); err != nil {
		t.Fatalf("SetExposure(1000) err=%v", err)
	}
}

func TestSetCooling_Bounds(t *testing.T) {
	s := newSimState(t)
	for _, c := range []int{-5, 25, -10, 40} {
		if err := s.SetCooling(c); !errors.Is(err, errs.ErrInvalidArgument) {
			t.Fatalf("cooling %d: expected ErrInvalidArgument, got %v", c, err)
		}
	}
	for _, c := range []int{-4, 0, 24} {
		if err := s.SetCooling(c); err != nil {
			t.Fatalf("cooling %d: err=%v", c, err)
		}
	}
	got, err := s.Cooling()
	if err != nil || got != 24 {
		t.Fatalf("Cooling = %v, %v; want 24", got, err)
	}
}

func TestSetAccumulations_Bounds(t *testing.T) {
	s := newSimState(t)
	if err := s.SetAccumulations(0); !errors.Is(err, errs.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if err := s.SetAccumulations(3); err != nil {
		t.Fatalf("SetAccumulations err=%v", err)
	}
}

func TestSetters_FallBackOnDeviceFailure(t *testing.T) {
	cmd := &scriptedCommander{fail: map[protocol.Command]error{
		protocol.CmdWriteExposure: errs.ErrTimeout,
		protocol.CmdWriteLaser:    errs.ErrTimeout,
		protocol.CmdWriteTEC:      errs.ErrTimeout,
	}}
	s := newScriptedState(cmd)
	if err := s.Connect(1); err != nil {
		t.Fatalf("Connect err=%v", err)
	}

	if err := s.SetExposure(5000); !errors.Is(err, errs.ErrTimeout) {
		t.Fatalf("SetExposure: expected ErrTimeout, got %v", err)
	}
	if err := s.SetLaser(200); !errors.Is(err, errs.ErrTimeout) {
		t.Fatalf("SetLaser: expected ErrTimeout, got %v", err)
	}
	if err := s.SetCooling(10); !errors.Is(err, errs.ErrTimeout) {
		t.Fatalf("SetCooling: expected ErrTimeout, got %v", err)
	}

	st := s.Status()
	if st.ExposureMs != 1000 || st.LaserPower != 0 || st.CoolingC != 0 {
		t.Fatalf("parameters did not fall back: %+v", st.Parameters)
	}
	if cmd.exposure != 1000 {
		t.Fatalf("exchange baseline = %d, want 1000", cmd.exposure)
	}
	if !st.Connected {
		t.Fatalf("a timeout must not drop the connection")
	}
}

func TestIOErrorForcesDisconnect(t *testing.T) {
	cmd := &scriptedCommander{fail: map[protocol.Command]error{protocol.CmdWriteLaser: errs.ErrIO}}
	s := newScriptedState(cmd)
	if err := s.Connect(1); err != nil {
		t.Fatalf("Connect err=%v", err)
	}
	if err := s.SetLaser(100); !errors.Is(err, errs.ErrIO) {
		t.Fatalf("expected ErrIO, got %v", err)
	}
	if s.Status().Connected {
		t.Fatalf("expected Disconnected after an I/O failure")
	}
	if !cmd.closed {
		t.Fatalf("transport not closed")
	}
}

func TestConnect_NegotiatesModel(t *testing.T) {
	emu := newEmulator("ATR8217-0042")
	s := newEmulatedState(emu)
	if err := s.Connect(1); err != nil {
		t.Fatalf("Connect err=%v", err)
	}
	st := s.Status()
	if st.PixelCount != 512 || st.SerialNumber != "ATR8217-0042" {
		t.Fatalf("unexpected status %+v", st)
	}
	if got := emu.sent(protocol.CmdReadCalibration); len(got) != 1 || !bytes.Equal(got[0], []byte{4}) {
		t.Fatalf("calibration read payloads = %v", got)
	}
	if m := s.Calibration(); m == nil || m.Pixels[3] != 407 {
		t.Fatalf("calibration not loaded from device: %+v", m)
	}

	id, err := s.Identity()
	if err != nil || id.Version != "V1.2" {
		t.Fatalf("Identity = %+v, %v", id, err)
	}
}

func TestReadSignal_CommandSequence(t *testing.T) {
	emu := newEmulator("ATR6500-1")
	s := newEmulatedState(emu)
	if err := s.Connect(1); err != nil {
		t.Fatalf("Connect err=%v", err)
	}
	if err := s.SetLaser(50); err != nil {
		t.Fatalf("SetLaser err=%v", err)
	}
	emu.requests = nil

	frame, err := s.ReadSignal(ModeHighPrecision)
	if err != nil {
		t.Fatalf("ReadSignal err=%v", err)
	}
	if len(frame) != 1024 {
		t.Fatalf("frame length = %d, want 1024", len(frame))
	}
	if frame[0] != 100 || frame[49] != 149 || frame[50] != 100 {
		t.Fatalf("unexpected samples %v", frame[:51])
	}

	want := []request{
		{protocol.CmdWriteLaser, []byte{0x00, 50}},
		{protocol.CmdStartScan, []byte{ModeHighPrecision, 0x01}},
		{protocol.CmdReadCCD, []byte{0x00}},
	}
	if len(emu.requests) != len(want) {
		t.Fatalf("requests = %+v", emu.requests)
	}
	for i, r := range want {
		if emu.requests[i].cmd != r.cmd || !bytes.Equal(emu.requests[i].payload, r.payload) {
			t.Fatalf("request %d = %+v, want %+v", i, emu.requests[i], r)
		}
	}
}

func TestReadDark_LaserOff(t *testing.T) {
	emu := newEmulator("ATR6500-1")
	s := newEmulatedState(emu)
	if err := s.Connect(1); err != nil {
		t.Fatalf("Connect err=%v", err)
	}
	emu.requests = nil

	frame, err := s.ReadDark()
	if err != nil {
		t.Fatalf("ReadDark err=%v", err)
	}
	if frame[0] != 10 {
		t.Fatalf("dark sample = %v", frame[0])
	}
	if emu.requests[0].cmd != protocol.CmdWriteLaser || !bytes.Equal(emu.requests[0].payload, []byte{0, 0}) {
		t.Fatalf("laser not forced off: %+v", emu.requests[0])
	}
	if emu.requests[1].cmd != protocol.CmdReadDarkCCD {
		t.Fatalf("expected dark scan, got %v", emu.requests[1].cmd)
	}
}

func TestReadAccumulated_SubtractsDark(t *testing.T) {
	emu := newEmulator("ATR8217-1")
	s := newEmulatedState(emu)
	if err := s.Connect(1); err != nil {
		t.Fatalf("Connect err=%v", err)
	}
	got, err := s.ReadAccumulated(3, true)
	if err != nil {
		t.Fatalf("ReadAccumulated err=%v", err)
	}
	for i, v := range got {
		if want := float64(90 + i%50); v != want {
			t.Fatalf("index %d = %v, want %v", i, v, want)
		}
	}
	if n := len(emu.sent(protocol.CmdReadDarkCCD)); n != 3 {
		t.Fatalf("expected a dark frame per cycle, got %d", n)
	}
}

func TestReadAccumulated_LongExposureChunks(t *testing.T) {
	emu := newEmulator("ATR8217-1")
	s := newEmulatedState(emu)
	if err := s.Connect(1); err != nil {
		t.Fatalf("Connect err=%v", err)
	}
	if err := s.SetExposure(130500); err != nil {
		t.Fatalf("SetExposure err=%v", err)
	}
	if n := len(emu.sent(protocol.CmdWriteExposure)); n != 0 {
		t.Fatalf("exposure above the ceiling must not be sent directly, got %d", n)
	}

	got, err := s.ReadAccumulated(1, false)
	if err != nil {
		t.Fatalf("ReadAccumulated err=%v", err)
	}
	if got[0] != 100 {
		t.Fatalf("chunk average = %v, want 100", got[0])
	}

	exposures := emu.sent(protocol.CmdWriteExposure)
	if len(exposures) != 3 {
		t.Fatalf("expected 3 exposure round-trips, got %d", len(exposures))
	}
	if !bytes.Equal(exposures[0], protocol.U16(65000)) || !bytes.Equal(exposures[2], protocol.U16(65500)) {
		t.Fatalf("exposure payloads = % X", exposures)
	}
	if n := len(emu.sent(protocol.CmdStartScan)); n != 3 {
		t.Fatalf("expected one scan per chunk, got %d", n)
	}
}

func TestExposureChunks(t *testing.T) {
	cases := []struct {
		ms   int
		want []int
	}{
		{1000, []int{1000}},
		{65000, []int{65000}},
		{65001, []int{65000, 65001}},
		{130500, []int{65000, 65000, 65500}},
	}
	for _, tc := range cases {
		got := exposureChunks(tc.ms)
		if len(got) != len(tc.want) {
			t.Fatalf("%d: chunks = %v, want %v", tc.ms, got, tc.want)
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("%d: chunks = %v, want %v", tc.ms, got, tc.want)
			}
		}
	}
}

func TestReadAccumulated_FailureReturnsNothing(t *testing.T) {
	cmd := &scriptedCommander{
		fail:   map[protocol.Command]error{protocol.CmdReadCCD: errs.ErrTimeout},
		failAt: map[protocol.Command]int{protocol.CmdReadCCD: 2},
	}
	s := newScriptedState(cmd)
	if err := s.Connect(1); err != nil {
		t.Fatalf("Connect err=%v", err)
	}
	got, err := s.ReadAccumulated(3, false)
	if !errors.Is(err, errs.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if got != nil {
		t.Fatalf("partial spectrum returned: %d values", len(got))
	}
}

func TestCooling_ParsesDeviceText(t *testing.T) {
	emu := newEmulator("ATR2000-7")
	s := newEmulatedState(emu)
	if err := s.Connect(1); err != nil {
		t.Fatalf("Connect err=%v", err)
	}
	got, err := s.Cooling()
	if err != nil || got != -3.5 {
		t.Fatalf("Cooling = %v, %v", got, err)
	}

	emu.temperature = "n/a"
	if _, err := s.Cooling(); !errors.Is(err, errs.ErrInternal) {
		t.Fatalf("expected ErrInternal, got %v", err)
	}
}

func TestSetCooling_SignMagnitudePayload(t *testing.T) {
	emu := newEmulator("ATR2000-7")
	s := newEmulatedState(emu)
	if err := s.Connect(1); err != nil {
		t.Fatalf("Connect err=%v", err)
	}
	if err := s.SetCooling(-4); err != nil {
		t.Fatalf("SetCooling err=%v", err)
	}
	got := emu.sent(protocol.CmdWriteTEC)
	if len(got) != 1 || !bytes.Equal(got[0], []byte{0xFF, 0x04}) {
		t.Fatalf("TEC payload = % X", got)
	}
}

func TestMoveMotor(t *testing.T) {
	emu := newEmulator("ATR2000-7")
	emu.status[protocol.CmdMotorZ] = 2
	s := newEmulatedState(emu)
	if err := s.Connect(1); err != nil {
		t.Fatalf("Connect err=%v", err)
	}

	res, err := s.MoveMotor(AxisZ, true, 300)
	if err != nil {
		t.Fatalf("MoveMotor err=%v", err)
	}
	if res.Moved || res.Limit != "top" {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := emu.sent(protocol.CmdMotorZ); !bytes.Equal(got[0], []byte{0xFF, 0x01, 0x2C}) {
		t.Fatalf("motor payload = % X", got[0])
	}

	res, err = s.MoveMotor(AxisX, false, 90)
	if err != nil || !res.Moved || res.Limit != "" {
		t.Fatalf("MoveMotor(x) = %+v, %v", res, err)
	}
	if _, err := s.MoveMotor(AxisY, false, 361); !errors.Is(err, errs.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if _, err := ParseAxis("w"); !errors.Is(err, errs.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for axis w, got %v", err)
	}
}

func TestSetLightVoltage(t *testing.T) {
	emu := newEmulator("ATR2000-7")
	s := newEmulatedState(emu)
	if err := s.Connect(1); err != nil {
		t.Fatalf("Connect err=%v", err)
	}
	if err := s.SetLightVoltage(26); !errors.Is(err, errs.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if err := s.SetLightVoltage(12); err != nil {
		t.Fatalf("SetLightVoltage err=%v", err)
	}
	if got := emu.sent(protocol.CmdLightVoltage); !bytes.Equal(got[0], []byte{0x00, 12}) {
		t.Fatalf("light payload = % X", got[0])
	}
	if err := s.SetMotorPower(true); err != nil {
		t.Fatalf("SetMotorPower err=%v", err)
	}
	if got := emu.sent(protocol.CmdMotorPower); !bytes.Equal(got[0], []byte{0x01}) {
		t.Fatalf("motor power payload = % X", got[0])
	}
}

func TestShiftCalibrate_ActivatesModel(t *testing.T) {
	emu := newEmulator("ATR2000-7")
	s := newEmulatedState(emu)
	if err := s.Connect(1); err != nil {
		t.Fatalf("Connect err=%v", err)
	}
	m, err := s.ShiftCalibrate([]int{30, 125, 211, 410})
	if err != nil {
		t.Fatalf("ShiftCalibrate err=%v", err)
	}
	if len(emu.sent(protocol.CmdLoadCalibration)) != 1 {
		t.Fatalf("calibration not stored on the module")
	}
	if s.Calibration().Pixels[0] != 30 || m.Pixels[3] != 410 {
		t.Fatalf("model not activated: %+v", s.Calibration())
	}
}

func TestPixelCount(t *testing.T) {
	cases := map[string]int{
		"ATP5020-001": 2048,
		"ATR3000-001": 2048,
		"ATR2000-001": 3648,
		"atr8217x":    512,
		"ATP8217":     512,
		"ATR6500-9":   1024,
		"ATP6500-9":   1024,
		"XYZ":         3648,
		"":            3648,
	}
	for sn, want := range cases {
		if got := PixelCount(sn); got != want {
			t.Fatalf("PixelCount(%q) = %d, want %d", sn, got, want)
		}
	}
}

func TestStream_SimulationEndToEnd(t *testing.T) {
	s := newSimState(t)
	if err := s.SetLaser(50); err != nil {
		t.Fatalf("SetLaser err=%v", err)
	}
	if err := s.SetExposure(1200); err != nil {
		t.Fatalf("SetExposure err=%v", err)
	}
	if err := s.SetAccumulations(2); err != nil {
		t.Fatalf("SetAccumulations err=%v", err)
	}

	var samples []Sample
	err := s.Stream(context.Background(), StreamOptions{Mode: ModeHighPrecision}, func(smp Sample) error {
		samples = append(samples, smp)
		return nil
	})
	if err != nil {
		t.Fatalf("Stream err=%v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(samples))
	}
	for _, smp := range samples {
		if smp.Tag != TagSignal || len(smp.Data) != DefaultPixelCount {
			t.Fatalf("unexpected sample tag=%s len=%d", smp.Tag, len(smp.Data))
		}
		for i, v := range smp.Data {
			if v < 0 || v > 1000 {
				t.Fatalf("value %d out of range: %v", i, v)
			}
		}
	}
}

func TestStream_WithDarkAndTruncation(t *testing.T) {
	s := newSimState(t)
	var tags []string
	err := s.Stream(context.Background(), StreamOptions{WithDark: true, MaxValues: 2048}, func(smp Sample) error {
		tags = append(tags, smp.Tag)
		if len(smp.Data) != 2048 {
			t.Fatalf("%s sample has %d values", smp.Tag, len(smp.Data))
		}
		if smp.Tag == TagCorrected {
			for _, v := range smp.Data {
				if v < 0 {
					t.Fatalf("corrected value below zero: %v", v)
				}
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Stream err=%v", err)
	}
	want := []string{TagDark, TagSignal, TagCorrected}
	if len(tags) != len(want) {
		t.Fatalf("tags = %v, want %v", tags, want)
	}
	for i := range want {
		if tags[i] != want[i] {
			t.Fatalf("tags = %v, want %v", tags, want)
		}
	}
}

func TestStream_CancelledBeforeCycle(t *testing.T) {
	s := newSimState(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := s.Stream(ctx, StreamOptions{}, func(Sample) error { calls++; return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("no sample expected after cancellation, got %d", calls)
	}
}
