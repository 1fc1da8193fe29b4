package server

import (
	"net/http"
	"time"

	"github.com/shaunagostinho/raman-dash/internal/instrument"
)

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	list, err := s.inst.Devices()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"devices": list})
}

// statusResponse adds the stream state to the instrument status.
type statusResponse struct {
	instrument.Status
	Streaming bool `json:"streaming"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: s.inst.Status(), Streaming: s.streaming()})
}

func (s *Server) respondStatus(w http.ResponseWriter) {
	st := s.inst.Status()
	s.broadcast(Frame{Status: &st, Stamp: time.Now().UnixMilli()})
	writeJSON(w, http.StatusOK, statusResponse{Status: st, Streaming: s.streaming()})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		Index int `json:"index"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.inst.Connect(req.Index); err != nil {
		s.writeError(w, err)
		return
	}
	s.metrics.Connected.Set(1)
	s.respondStatus(w)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	s.stopStream()
	if err := s.inst.Disconnect(); err != nil {
		s.writeError(w, err)
		return
	}
	s.metrics.Connected.Set(0)
	s.respondStatus(w)
}

func (s *Server) handleParameters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		LaserPower    *int `json:"laserPower"`
		ExposureMs    *int `json:"exposureMs"`
		Accumulations *int `json:"accumulations"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.LaserPower != nil {
		if err := s.inst.SetLaser(*req.LaserPower); err != nil {
			s.writeError(w, err)
			return
		}
	}
	if req.ExposureMs != nil {
		if err := s.inst.SetExposure(*req.ExposureMs); err != nil {
			s.writeError(w, err)
			return
		}
	}
	if req.Accumulations != nil {
		if err := s.inst.SetAccumulations(*req.Accumulations); err != nil {
			s.writeError(w, err)
			return
		}
	}
	s.respondStatus(w)
}

func (s *Server) handleCooling(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		v, err := s.inst.Cooling()
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]float64{"temperatureC": v})

	case http.MethodPost:
		var req struct {
			TargetC int `json:"targetC"`
		}
		if err := decode(r, &req); err != nil {
			s.writeError(w, err)
			return
		}
		if err := s.inst.SetCooling(req.TargetC); err != nil {
			s.writeError(w, err)
			return
		}
		s.respondStatus(w)

	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleIdentity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	id, err := s.inst.Identity()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, id)
}

func (s *Server) handleStreamStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if err := s.startStream(); err != nil {
		s.writeError(w, err)
		return
	}
	s.respondStatus(w)
}

func (s *Server) handleStreamStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	s.stopStream()
	s.respondStatus(w)
}

// handleAcquire runs one averaged acquisition and returns the processed
// spectrum. Body fields override the configured defaults.
func (s *Server) handleAcquire(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	acq, proc, _ := s.cfg.Runtime()
	st := s.inst.Status()
	req := struct {
		Accumulations int  `json:"accumulations"`
		SubtractDark  bool `json:"subtractDark"`
	}{Accumulations: st.Accumulations, SubtractDark: acq.SubtractDark}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	start := time.Now()
	raw, dark, err := s.inst.ReadAccumulatedFrames(req.Accumulations, req.SubtractDark)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.metrics.AcquireDuration.Observe(time.Since(start).Seconds())

	st = s.inst.Status()
	spec, err := s.process(raw, dark, proc, st)
	if err != nil {
		s.writeError(w, err)
		return
	}
	spec.Time = start
	spec.Accumulations = req.Accumulations
	s.record(spec, st)
	s.broadcast(Frame{Spectrum: spec, Stamp: time.Now().UnixMilli()})
	writeJSON(w, http.StatusOK, spec)
}

func (s *Server) handleCalibration(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		m := s.inst.Calibration()
		if m == nil {
			writeJSON(w, http.StatusOK, map[string]interface{}{"calibration": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"calibration": m})

	case http.MethodPost:
		var req struct {
			Pixels []int `json:"pixels"`
		}
		if err := decode(r, &req); err != nil {
			s.writeError(w, err)
			return
		}
		m, err := s.inst.ShiftCalibrate(req.Pixels)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"calibration": m})

	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleLight(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		Voltage int `json:"voltage"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.inst.SetLightVoltage(req.Voltage); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMotor(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		Axis    string `json:"axis"`
		Reverse bool   `json:"reverse"`
		Angle   int    `json:"angle"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	axis, err := instrument.ParseAxis(req.Axis)
	if err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.inst.MoveMotor(axis, req.Reverse, req.Angle)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleMotorPower(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		On bool `json:"on"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.inst.SetMotorPower(req.On); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
