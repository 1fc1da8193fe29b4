package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shaunagostinho/raman-dash/internal/instrument"
	"github.com/shaunagostinho/raman-dash/internal/server"
	"github.com/shaunagostinho/raman-dash/internal/transport"
	"github.com/shaunagostinho/raman-dash/web"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "/etc/raman-dash/config.yaml", "Path to config file")
	mock := flag.Bool("mock", false, "Connect to the simulated spectrometer")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("raman-dash", version)
		return
	}

	boot := logrus.New()
	cfg := server.LoadConfig(*configPath, boot)
	if *mock {
		cfg.Instrument.Type = "mock"
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	log := setupLogger(cfg.Log)
	log.Infof("raman-dash %s starting", version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := server.NewMetrics(log)
	inst := instrument.New(instrument.Options{
		Enumerator: enumerator(cfg.Instrument),
		Transport: transport.Config{
			BaudRate:    cfg.Instrument.BaudRate,
			ReadTimeout: time.Duration(cfg.Instrument.ReadTimeoutMs) * time.Millisecond,
		},
		Observer:        metrics,
		Logger:          log,
		CalibrationBlob: calibrationBlob(cfg.Instrument.CalibrationFile, log),
	})

	var pub server.Publisher
	if cfg.Redis.Enabled {
		p, err := server.NewRedisPublisher(ctx, cfg.Redis, log)
		if err != nil {
			log.Warnf("redis disabled: %v", err)
		} else {
			pub = p
			defer p.Close()
		}
	}

	// The dashboard starts regardless; the device connects in the background.
	switch cfg.Instrument.Type {
	case "mock":
		go connectWithRetry(ctx, log, inst, 0, cfg.Acquisition, 10)
	case "serial":
		go connectWithRetry(ctx, log, inst, cfg.Instrument.DefaultIndex, cfg.Acquisition, 10)
	default:
		log.Infof("no instrument auto-connect (type %q)", cfg.Instrument.Type)
	}

	srv := server.New(cfg, inst, web.FS, metrics, pub, log)
	if err := srv.Run(ctx); err != nil {
		log.Errorf("server exited: %v", err)
	}
	if err := inst.Disconnect(); err != nil {
		log.Warnf("disconnect: %v", err)
	}
}

func setupLogger(cfg server.LogConfig) *logrus.Logger {
	log := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
		})
	} else {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}

	if cfg.Output == "file" && cfg.FilePath != "" {
		file, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err == nil {
			log.SetOutput(file)
		} else {
			log.Warnf("open log file %s: %v, using stdout", cfg.FilePath, err)
		}
	}

	return log
}

// enumerator lists the configured static ports first, then USB ports when
// enumeration is enabled.
func enumerator(cfg server.InstrumentConfig) transport.Enumerator {
	var chain transport.Chain
	if len(cfg.Ports) > 0 {
		static := make(transport.Static, 0, len(cfg.Ports))
		for _, p := range cfg.Ports {
			static = append(static, transport.Candidate{Name: p, Endpoint: p})
		}
		chain = append(chain, static)
	}
	if cfg.Enumerate {
		chain = append(chain, transport.USBEnumerator{})
	}
	return chain
}

func calibrationBlob(path string, log logrus.FieldLogger) []byte {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		log.Warnf("calibration file %s: %v; reading calibration from the module", path, err)
		return nil
	}
	log.Infof("using calibration from %s", path)
	return data
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, logs the attempt count up
// to maxAttempts then continues at max interval indefinitely. Once
// connected the configured acquisition parameters are applied.
func connectWithRetry(ctx context.Context, log logrus.FieldLogger, inst *instrument.State, index int, acq server.AcquisitionConfig, maxAttempts int) {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// Refresh the list so a device plugged in late gets an index.
		if _, err := inst.Devices(); err != nil {
			log.Warnf("enumerate: %v", err)
		}
		if err := inst.Connect(index); err != nil {
			attempt++
			if attempt <= maxAttempts {
				log.Warnf("connect attempt %d/%d failed: %v (retry in %v)",
					attempt, maxAttempts, err, delay)
			} else {
				log.Warnf("connect attempt %d failed: %v (retry in %v)",
					attempt, err, delay)
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
			continue
		}

		log.Infof("instrument connected (attempt %d)", attempt+1)
		err := inst.SetParameters(instrument.Parameters{
			LaserPower:    acq.LaserPower,
			ExposureMs:    acq.ExposureMs,
			Accumulations: acq.Accumulations,
		})
		if err != nil {
			log.Warnf("apply acquisition parameters: %v", err)
		}
		return
	}
}
