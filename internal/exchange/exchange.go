package exchange

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shaunagostinho/raman-dash/internal/errs"
	"github.com/shaunagostinho/raman-dash/internal/protocol"
	"github.com/shaunagostinho/raman-dash/internal/transport"
)

const (
	pollRounds   = 4
	pollInterval = 200 * time.Millisecond
	busyDelay    = 500 * time.Millisecond // module still integrating

	// Retry budget: exposure/triesPerMs + triesBase attempts, and a wall
	// clock deadline of exposure + deadlineSlack.
	triesPerMs    = 50
	triesBase     = 550
	deadlineSlack = 3000 * time.Millisecond

	DefaultExposureMs = 1000
)

// retryError marks a recoverable failure; the reason doubles as a metrics label.
type retryError struct {
	reason string
	detail string
}

const reasonBusy = "busy"

func (e *retryError) Error() string { return e.reason + ": " + e.detail }

// Observer receives exchange events. server.Metrics implements it.
type Observer interface {
	Retried(cmd protocol.Command, reason string)
	Completed(cmd protocol.Command, d time.Duration, err error)
}

// Config tunes a Client. Zero values pick the production defaults.
type Config struct {
	ExposureMs int
	Sleep      func(time.Duration)
	Now        func() time.Time
	Observer   Observer
}

// Client runs one command at a time over a Port: write the frame, poll for a
// validated reply, resend on recoverable failures until the exposure-scaled
// budget runs out.
type Client struct {
	mu       sync.Mutex
	port     transport.Port
	log      logrus.FieldLogger
	exposure int
	sleep    func(time.Duration)
	now      func() time.Time
	observer Observer
}

// New creates a Client on port.
func New(port transport.Port, cfg Config, log logrus.FieldLogger) *Client {
	if cfg.ExposureMs <= 0 {
		cfg.ExposureMs = DefaultExposureMs
	}
	if cfg.Sleep == nil {
		cfg.Sleep = time.Sleep
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{
		port:     port,
		log:      log.WithField("component", "exchange"),
		exposure: cfg.ExposureMs,
		sleep:    cfg.Sleep,
		now:      cfg.Now,
		observer: cfg.Observer,
	}
}

// SetExposure updates the timeout baseline. Call it only after the device
// has acknowledged the new exposure.
func (c *Client) SetExposure(ms int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ms <= 0 {
		ms = DefaultExposureMs
	}
	c.exposure = ms
}

// Exposure returns the current timeout baseline in milliseconds.
func (c *Client) Exposure() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exposure
}

// Close closes the underlying port.
func (c *Client) Close() error {
	return c.port.Close()
}

// Send writes cmd+payload and waits for a reply whose status is not busy.
//
// Errors: ErrTimeout when the retry budget or deadline is exhausted,
// ErrProtocol for a malformed reply (never retried), ErrIO for transport
// failures.
func (c *Client) Send(cmd protocol.Command, payload []byte) (protocol.Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := c.now()
	reply, err := c.send(cmd, payload, start)
	if c.observer != nil {
		c.observer.Completed(cmd, c.now().Sub(start), err)
	}
	return reply, err
}

func (c *Client) send(cmd protocol.Command, payload []byte, start time.Time) (protocol.Reply, error) {
	frame, err := protocol.Encode(cmd, payload)
	if err != nil {
		return protocol.Reply{}, err
	}

	exposure := time.Duration(c.exposure) * time.Millisecond
	eta := start.Add(exposure + deadlineSlack)
	maxTries := c.exposure/triesPerMs + triesBase

	if err := c.write(frame); err != nil {
		return protocol.Reply{}, err
	}

	tries := 0
	for {
		reply, err := c.attempt(cmd)
		if err == nil {
			return reply, nil
		}
		var retry *retryError
		if !errors.As(err, &retry) {
			c.log.Errorf("%s: %v", cmd, err)
			return protocol.Reply{}, err
		}

		tries++
		if tries >= maxTries || c.now().After(eta) {
			c.log.Errorf("%s: retry exceeded after %d tries", cmd, tries)
			return protocol.Reply{}, fmt.Errorf("exchange: %s after %d tries: %w", cmd, tries, errs.ErrTimeout)
		}

		c.log.Debugf("%s: %v, resending (try %d/%d)", cmd, err, tries, maxTries)
		if c.observer != nil {
			c.observer.Retried(cmd, retry.reason)
		}
		if retry.reason == reasonBusy {
			c.sleep(busyDelay)
		}
		if err := c.write(frame); err != nil {
			return protocol.Reply{}, err
		}
	}
}

func (c *Client) write(frame []byte) error {
	if _, err := c.port.Write(frame); err != nil {
		return fmt.Errorf("exchange: %w", err)
	}
	return nil
}

// attempt polls the port for one reply using a buffer owned by this attempt.
func (c *Client) attempt(cmd protocol.Command) (protocol.Reply, error) {
	var buf []byte
	outcome := protocol.Incomplete

	for round := 0; round < pollRounds; round++ {
		if round > 0 {
			c.sleep(pollInterval)
		}
		b, err := c.port.ReadAvailable()
		if err != nil {
			return protocol.Reply{}, fmt.Errorf("exchange: %w", err)
		}
		buf = append(buf, b...)
		if len(buf) < 4 {
			continue
		}
		if outcome = protocol.Decode(buf); outcome != protocol.Incomplete {
			break
		}
	}
	if outcome == protocol.Incomplete {
		return protocol.Reply{}, &retryError{"no_data", fmt.Sprintf("no complete frame in %d bytes", len(buf))}
	}

	stripped, ok := protocol.Strip(buf)
	if !ok {
		return protocol.Reply{}, &retryError{"checksum", "mismatch on " + outcome.String() + " frame"}
	}
	reply, err := protocol.ParseReply(stripped)
	if err != nil {
		return protocol.Reply{}, fmt.Errorf("exchange: %s: %w", cmd, err)
	}
	if reply.Status == protocol.StatusBusy {
		return protocol.Reply{}, &retryError{reasonBusy, "device replied 0xFF"}
	}
	if reply.Command != cmd {
		c.log.Debugf("%s: reply carries command %#x", cmd, byte(reply.Command))
	}
	return reply, nil
}
