package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.bug.st/serial"

	"github.com/spmt-unicamp/spmtcal/pkg/utils/wait"
)

// port is the subset of serial.Port the link needs.
type port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// openPort is a test seam.
var openPort = func(name string, baud int) (port, error) {
	p, err := serial.Open(name, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Serial is a Link over a serial port.
//
// A Serial whose port failed to open stays usable: every call logs and returns
// ErrNotConnected. Reconnection only happens through Reconnect.
type Serial struct {
	Name string
	Baud int

	// OpenTimeout bounds the retries of Open. Zero means a single attempt.
	OpenTimeout time.Duration
	// StartupDelay is waited after the port opens; the bridge resets on open.
	StartupDelay time.Duration
	// ReadTimeout is the per-read timeout used while draining responses.
	ReadTimeout time.Duration

	mu sync.Mutex
	p  port
}

// NewSerial returns a disconnected link for the named port.
func NewSerial(name string, baud int) *Serial {
	return &Serial{
		Name:         name,
		Baud:         baud,
		OpenTimeout:  3 * time.Second,
		StartupDelay: 2 * time.Second,
		ReadTimeout:  50 * time.Millisecond,
	}
}

// Open opens the port, retrying with exponential backoff until OpenTimeout.
// On failure the link remains disconnected and the error is returned.
func (s *Serial) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.p != nil {
		return nil
	}

	log := logrus.WithFields(logrus.Fields{
		"port": s.Name,
		"baud": s.Baud,
	})

	var p port
	op := func() error {
		var err error
		p, err = openPort(s.Name, s.Baud)
		if err != nil {
			log.WithError(err).Debug("open failed, retrying")
		}
		return err
	}

	var b backoff.BackOff = &backoff.StopBackOff{}
	if s.OpenTimeout > 0 {
		b = &backoff.ExponentialBackOff{
			InitialInterval:     25 * time.Millisecond,
			RandomizationFactor: 0.,
			Multiplier:          2.,
			MaxInterval:         1 * time.Second,
			MaxElapsedTime:      s.OpenTimeout,
			Clock:               backoff.SystemClock,
		}
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		log.WithError(err).Error("failed to open device link, commands will not reach the bridge")
		return pkgerrors.Wrapf(err, "failed to open %s", s.Name)
	}

	if err := p.SetReadTimeout(s.ReadTimeout); err != nil {
		_ = p.Close()
		return pkgerrors.Wrapf(err, "failed to set read timeout on %s", s.Name)
	}
	s.p = p
	log.Info("device link open")

	return wait.Sleep(ctx, s.StartupDelay)
}

// Reconnect closes the port if open and opens it again.
func (s *Serial) Reconnect(ctx context.Context) error {
	if err := s.Close(); err != nil {
		logrus.WithError(err).Warn("failed to close device link before reconnecting")
	}
	return s.Open(ctx)
}

// Connected reports whether the port is open.
func (s *Serial) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.p != nil
}

// Send writes every frame of cmd in order.
func (s *Serial) Send(cmd string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.p == nil {
		logrus.WithField("cmd", cmd).Error("device link not connected, command dropped")
		return ErrNotConnected
	}

	for _, f := range Frames(cmd) {
		if _, err := s.p.Write([]byte(f)); err != nil {
			return fmt.Errorf("%w: failed to write frame %q: %w", ErrIO, f, err)
		}
	}
	logrus.WithField("cmd", cmd).Trace("sent")
	return nil
}

// Receive drains everything the bridge has buffered. A read that returns no
// bytes within ReadTimeout ends the drain.
func (s *Serial) Receive() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.p == nil {
		return "", ErrNotConnected
	}

	var sb strings.Builder
	buf := make([]byte, 256)
	for {
		n, err := s.p.Read(buf)
		if n > 0 {
			sb.Write(buf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return sb.String(), fmt.Errorf("%w: failed to read: %w", ErrIO, err)
		}
		if n == 0 {
			break
		}
	}
	logrus.WithField("resp", sb.String()).Trace("received")
	return sb.String(), nil
}

// Close releases the port. Closing a closed link is a no-op.
func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.p == nil {
		return nil
	}
	err := s.p.Close()
	s.p = nil
	logrus.WithField("port", s.Name).Info("device link closed")
	return err
}
