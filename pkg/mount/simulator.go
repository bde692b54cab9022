package mount

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Simulator line protocol (newline-terminated, fields separated by ';'):
//
//	slew;<axis>;<deg/s>  ->  ok
//	stop;<axis|all>      ->  ok
//	pos                  ->  pos;<axis1 deg>;<axis2 deg>
//
// Any failure is answered with "err;<text>".

// SimulatorMount is the client side of the simulator protocol.
type SimulatorMount struct {
	addr    string
	timeout time.Duration

	conn net.Conn
	r    *bufio.Reader
}

// NewSimulatorMount creates a client for a simulator listening on addr.
func NewSimulatorMount(addr string) *SimulatorMount {
	return &SimulatorMount{addr: addr, timeout: 2 * time.Second}
}

// Info describes the mount.
func (s *SimulatorMount) Info() string {
	return "simulator at " + s.addr
}

// Open dials the simulator.
func (s *SimulatorMount) Open() error {
	conn, err := net.DialTimeout("tcp", s.addr, s.timeout)
	if err != nil {
		return fmt.Errorf("failed to dial simulator: %w", err)
	}
	s.conn = conn
	s.r = bufio.NewReader(conn)
	return nil
}

// EnterControl is a no-op: the simulator accepts rate commands immediately.
func (s *SimulatorMount) EnterControl() error { return nil }

// ExitControl is a no-op.
func (s *SimulatorMount) ExitControl() error { return nil }

// SetRate commands a signed rate on one axis.
func (s *SimulatorMount) SetRate(axis Axis, rate float64) error {
	line := fmt.Sprintf("slew;%d;%s", int(axis), strconv.FormatFloat(rate, 'f', -1, 64))
	if rate == 0 {
		line = fmt.Sprintf("stop;%d", int(axis))
	}
	reply, err := s.request(line)
	if err != nil {
		return err
	}
	if reply != "ok" {
		return fmt.Errorf("unexpected simulator reply %q", reply)
	}
	return nil
}

// Position reads both axes.
func (s *SimulatorMount) Position() (float64, float64, error) {
	reply, err := s.request("pos")
	if err != nil {
		return 0, 0, err
	}
	fields := strings.Split(reply, ";")
	if len(fields) != 3 || fields[0] != "pos" {
		return 0, 0, fmt.Errorf("unexpected simulator reply %q", reply)
	}
	a1, err1 := strconv.ParseFloat(fields[1], 64)
	a2, err2 := strconv.ParseFloat(fields[2], 64)
	if err := errors.Join(err1, err2); err != nil {
		return 0, 0, fmt.Errorf("invalid simulator position %q: %w", reply, err)
	}
	return a1, a2, nil
}

// Close closes the connection.
func (s *SimulatorMount) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

func (s *SimulatorMount) request(line string) (string, error) {
	if s.conn == nil {
		return "", ErrDisconnected
	}
	if err := s.conn.SetDeadline(time.Now().Add(s.timeout)); err != nil {
		return "", fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	if _, err := io.WriteString(s.conn, line+"\n"); err != nil {
		return "", classifyNetError(err)
	}
	reply, err := s.r.ReadString('\n')
	if err != nil {
		return "", classifyNetError(err)
	}
	reply = strings.TrimSpace(reply)
	if msg, ok := strings.CutPrefix(reply, "err;"); ok {
		return "", fmt.Errorf("simulator error: %s", msg)
	}
	return reply, nil
}

func classifyNetError(err error) error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrDisconnected, err)
}

// SimulatedMount is an in-memory mount that integrates commanded rates over
// time. It serves the simulator protocol.
type SimulatedMount struct {
	mu   sync.Mutex
	pos  [2]float64
	rate [2]float64
	last time.Time
	now  func() time.Time
}

// NewSimulatedMount creates a simulated mount at axis positions (0, 0).
func NewSimulatedMount() *SimulatedMount {
	return &SimulatedMount{now: time.Now, last: time.Now()}
}

// Position returns the current axis positions.
func (s *SimulatedMount) Position() (float64, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advanceLocked()
	return s.pos[0], s.pos[1]
}

// Rates returns the current axis rates.
func (s *SimulatedMount) Rates() (float64, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rate[0], s.rate[1]
}

func (s *SimulatedMount) advanceLocked() {
	now := s.now()
	dt := now.Sub(s.last).Seconds()
	s.last = now
	for i := range s.pos {
		s.pos[i] += s.rate[i] * dt
	}
	// The primary axis reports like a real azimuth encoder.
	for s.pos[0] >= 360 {
		s.pos[0] -= 360
	}
	for s.pos[0] < 0 {
		s.pos[0] += 360
	}
}

// Handle processes one request line and returns the reply line.
func (s *SimulatedMount) Handle(line string) string {
	fields := strings.Split(strings.TrimSpace(line), ";")

	s.mu.Lock()
	defer s.mu.Unlock()
	s.advanceLocked()

	switch fields[0] {
	case "slew":
		if len(fields) != 3 {
			return "err;slew needs axis and rate"
		}
		axis, err := strconv.Atoi(fields[1])
		if err != nil || (Axis(axis) != Axis1 && Axis(axis) != Axis2) {
			return "err;invalid axis " + fields[1]
		}
		rate, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return "err;invalid rate " + fields[2]
		}
		s.rate[Axis(axis).Index()] = rate
		return "ok"
	case "stop":
		if len(fields) != 2 {
			return "err;stop needs an axis"
		}
		if fields[1] == "all" {
			s.rate = [2]float64{}
			return "ok"
		}
		axis, err := strconv.Atoi(fields[1])
		if err != nil || (Axis(axis) != Axis1 && Axis(axis) != Axis2) {
			return "err;invalid axis " + fields[1]
		}
		s.rate[Axis(axis).Index()] = 0
		return "ok"
	case "pos":
		return fmt.Sprintf("pos;%s;%s",
			strconv.FormatFloat(s.pos[0], 'f', -1, 64),
			strconv.FormatFloat(s.pos[1], 'f', -1, 64))
	default:
		return "err;unknown command " + fields[0]
	}
}

// Serve accepts simulator clients on l until ctx is canceled.
func (s *SimulatedMount) Serve(ctx context.Context, l net.Listener) error {
	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to accept: %w", err)
		}
		log.Printf("simulator client connected: %s", conn.RemoteAddr())
		go s.serveConn(ctx, conn)
	}
}

func (s *SimulatedMount) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		if _, err := io.WriteString(conn, s.Handle(scanner.Text())+"\n"); err != nil {
			return
		}
	}
	log.Printf("simulator client disconnected: %s", conn.RemoteAddr())
}
