package mount

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// testSerialPort emulates an iOptron mount behind a serial port. Replies are
// queued when a complete '#'-terminated command is written; a Read with nothing
// queued returns (0, nil) like a timed-out go.bug.st/serial read.
type testSerialPort struct {
	mu sync.Mutex

	readBuf  bytes.Buffer
	pending  strings.Builder
	commands []string
	closed   bool

	// id is the normal-mode mount id, e.g. "0050"
	id          string
	specialMode bool

	// switchAfter is the number of ":MountInfo#" queries after ":ZZZ#"
	// before the mode actually changes (-1 = never)
	switchAfter  int
	switchingFor int
	switching    bool

	// silentSlew suppresses the "1" reply to rate commands
	silentSlew bool

	// failReads makes every Read fail after the port is opened
	failReads bool

	axis [2]int64 // 0.01 arcsec
}

func newTestSerialPort(id string) *testSerialPort {
	return &testSerialPort{id: id}
}

func (p *testSerialPort) opener() PortOpener {
	return func(device string, opts PortOptions) (SerialPort, error) {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.closed = false
		return p, nil
	}
}

func (p *testSerialPort) SetReadTimeout(time.Duration) error { return nil }

func (p *testSerialPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errors.New("port closed")
	}
	if p.failReads {
		return 0, errors.New("device unplugged")
	}
	if p.readBuf.Len() == 0 {
		return 0, nil
	}
	return p.readBuf.Read(b)
}

func (p *testSerialPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errors.New("port closed")
	}
	for _, c := range b {
		p.pending.WriteByte(c)
		if c == '#' {
			p.handle(p.pending.String())
			p.pending.Reset()
		}
	}
	return len(b), nil
}

func (p *testSerialPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *testSerialPort) handle(cmd string) {
	p.commands = append(p.commands, cmd)
	switch {
	case cmd == ":MountInfo#":
		if p.switching {
			if p.switchingFor == 0 {
				p.specialMode = !p.specialMode
				p.switching = false
			} else if p.switchingFor > 0 {
				p.switchingFor--
			}
		}
		p.readBuf.WriteString(p.currentID())
	case cmd == ":ZZZ#":
		p.switching = true
		p.switchingFor = p.switchAfter
	case strings.HasPrefix(cmd, ":M0") || strings.HasPrefix(cmd, ":M1"):
		if !p.silentSlew {
			p.readBuf.WriteString("1")
		}
	case cmd == ":P0#":
		fmt.Fprintf(&p.readBuf, "%+010d#", p.axis[0])
	case cmd == ":P1#":
		fmt.Fprintf(&p.readBuf, "%+010d#", p.axis[1])
	}
}

func (p *testSerialPort) currentID() string {
	if p.specialMode {
		return "8" + p.id[1:]
	}
	return p.id
}

func (p *testSerialPort) written() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.commands...)
}

func (p *testSerialPort) inSpecialMode() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.specialMode
}

// fakeProtocol records calls and lets tests block or fail individual steps.
type fakeProtocol struct {
	mu sync.Mutex

	calls []string
	rates map[Axis][]float64

	openErr     error
	positionErr error
	a1, a2      float64

	// enterGate and exitGate, when non-nil, block EnterControl/ExitControl until closed
	enterGate chan struct{}
	exitGate  chan struct{}

	recovered bool
}

func newFakeProtocol() *fakeProtocol {
	return &fakeProtocol{rates: map[Axis][]float64{}}
}

func (f *fakeProtocol) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeProtocol) Open() error {
	f.record("open")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.openErr
}

func (f *fakeProtocol) EnterControl() error {
	f.record("enter")
	if f.enterGate != nil {
		<-f.enterGate
	}
	return nil
}

func (f *fakeProtocol) ExitControl() error {
	f.record("exit")
	if f.exitGate != nil {
		<-f.exitGate
	}
	return nil
}

func (f *fakeProtocol) SetRate(axis Axis, rate float64) error {
	f.record(fmt.Sprintf("rate %s %g", axis, rate))
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rates[axis] = append(f.rates[axis], rate)
	return nil
}

func (f *fakeProtocol) Position() (float64, float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.a1, f.a2, f.positionErr
}

func (f *fakeProtocol) Close() error {
	f.record("close")
	return nil
}

func (f *fakeProtocol) Info() string { return "fake" }

func (f *fakeProtocol) ForceExitSpecialMode() error {
	f.record("force-exit")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recovered = true
	return nil
}

func (f *fakeProtocol) setPositionErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positionErr = err
}

func (f *fakeProtocol) ratesFor(axis Axis) []float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]float64(nil), f.rates[axis]...)
}

func (f *fakeProtocol) callList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}
