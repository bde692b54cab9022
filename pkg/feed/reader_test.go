package feed

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReader(logs *bytes.Buffer) *Reader {
	r := NewReader(RetryConfig{MaxRetries: 1, InitialDelay: 10 * time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 1}, log.New(logs, "", 0))

	// Deterministic, strictly increasing receipt clock.
	clock := time.Unix(1000, 0)
	r.now = func() time.Time {
		clock = clock.Add(time.Millisecond)
		return clock
	}
	return r
}

func drain(r *Reader) []Sample {
	var out []Sample
	for {
		select {
		case s := <-r.Samples():
			out = append(out, s)
		default:
			return out
		}
	}
}

func TestReaderDropsMalformedLines(t *testing.T) {
	var logs bytes.Buffer
	r := newTestReader(&logs)

	input := strings.Join([]string{
		"1;2;3;4;5;6;7;8",
		"garbage",
		"1;2;3;4;5;6;7",
		"",
		"10;20;30;0;0;0;0;100",
	}, "\n") + "\n"

	require.NoError(t, r.ReadFrom(context.Background(), strings.NewReader(input)))

	samples := drain(r)
	require.Len(t, samples, 2)
	assert.Equal(t, 1.0, samples[0].Position.X)
	assert.Equal(t, 10.0, samples[1].Position.X)
	assert.True(t, samples[1].ReceivedAt.After(samples[0].ReceivedAt))

	accepted, malformed, stale := r.Stats()
	assert.Equal(t, uint64(2), accepted)
	assert.Equal(t, uint64(2), malformed)
	assert.Zero(t, stale)
	assert.Contains(t, logs.String(), "malformed sample")
}

func TestReaderDropsOutOfOrderTimestamps(t *testing.T) {
	var logs bytes.Buffer
	r := newTestReader(&logs)

	base := time.Unix(5000, 0)
	stamps := []time.Time{base, base, base.Add(-time.Second), base.Add(time.Millisecond)}
	i := 0
	r.now = func() time.Time {
		ts := stamps[i]
		i++
		return ts
	}

	input := strings.Repeat("1;2;3;4;5;6;7;8\n", 4)
	require.NoError(t, r.ReadFrom(context.Background(), strings.NewReader(input)))

	samples := drain(r)
	require.Len(t, samples, 2)
	assert.Equal(t, base, samples[0].ReceivedAt)
	assert.Equal(t, base.Add(time.Millisecond), samples[1].ReceivedAt)

	_, _, stale := r.Stats()
	assert.Equal(t, uint64(2), stale)
}

func TestReaderMalformedWarningsAreRateLimited(t *testing.T) {
	var logs bytes.Buffer
	r := newTestReader(&logs)

	input := strings.Repeat("bad\n", 50)
	require.NoError(t, r.ReadFrom(context.Background(), strings.NewReader(input)))

	_, malformed, _ := r.Stats()
	assert.Equal(t, uint64(50), malformed)
	assert.Less(t, strings.Count(logs.String(), "dropping line"), 10)
}

func TestReaderSkipsOverlongLine(t *testing.T) {
	var logs bytes.Buffer
	r := newTestReader(&logs)

	input := strings.Repeat("x", 70000) + "\n" + "10;20;30;0;0;0;0;100\n"
	require.NoError(t, r.ReadFrom(context.Background(), strings.NewReader(input)))

	samples := drain(r)
	require.Len(t, samples, 1)
	assert.Equal(t, 10.0, samples[0].Position.X)

	accepted, malformed, _ := r.Stats()
	assert.Equal(t, uint64(1), accepted)
	assert.Equal(t, uint64(1), malformed)
	assert.Contains(t, logs.String(), "line longer than")
}

func TestReaderRejectsNonFiniteFields(t *testing.T) {
	var logs bytes.Buffer
	r := newTestReader(&logs)

	input := "nan;5000;7000;inf;0;0;0;7000\n1;2;3;4;5;6;7;8"
	require.NoError(t, r.ReadFrom(context.Background(), strings.NewReader(input)))

	samples := drain(r)
	require.Len(t, samples, 1, "an unterminated last line is still decoded")
	assert.Equal(t, 1.0, samples[0].Position.X)

	_, malformed, _ := r.Stats()
	assert.Equal(t, uint64(1), malformed)
}

func waitEvent(t *testing.T, r *Reader, kind EventKind) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-r.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func TestReaderConnectOverTCP(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		fmt.Fprint(conn, "11000.0;5000.0;7000.0;220.0;0.0;0.0;52.1;7000.0\n")
		fmt.Fprint(conn, "not;a;sample\n")
	}()

	var logs bytes.Buffer
	r := newTestReader(&logs)
	r.Connect(context.Background(), l.Addr().String())

	waitEvent(t, r, Connected)

	select {
	case s := <-r.Samples():
		assert.Equal(t, 11000.0, s.Position.X)
		assert.Equal(t, 7000.0, s.Altitude)
	case <-time.After(2 * time.Second):
		t.Fatal("no sample received")
	}

	ev := waitEvent(t, r, Disconnected)
	assert.Error(t, ev.Err)
}

func TestReaderDisconnect(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := l.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	var logs bytes.Buffer
	r := newTestReader(&logs)
	r.Connect(context.Background(), l.Addr().String())
	waitEvent(t, r, Connected)

	r.Disconnect()
	ev := waitEvent(t, r, Disconnected)
	assert.NoError(t, ev.Err)

	conn := <-accepted
	conn.Close()
}

func TestReaderDialFailure(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	var logs bytes.Buffer
	r := newTestReader(&logs)
	r.Connect(context.Background(), addr)

	ev := waitEvent(t, r, DialFailed)
	assert.Contains(t, ev.Err.Error(), "max retries")
}

func TestReaderReconnectSuppressesStaleDisconnect(t *testing.T) {
	listen := func() net.Listener {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		go func() {
			for {
				conn, err := l.Accept()
				if err != nil {
					return
				}
				defer conn.Close()
			}
		}()
		return l
	}
	first, second := listen(), listen()
	defer first.Close()
	defer second.Close()

	var logs bytes.Buffer
	r := newTestReader(&logs)
	r.Connect(context.Background(), first.Addr().String())
	ev := waitEvent(t, r, Connected)
	require.Equal(t, first.Addr().String(), ev.Addr)

	r.Connect(context.Background(), second.Addr().String())
	select {
	case ev = <-r.Events():
		assert.Equal(t, Connected, ev.Kind)
		assert.Equal(t, second.Addr().String(), ev.Addr)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the second connection")
	}

	select {
	case ev := <-r.Events():
		t.Errorf("Expected no further events, got %s from %s", ev.Kind, ev.Addr)
	case <-time.After(200 * time.Millisecond):
	}

	r.Disconnect()
	ev = waitEvent(t, r, Disconnected)
	assert.Equal(t, second.Addr().String(), ev.Addr)
}
