// Command feed-sim serves target telemetry lines for a straight-line target
// to every client that connects.
package main

import (
	"context"
	"flag"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/unklstewy/tptool/pkg/feed"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:45500", "Listen address")
	interval := flag.Duration("interval", time.Second, "Time between samples")
	x := flag.Float64("x", -20000, "Start position north of the observer (m)")
	y := flag.Float64("y", 5000, "Start position west of the observer (m)")
	z := flag.Float64("z", 7000, "Start height above the observer (m)")
	vx := flag.Float64("vx", 220, "Velocity north (m/s)")
	vy := flag.Float64("vy", 0, "Velocity west (m/s)")
	vz := flag.Float64("vz", 0, "Climb rate (m/s)")
	observerAlt := flag.Float64("observer-alt", 0, "Observer altitude above sea level (m)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	target := straightLine{
		start:            r3.Vec{X: *x, Y: *y, Z: *z},
		velocity:         r3.Vec{X: *vx, Y: *vy, Z: *vz},
		t0:               time.Now(),
		observerAltitude: *observerAlt,
	}

	l, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Fatalf("Failed to listen on %s: %v", *addr, err)
	}
	log.Printf("Feed simulator listening on %s", l.Addr())

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				log.Println("Feed simulator stopped")
				return
			}
			log.Fatalf("Failed to accept: %v", err)
		}
		log.Printf("Client connected: %s", conn.RemoteAddr())
		go serve(ctx, conn, target, *interval)
	}
}

func serve(ctx context.Context, conn net.Conn, target straightLine, interval time.Duration) {
	defer conn.Close()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			line := feed.FormatLine(target.sampleAt(now)) + "\n"
			if _, err := io.WriteString(conn, line); err != nil {
				log.Printf("Client %s disconnected: %v", conn.RemoteAddr(), err)
				return
			}
		}
	}
}
