// Command mount-sim serves a simulated Alt-Az mount over TCP for tptool's
// "simulator" mount type.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/unklstewy/tptool/pkg/mount"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:45501", "Listen address")
	report := flag.Duration("report", 5*time.Second, "Position report interval (0 disables)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	l, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Fatalf("Failed to listen on %s: %v", *addr, err)
	}
	log.Printf("Mount simulator listening on %s", l.Addr())

	sim := mount.NewSimulatedMount()
	if *report > 0 {
		go func() {
			ticker := time.NewTicker(*report)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					a1, a2 := sim.Position()
					r1, r2 := sim.Rates()
					log.Printf("axis1 %.3f° (%.3f°/s)  axis2 %.3f° (%.3f°/s)", a1, r1, a2, r2)
				}
			}
		}()
	}

	if err := sim.Serve(ctx, l); err != nil {
		log.Fatalf("Simulator failed: %v", err)
	}
	log.Println("Mount simulator stopped")
}
