package controller

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// Linux joystick API (linux/joystick.h) event layout.
const (
	jsEventButton = 0x01
	jsEventAxis   = 0x02
	jsEventInit   = 0x80
	jsAxisMax     = 32767.0
)

type jsEvent struct {
	Time   uint32
	Value  int16
	Type   uint8
	Number uint8
}

// decodeJSEvent converts one js_event into a RawEvent. Synthetic init events,
// sent when the device is opened, are reported as well so that the initial
// axis positions are known.
func decodeJSEvent(controller uint64, e jsEvent) (RawEvent, bool) {
	switch e.Type &^ jsEventInit {
	case jsEventButton:
		return RawEvent{Controller: controller, Event: fmt.Sprintf("Button%d", e.Number), Value: float64(e.Value)}, true
	case jsEventAxis:
		v := float64(e.Value) / jsAxisMax
		if v < -1 {
			v = -1
		}
		return RawEvent{Controller: controller, Event: fmt.Sprintf("Axis%d", e.Number), Value: v}, true
	default:
		return RawEvent{}, false
	}
}

// ReadJoystick decodes js_event records from r and sends them to out until r
// fails or ctx is canceled. End of stream returns nil.
func ReadJoystick(ctx context.Context, r io.Reader, controller uint64, out chan<- RawEvent) error {
	for {
		var e jsEvent
		if err := binary.Read(r, binary.LittleEndian, &e); err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to read joystick event: %w", err)
		}

		ev, ok := decodeJSEvent(controller, e)
		if !ok {
			continue
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return nil
		}
	}
}

// OpenJoystick opens a joystick device node and streams its events to out on a
// new goroutine. The device is closed when ctx is canceled. Read errors are
// passed to onError.
func OpenJoystick(ctx context.Context, device string, controller uint64, out chan<- RawEvent, onError func(error)) error {
	f, err := os.Open(device)
	if err != nil {
		return fmt.Errorf("failed to open controller %s: %w", device, err)
	}

	go func() {
		<-ctx.Done()
		f.Close()
	}()
	go func() {
		if err := ReadJoystick(ctx, f, controller, out); err != nil && onError != nil {
			onError(err)
		}
	}()
	return nil
}
