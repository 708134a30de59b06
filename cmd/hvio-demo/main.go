// hvio-demo exercises the I/O forwarding core against an in-process loopback
// device model: it allocates the two shared protocol pages, runs a consumer
// goroutine that services slot requests and drains the buffered ring through
// the consumer-side API, and pushes a scripted mix of accesses through the
// dispatcher.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/tinyrange/hvio/internal/intercept"
	"github.com/tinyrange/hvio/internal/iofwd"
	"github.com/tinyrange/hvio/internal/ioreq"
)

// guestRAM is a flat slice-backed guest-physical memory.
type guestRAM []byte

func (m guestRAM) CopyToGuest(gpa uint64, data []byte) error {
	if gpa+uint64(len(data)) > uint64(len(m)) {
		return fmt.Errorf("copy to %#x: out of range", gpa)
	}
	copy(m[gpa:], data)
	return nil
}

func (m guestRAM) CopyFromGuest(data []byte, gpa uint64) error {
	if gpa+uint64(len(data)) > uint64(len(m)) {
		return fmt.Errorf("copy from %#x: out of range", gpa)
	}
	copy(data, m[gpa:])
	return nil
}

// loopback plays the external device model and the scheduler: requests
// published in a slot are serviced on a separate goroutine, and Park/Resume
// are a per-vCPU channel rendezvous.
type loopback struct {
	slots *ioreq.SlotPage

	notify chan int

	mu   sync.Mutex
	wake map[int]chan struct{}
}

func newLoopback(slots *ioreq.SlotPage) *loopback {
	return &loopback{
		slots:  slots,
		notify: make(chan int, ioreq.SlotsPerPage),
		wake:   make(map[int]chan struct{}),
	}
}

func (l *loopback) wakeChan(vcpu int) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.wake[vcpu]
	if !ok {
		ch = make(chan struct{}, 1)
		l.wake[vcpu] = ch
	}
	return ch
}

func (l *loopback) NotifyConsumer(vcpu int) { l.notify <- vcpu }

func (l *loopback) Park(vcpu int)   { <-l.wakeChan(vcpu) }
func (l *loopback) Resume(vcpu int) { l.wakeChan(vcpu) <- struct{}{} }

func (l *loopback) EndShutdownDeferral(vcpu int) {}

func (l *loopback) Crash(vcpu int, reason string) {
	slog.Error("demo: domain crash", "vcpu", vcpu, "reason", reason)
	os.Exit(1)
}

// serve answers every published request with a recognizable pattern: reads
// deliver 0x4242..., writes are acknowledged as-is.
func (l *loopback) serve() {
	for vcpu := range l.notify {
		slot, err := l.slots.Slot(vcpu)
		if err != nil {
			slog.Error("demo: consumer slot lookup", "vcpu", vcpu, "error", err)
			continue
		}

		req, ok := slot.ConsumerObserve()
		if !ok {
			slog.Warn("demo: notified with no request ready", "vcpu", vcpu)
			continue
		}

		slog.Info("demo: consumer serving request",
			"vcpu", vcpu, "type", req.Type, "dir", req.Dir,
			"addr", fmt.Sprintf("%#x", req.Addr), "size", req.Size)

		data := req.Data
		if req.Dir == ioreq.DirRead {
			data = 0x4242424242424242 & (1<<(8*req.Size) - 1)
		}
		slot.ConsumerRespond(data)
		l.Resume(vcpu)
	}
}

func run() error {
	configPath := flag.String("config", "", "passthrough port mapping YAML")
	flag.Parse()

	slotPage, err := ioreq.NewSlotPage(ioreq.AllocPage())
	if err != nil {
		return err
	}
	ring, err := ioreq.NewBufferedRing(ioreq.AllocPage())
	if err != nil {
		return err
	}

	registry := intercept.NewRegistry()

	// A local port intercept: reads from 0x510 answer with a constant.
	if err := registry.RegisterPortRange(0x510, 2, func(req *ioreq.Request) bool {
		if req.Dir == ioreq.DirRead {
			req.Data = 0x51
		}
		return true
	}); err != nil {
		return err
	}

	// Writes to the legacy VGA window go through the buffered ring.
	if err := registry.RegisterBufferedRange(0xa0000, 0x20000); err != nil {
		return err
	}

	lb := newLoopback(slotPage)
	go lb.serve()

	ram := make(guestRAM, 1<<20)

	cfg := iofwd.Config{
		Intercepts: registry,
		Ring:       ring,
		Scheduler:  lb,
		Fatal:      lb,
		Notifier:   lb,
	}

	if *configPath != "" {
		ptCfg, err := iofwd.LoadPassthroughConfig(*configPath)
		if err != nil {
			return err
		}
		ports, err := iofwd.OpenDevPort()
		if err != nil {
			slog.Warn("demo: passthrough disabled", "error", err)
		} else {
			defer ports.Close()
			cfg.Passthrough, err = ptCfg.BuildPortMap(ports, ram)
			if err != nil {
				return err
			}
		}
	}

	core, err := iofwd.New(cfg)
	if err != nil {
		return err
	}

	slot, err := slotPage.Slot(0)
	if err != nil {
		return err
	}
	vcpu, err := iofwd.NewVCPU(0, slot)
	if err != nil {
		return err
	}

	// Local intercept: completes inline.
	outcome := core.SendPIO(vcpu, 0x510, 1, 1, 0, ioreq.DirRead, false, false)
	value, _ := vcpu.TakeIOData()
	slog.Info("demo: intercepted port read", "outcome", outcome, "value", fmt.Sprintf("%#x", value))

	// Buffered fast path: lands in the ring, never blocks.
	outcome = core.SendMMIO(vcpu, 0xa0000, 1, 4, 0xdeadbeef, ioreq.DirWrite, false, false)
	slog.Info("demo: buffered MMIO write", "outcome", outcome, "ring_used", ring.Used())

	outcome = core.SendTimeOffset(5)
	slog.Info("demo: time-offset update", "outcome", outcome, "ring_used", ring.Used())

	// Synchronous hand-off: parks until the loopback consumer responds.
	outcome = core.SendPIO(vcpu, 0x70, 1, 1, 0, ioreq.DirRead, false, false)
	if outcome == iofwd.OutcomePending {
		lb.Park(vcpu.ID())
		core.Complete(vcpu)
	}
	value, _ = vcpu.TakeIOData()
	slog.Info("demo: forwarded port read", "outcome", outcome, "value", fmt.Sprintf("%#x", value))

	outcome = core.SendInvalidate(vcpu)
	if outcome == iofwd.OutcomePending {
		lb.Park(vcpu.ID())
		core.Complete(vcpu)
	}
	slog.Info("demo: invalidate-all", "outcome", outcome)

	for {
		rec, ok := ring.Dequeue()
		if !ok {
			break
		}
		slog.Info("demo: drained buffered record",
			"type", rec.Type, "addr", fmt.Sprintf("%#x", rec.Addr),
			"size", rec.Size, "data", fmt.Sprintf("%#x", rec.Data))
	}

	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "hvio-demo: %v\n", err)
		os.Exit(1)
	}
}
