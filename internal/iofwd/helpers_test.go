package iofwd

import (
	"fmt"
	"testing"

	"github.com/tinyrange/hvio/internal/hv"
	"github.com/tinyrange/hvio/internal/intercept"
	"github.com/tinyrange/hvio/internal/ioreq"
)

type fakeScheduler struct {
	parked       []int
	resumed      []int
	deferralEnds []int
}

func (s *fakeScheduler) Park(vcpu int)                { s.parked = append(s.parked, vcpu) }
func (s *fakeScheduler) Resume(vcpu int)              { s.resumed = append(s.resumed, vcpu) }
func (s *fakeScheduler) EndShutdownDeferral(vcpu int) { s.deferralEnds = append(s.deferralEnds, vcpu) }

type fakeFatal struct {
	crashes []string
}

func (f *fakeFatal) Crash(vcpu int, reason string) {
	f.crashes = append(f.crashes, fmt.Sprintf("vcpu%d: %s", vcpu, reason))
}

type fakeNotifier struct {
	notified []int
}

func (n *fakeNotifier) NotifyConsumer(vcpu int) { n.notified = append(n.notified, vcpu) }

// fakeMemory is guest RAM with optional copy-failure injection: the copy
// numbered failOn (1-based) fails.
type fakeMemory struct {
	data   []byte
	copies int
	failOn int
}

func newFakeMemory(size int) *fakeMemory {
	return &fakeMemory{data: make([]byte, size)}
}

func (m *fakeMemory) CopyToGuest(gpa uint64, data []byte) error {
	m.copies++
	if m.failOn != 0 && m.copies >= m.failOn {
		return fmt.Errorf("injected copy failure")
	}
	if gpa+uint64(len(data)) > uint64(len(m.data)) {
		return fmt.Errorf("copy to %#x out of range", gpa)
	}
	copy(m.data[gpa:], data)
	return nil
}

func (m *fakeMemory) CopyFromGuest(data []byte, gpa uint64) error {
	m.copies++
	if m.failOn != 0 && m.copies >= m.failOn {
		return fmt.Errorf("injected copy failure")
	}
	if gpa+uint64(len(data)) > uint64(len(m.data)) {
		return fmt.Errorf("copy from %#x out of range", gpa)
	}
	copy(data, m.data[gpa:])
	return nil
}

type portAccess struct {
	port  uint16
	size  uint32
	value uint64
}

// fakeHostPorts records host port traffic and answers reads from a fixed
// value.
type fakeHostPorts struct {
	reads     []portAccess
	writes    []portAccess
	readValue uint64
	failAfter int // fail accesses once this many have happened; 0 = never
}

func (p *fakeHostPorts) ReadPort(port uint16, size uint32) (uint64, error) {
	if p.failAfter != 0 && len(p.reads) >= p.failAfter {
		return 0, fmt.Errorf("injected port read failure")
	}
	p.reads = append(p.reads, portAccess{port: port, size: size})
	return p.readValue, nil
}

func (p *fakeHostPorts) WritePort(port uint16, size uint32, value uint64) error {
	if p.failAfter != 0 && len(p.writes) >= p.failAfter {
		return fmt.Errorf("injected port write failure")
	}
	p.writes = append(p.writes, portAccess{port: port, size: size, value: value})
	return nil
}

type staticPerms bool

func (p staticPerms) PortAccessPermitted(start, end uint16) bool { return bool(p) }

// fakeEmulator returns scripted results and lets a test hook run inside
// EmulateOne, where the real emulator would call back into the dispatcher.
type fakeEmulator struct {
	results    []hv.EmulateResult
	calls      int
	writebacks int
	onEmulate  func()
}

func (e *fakeEmulator) EmulateOne(vcpu int) hv.EmulateResult {
	idx := e.calls
	e.calls++
	if e.onEmulate != nil {
		e.onEmulate()
	}
	if idx < len(e.results) {
		return e.results[idx]
	}
	return hv.EmulateResult{Outcome: hv.EmulateOK}
}

func (e *fakeEmulator) Writeback(vcpu int) error {
	e.writebacks++
	return nil
}

type fakeInjector struct {
	injected []portAccess // reuse: port=vector, value=errorCode
}

func (i *fakeInjector) InjectException(vcpu int, vector uint8, errorCode uint32) error {
	i.injected = append(i.injected, portAccess{port: uint16(vector), value: uint64(errorCode)})
	return nil
}

// testEnv bundles a core wired to fakes and a single vCPU.
type testEnv struct {
	core     *Core
	vcpu     *VCPU
	registry *intercept.Registry
	ring     *ioreq.BufferedRing
	sched    *fakeScheduler
	fatal    *fakeFatal
	notifier *fakeNotifier
	mem      *fakeMemory
	emu      *fakeEmulator
	inject   *fakeInjector
}

func newTestEnv(t *testing.T, mutate func(cfg *Config)) *testEnv {
	t.Helper()

	slotPage, err := ioreq.NewSlotPage(ioreq.AllocPage())
	if err != nil {
		t.Fatalf("slot page: %v", err)
	}
	ring, err := ioreq.NewBufferedRing(ioreq.AllocPage())
	if err != nil {
		t.Fatalf("ring: %v", err)
	}

	env := &testEnv{
		registry: intercept.NewRegistry(),
		ring:     ring,
		sched:    &fakeScheduler{},
		fatal:    &fakeFatal{},
		notifier: &fakeNotifier{},
		mem:      newFakeMemory(1 << 20),
		emu:      &fakeEmulator{},
		inject:   &fakeInjector{},
	}

	cfg := Config{
		Intercepts: env.registry,
		Ring:       ring,
		Emulator:   env.emu,
		Injector:   env.inject,
		Scheduler:  env.sched,
		Fatal:      env.fatal,
		Notifier:   env.notifier,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	env.core, err = New(cfg)
	if err != nil {
		t.Fatalf("core: %v", err)
	}

	slot, err := slotPage.Slot(0)
	if err != nil {
		t.Fatalf("slot: %v", err)
	}
	env.vcpu, err = NewVCPU(0, slot)
	if err != nil {
		t.Fatalf("vcpu: %v", err)
	}
	return env
}

// respond plays the external consumer for a pending request.
func (env *testEnv) respond(t *testing.T, data uint64) ioreq.Request {
	t.Helper()

	req, ok := env.vcpu.Slot().ConsumerObserve()
	if !ok {
		t.Fatalf("no request published for the consumer")
	}
	env.vcpu.Slot().ConsumerRespond(data)
	return req
}
