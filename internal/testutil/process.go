// Package testutil provides fakes and fixtures shared by conduit's tests.
package testutil

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/zjrosen/conduit/internal/adapter"
	"github.com/zjrosen/conduit/internal/wire"
)

// FakeProcess is a scriptable adapter.Process. Tests push output with Send
// and end it with Exit; Kill ends it with a signal exit.
type FakeProcess struct {
	id     string
	events chan wire.OutputEvent

	mu     sync.Mutex
	emits  []wire.InputEvent
	exited bool

	kills atomic.Int32
}

// NewFakeProcess creates a live fake for sessionID.
func NewFakeProcess(sessionID string) *FakeProcess {
	return &FakeProcess{id: sessionID, events: make(chan wire.OutputEvent, 256)}
}

func (p *FakeProcess) SessionID() string               { return p.id }
func (p *FakeProcess) Events() <-chan wire.OutputEvent { return p.events }

// Emit records evt, or fails once the fake has exited.
func (p *FakeProcess) Emit(evt wire.InputEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return adapter.ErrSessionExited
	}
	p.emits = append(p.emits, evt)
	return nil
}

// Kill ends the fake with a signal exit. Only the first call has an effect
// on the stream, but every call is counted.
func (p *FakeProcess) Kill() error {
	p.kills.Add(1)
	p.finish(wire.ExitEvent{})
	return nil
}

// Send pushes an output event unless the fake has exited.
func (p *FakeProcess) Send(evt wire.OutputEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return
	}
	p.events <- evt
}

// Exit ends the fake with the given exit code.
func (p *FakeProcess) Exit(code int, stderr string) {
	p.finish(wire.ExitEvent{Code: &code, Stderr: stderr})
}

func (p *FakeProcess) finish(exit wire.ExitEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return
	}
	p.exited = true
	p.events <- exit
	close(p.events)
}

// Emits returns everything sent to the fake.
func (p *FakeProcess) Emits() []wire.InputEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]wire.InputEvent(nil), p.emits...)
}

// Kills returns how many times Kill was called.
func (p *FakeProcess) Kills() int {
	return int(p.kills.Load())
}

// FakeSpawner hands out FakeProcesses and remembers them.
type FakeSpawner struct {
	mu      sync.Mutex
	spawned []*FakeProcess
	configs []adapter.Config

	// Err, when set, makes every Spawn fail.
	Err error

	// OnSpawn, when set, runs inside Spawn before the process is returned.
	OnSpawn func(cfg adapter.Config)
}

// Spawn implements adapter.Spawner.
func (s *FakeSpawner) Spawn(_ context.Context, cfg adapter.Config) (adapter.Process, error) {
	if s.OnSpawn != nil {
		s.OnSpawn(cfg)
	}
	if s.Err != nil {
		return nil, s.Err
	}
	p := NewFakeProcess(cfg.SessionID)
	s.mu.Lock()
	s.spawned = append(s.spawned, p)
	s.configs = append(s.configs, cfg)
	s.mu.Unlock()
	return p, nil
}

// Spawned returns every process created so far.
func (s *FakeSpawner) Spawned() []*FakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*FakeProcess(nil), s.spawned...)
}

// Configs returns the config of every spawn so far.
func (s *FakeSpawner) Configs() []adapter.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]adapter.Config(nil), s.configs...)
}

// Last returns the most recent process, or nil.
func (s *FakeSpawner) Last() *FakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.spawned) == 0 {
		return nil
	}
	return s.spawned[len(s.spawned)-1]
}

var (
	_ adapter.Process = (*FakeProcess)(nil)
	_ adapter.Spawner = (*FakeSpawner)(nil)
)
