// Package platformtest provides a scriptable in-memory Platform for tests.
package platformtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/ericreilly999/inventory-release/internal/environment"
	"github.com/ericreilly999/inventory-release/internal/platform"
)

// Event records one mutating call in order.
type Event struct {
	Kind    string
	Service string
	Image   string
	Task    string
}

// TaskScript controls how a launched task behaves.
type TaskScript struct {
	// LaunchErr is returned from RunTask when set.
	LaunchErr error
	// PendingPolls is the number of DescribeTask calls reporting pending
	// before the task starts running.
	PendingPolls int
	// RunningPolls is the number of DescribeTask calls reporting running
	// before the task stops. Negative keeps the task running forever.
	RunningPolls int
	ExitCode     int
	// NoExitCode stops the task without an exit code, as when the image
	// cannot be pulled.
	NoExitCode bool
	Reason     string
	Logs       []string
}

// ServiceScript controls how a service converges after an image update.
type ServiceScript struct {
	// ConvergePolls is the number of DescribeService calls before the new
	// image reports running and healthy. Negative never converges.
	ConvergePolls int
	// FailRollout reports a platform rollout failure after the update.
	FailRollout bool
	// UpdateErr is returned from UpdateServiceImage.
	UpdateErr error
}

type serviceState struct {
	state  platform.ServiceState
	script ServiceScript
	polls  int
}

type taskState struct {
	spec   platform.TaskSpec
	script TaskScript
	polls  int
}

// Platform is a fake runtime keyed by (environment, service).
type Platform struct {
	mu       sync.Mutex
	services map[string]*serviceState
	tasks    map[string]*taskState
	scripts  []TaskScript
	events   []Event
	seq      int
}

var _ platform.Platform = (*Platform)(nil)

// New returns an empty fake platform.
func New() *Platform {
	return &Platform{
		services: make(map[string]*serviceState),
		tasks:    make(map[string]*taskState),
	}
}

func key(env environment.Name, service string) string {
	return string(env) + "/" + service
}

// AddService registers a converged service running image.
func (p *Platform) AddService(env environment.Name, service, image string, replicas int, placement platform.Placement) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.services[key(env, service)] = &serviceState{state: platform.ServiceState{
		Service:   service,
		Image:     image,
		Desired:   replicas,
		Running:   replicas,
		Healthy:   replicas,
		Placement: placement,
	}}
}

// ScriptService sets how service behaves on its next update.
func (p *Platform) ScriptService(env environment.Name, service string, script ServiceScript) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.services[key(env, service)]; ok {
		s.script = script
	}
}

// QueueTask appends scripts consumed by successive RunTask calls. When the
// queue is empty tasks succeed immediately with no output.
func (p *Platform) QueueTask(scripts ...TaskScript) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scripts = append(p.scripts, scripts...)
}

// Events returns a copy of recorded mutating calls.
func (p *Platform) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// Image returns the image currently configured for service.
func (p *Platform) Image(env environment.Name, service string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.services[key(env, service)]; ok {
		return s.state.Image
	}
	return ""
}

// Task returns the spec of a launched task.
func (p *Platform) Task(id string) (platform.TaskSpec, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tasks[id]
	if !ok {
		return platform.TaskSpec{}, false
	}
	return t.spec, true
}

// StopTask makes a launched task report stopped with exitCode on its next
// poll.
func (p *Platform) StopTask(id string, exitCode int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.tasks[id]; ok {
		t.script.PendingPolls = 0
		t.script.RunningPolls = 0
		t.script.ExitCode = exitCode
	}
}

func (p *Platform) DescribeService(_ context.Context, env environment.Environment, service, _ string) (platform.ServiceState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.services[key(env.Name, service)]
	if !ok {
		return platform.ServiceState{}, platform.ErrServiceNotFound
	}
	if s.script.ConvergePolls >= 0 && s.polls >= s.script.ConvergePolls && !s.script.FailRollout {
		s.state.Running = s.state.Desired
		s.state.Healthy = s.state.Desired
	}
	s.polls++
	out := s.state
	out.RolloutFailed = s.script.FailRollout
	if out.RolloutFailed {
		out.Message = "deployment circuit breaker triggered"
	}
	return out, nil
}

func (p *Platform) UpdateServiceImage(_ context.Context, env environment.Environment, service, _ string, image string, desired int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.services[key(env.Name, service)]
	if !ok {
		return platform.ErrServiceNotFound
	}
	if s.script.UpdateErr != nil {
		return s.script.UpdateErr
	}
	p.events = append(p.events, Event{Kind: "update", Service: service, Image: image})
	s.state.Image = image
	s.state.Desired = desired
	s.polls = 0
	if s.script.ConvergePolls != 0 {
		s.state.Running = 0
		s.state.Healthy = 0
	}
	return nil
}

func (p *Platform) RunTask(_ context.Context, spec platform.TaskSpec) (platform.TaskHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var script TaskScript
	if len(p.scripts) > 0 {
		script = p.scripts[0]
		p.scripts = p.scripts[1:]
	}
	if script.LaunchErr != nil {
		p.events = append(p.events, Event{Kind: "launch-error", Task: spec.Name})
		return platform.TaskHandle{}, script.LaunchErr
	}
	p.seq++
	id := fmt.Sprintf("task-%d", p.seq)
	p.tasks[id] = &taskState{spec: spec, script: script}
	p.events = append(p.events, Event{Kind: "task", Task: spec.Name, Image: spec.Image})
	return platform.TaskHandle{ID: id, LogRef: "logs/" + id}, nil
}

func (p *Platform) DescribeTask(_ context.Context, _ environment.Environment, handle platform.TaskHandle) (platform.TaskStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tasks[handle.ID]
	if !ok {
		return platform.TaskStatus{}, fmt.Errorf("task %s not found", handle.ID)
	}
	t.polls++
	switch {
	case t.polls <= t.script.PendingPolls:
		return platform.TaskStatus{State: platform.TaskPending}, nil
	case t.script.RunningPolls < 0 || t.polls <= t.script.PendingPolls+t.script.RunningPolls:
		return platform.TaskStatus{State: platform.TaskRunning}, nil
	}
	if t.script.NoExitCode {
		return platform.TaskStatus{State: platform.TaskStopped, Reason: t.script.Reason}, nil
	}
	code := t.script.ExitCode
	return platform.TaskStatus{State: platform.TaskStopped, ExitCode: &code, Reason: t.script.Reason}, nil
}

func (p *Platform) TaskLogs(_ context.Context, _ environment.Environment, handle platform.TaskHandle) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tasks[handle.ID]
	if !ok {
		return nil, fmt.Errorf("task %s not found", handle.ID)
	}
	return append([]string(nil), t.script.Logs...), nil
}
