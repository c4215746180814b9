package headless

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/metadata"
)

var (
	_ metadata.PipelineDevice = (*Device)(nil)
	_ metadata.EventPool      = (*EventPool)(nil)
)

/** @brief A pipeline object created by the headless device. */
type Pipeline struct {
	ID   uuid.UUID
	Name string
	Desc metadata.PipelineDesc
}

// Device is an in-memory metadata.PipelineDevice. It is safe for concurrent use.
type Device struct {
	mu        sync.Mutex
	live      map[uuid.UUID]*Pipeline
	created   atomic.Int64
	destroyed atomic.Int64

	// FailPipeline, when set, is consulted before every creation.
	FailPipeline func(desc *metadata.PipelineDesc) error
}

func NewDevice() *Device {
	return &Device{live: make(map[uuid.UUID]*Pipeline)}
}

func (d *Device) CreatePipeline(desc *metadata.PipelineDesc) (metadata.PipelineObject, error) {
	if d.FailPipeline != nil {
		if err := d.FailPipeline(desc); err != nil {
			return nil, fmt.Errorf("create pipeline %s: %s: %w", desc.Name, err, core.ErrDevice)
		}
	}
	p := &Pipeline{ID: uuid.New(), Name: desc.Name, Desc: *desc}

	d.mu.Lock()
	d.live[p.ID] = p
	d.mu.Unlock()
	d.created.Add(1)
	return p, nil
}

func (d *Device) DestroyPipeline(obj metadata.PipelineObject) {
	p, ok := obj.(*Pipeline)
	if !ok {
		core.LogWarn("headless: destroying unknown pipeline object %T", obj)
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.live[p.ID]; !ok {
		core.LogWarn("headless: pipeline %s destroyed twice", p.Name)
		return
	}
	delete(d.live, p.ID)
	d.destroyed.Add(1)
}

func (d *Device) Created() int64   { return d.created.Load() }
func (d *Device) Destroyed() int64 { return d.destroyed.Load() }

func (d *Device) Live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.live)
}

/** @brief An event handed out by EventPool. */
type Event struct {
	Index int
}

// EventPool is an in-memory metadata.EventPool that grows on demand.
type EventPool struct {
	events    []*Event
	next      int
	Resets    int
	Destroyed bool
}

func NewEventPool() *EventPool {
	return &EventPool{}
}

func (ep *EventPool) Acquire() (metadata.Event, error) {
	if ep.Destroyed {
		return nil, fmt.Errorf("acquire event: pool destroyed: %w", core.ErrDevice)
	}
	if ep.next == len(ep.events) {
		ep.events = append(ep.events, &Event{Index: len(ep.events)})
	}
	e := ep.events[ep.next]
	ep.next++
	return e, nil
}

func (ep *EventPool) Reset() error {
	ep.next = 0
	ep.Resets++
	return nil
}

func (ep *EventPool) Destroy() {
	ep.events = nil
	ep.next = 0
	ep.Destroyed = true
}

// InUse is the number of events acquired since the last reset.
func (ep *EventPool) InUse() int {
	return ep.next
}
