package vulkan

import (
	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/lumen/engine/renderer/metadata"
)

var _ metadata.EventPool = (*EventPool)(nil)

// EventPool keeps every vk.Event it ever created and hands them out again
// after Reset. Reset must only be called once the commands that used the
// events finished executing.
type EventPool struct {
	ctx    *Context
	events []vk.Event
	next   int
}

func NewEventPool(ctx *Context) *EventPool {
	return &EventPool{ctx: ctx}
}

func (ep *EventPool) Acquire() (metadata.Event, error) {
	if ep.next < len(ep.events) {
		e := ep.events[ep.next]
		ep.next++
		return e, nil
	}

	var event vk.Event
	err := ep.ctx.locks.SafeCall(SynchronizationManagement, func() error {
		if res := vk.CreateEvent(ep.ctx.Device.LogicalDevice, &vk.EventCreateInfo{
			SType: vk.StructureTypeEventCreateInfo,
		}, ep.ctx.Allocator, &event); res != vk.Success {
			return resultError("vkCreateEvent", res)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	ep.events = append(ep.events, event)
	ep.next++
	return event, nil
}

func (ep *EventPool) Reset() error {
	for _, e := range ep.events[:ep.next] {
		if res := vk.ResetEvent(ep.ctx.Device.LogicalDevice, e); res != vk.Success {
			return resultError("vkResetEvent", res)
		}
	}
	ep.next = 0
	return nil
}

func (ep *EventPool) Destroy() {
	for _, e := range ep.events {
		vk.DestroyEvent(ep.ctx.Device.LogicalDevice, e, ep.ctx.Allocator)
	}
	ep.events = nil
	ep.next = 0
}

// InUse is the number of events acquired since the last reset.
func (ep *EventPool) InUse() int {
	return ep.next
}
