package headless

import (
	"fmt"
	"strings"

	"github.com/spaghettifunk/lumen/engine/renderer/metadata"
)

var (
	_ metadata.CommandRecorder = (*Recorder)(nil)
	_ metadata.Submitter       = (*Recorder)(nil)
)

type Op int

const (
	OpPipelineBarrier Op = iota
	OpSetEvent
	OpWaitEvents
	OpFillBuffer
	OpCopyBuffer
	OpBuildAccelerationStructures
	OpBindPipeline
	OpBindResources
	OpPushConstants
	OpDispatch
	OpTraceRays
	OpBeginRendering
	OpEndRendering
)

var opNames = [...]string{
	OpPipelineBarrier:             "pipeline-barrier",
	OpSetEvent:                    "set-event",
	OpWaitEvents:                  "wait-events",
	OpFillBuffer:                  "fill-buffer",
	OpCopyBuffer:                  "copy-buffer",
	OpBuildAccelerationStructures: "build-acceleration-structures",
	OpBindPipeline:                "bind-pipeline",
	OpBindResources:               "bind-resources",
	OpPushConstants:               "push-constants",
	OpDispatch:                    "dispatch",
	OpTraceRays:                   "trace-rays",
	OpBeginRendering:              "begin-rendering",
	OpEndRendering:                "end-rendering",
}

func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("op(%d)", int(o))
}

/** @brief One recorded command. Only the fields relevant to Op are set. */
type Command struct {
	Op        Op
	Batch     metadata.BarrierBatch
	Events    []metadata.Event
	Stage     metadata.PipelineStage
	Kind      metadata.PassKind
	Pipeline  metadata.PipelineObject
	Buffer    *metadata.Buffer
	Dst       *metadata.Buffer
	Regions   []metadata.BufferCopy
	Size      uint64
	Data      []byte
	Resources []metadata.BoundResource
	Builds    []metadata.AccelBuild
	Rendering metadata.RenderingInfo
	Groups    [3]uint32
}

func (c Command) String() string {
	var sb strings.Builder
	sb.WriteString(c.Op.String())
	switch c.Op {
	case OpPipelineBarrier, OpWaitEvents:
		if c.Op == OpWaitEvents {
			fmt.Fprintf(&sb, " events=%d", len(c.Events))
		}
		fmt.Fprintf(&sb, " src=%#x dst=%#x", uint32(c.Batch.SrcStage), uint32(c.Batch.DstStage))
		for _, b := range c.Batch.Buffers {
			fmt.Fprintf(&sb, " buf(%s %#x->%#x)", b.Buffer.Name, uint32(b.SrcAccess), uint32(b.DstAccess))
		}
		for _, i := range c.Batch.Images {
			fmt.Fprintf(&sb, " img(%s %s->%s)", i.Image.Name, i.OldLayout, i.NewLayout)
		}
		if len(c.Batch.Memory) > 0 {
			fmt.Fprintf(&sb, " mem=%d", len(c.Batch.Memory))
		}
	case OpSetEvent:
		fmt.Fprintf(&sb, " stage=%#x", uint32(c.Stage))
	case OpFillBuffer:
		fmt.Fprintf(&sb, " %s size=%d", c.Buffer.Name, c.Size)
	case OpCopyBuffer:
		fmt.Fprintf(&sb, " %s->%s regions=%d", c.Buffer.Name, c.Dst.Name, len(c.Regions))
	case OpBuildAccelerationStructures:
		fmt.Fprintf(&sb, " count=%d", len(c.Builds))
	case OpBindPipeline:
		if p, ok := c.Pipeline.(*Pipeline); ok {
			fmt.Fprintf(&sb, " %s %s", c.Kind, p.Name)
		}
	case OpBindResources:
		fmt.Fprintf(&sb, " slots=%d", len(c.Resources))
	case OpPushConstants:
		fmt.Fprintf(&sb, " bytes=%d", len(c.Data))
	case OpDispatch, OpTraceRays:
		fmt.Fprintf(&sb, " %dx%dx%d", c.Groups[0], c.Groups[1], c.Groups[2])
	case OpBeginRendering:
		fmt.Fprintf(&sb, " %dx%d colors=%d", c.Rendering.Width, c.Rendering.Height, len(c.Rendering.Colors))
	}
	return sb.String()
}

// Recorder keeps every command in memory. It implements metadata.CommandRecorder
// and metadata.Submitter.
type Recorder struct {
	Commands []Command
	// Submitted holds the command lists handed over by Submit, one per call.
	Submitted [][]Command

	// FailSubmit makes the next Submit call fail.
	FailSubmit error
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) add(c Command) {
	r.Commands = append(r.Commands, c)
}

func (r *Recorder) PipelineBarrier(batch metadata.BarrierBatch) {
	r.add(Command{Op: OpPipelineBarrier, Batch: batch})
}

func (r *Recorder) SetEvent(event metadata.Event, stage metadata.PipelineStage) {
	r.add(Command{Op: OpSetEvent, Events: []metadata.Event{event}, Stage: stage})
}

func (r *Recorder) WaitEvents(events []metadata.Event, batch metadata.BarrierBatch) {
	r.add(Command{Op: OpWaitEvents, Events: append([]metadata.Event(nil), events...), Batch: batch})
}

func (r *Recorder) FillBuffer(buf *metadata.Buffer, offset, size uint64, data uint32) {
	r.add(Command{Op: OpFillBuffer, Buffer: buf, Size: size})
}

func (r *Recorder) CopyBuffer(src, dst *metadata.Buffer, regions []metadata.BufferCopy) {
	r.add(Command{Op: OpCopyBuffer, Buffer: src, Dst: dst, Regions: regions})
}

func (r *Recorder) BuildAccelerationStructures(builds []metadata.AccelBuild) {
	r.add(Command{Op: OpBuildAccelerationStructures, Builds: builds})
}

func (r *Recorder) BindPipeline(kind metadata.PassKind, pipeline metadata.PipelineObject) {
	r.add(Command{Op: OpBindPipeline, Kind: kind, Pipeline: pipeline})
}

func (r *Recorder) BindResources(kind metadata.PassKind, pipeline metadata.PipelineObject, resources []metadata.BoundResource) {
	r.add(Command{Op: OpBindResources, Kind: kind, Pipeline: pipeline, Resources: resources})
}

func (r *Recorder) PushConstants(pipeline metadata.PipelineObject, stages metadata.ShaderStage, data []byte) {
	r.add(Command{Op: OpPushConstants, Pipeline: pipeline, Data: append([]byte(nil), data...)})
}

func (r *Recorder) Dispatch(x, y, z uint32) {
	r.add(Command{Op: OpDispatch, Groups: [3]uint32{x, y, z}})
}

func (r *Recorder) TraceRays(pipeline metadata.PipelineObject, width, height, depth uint32) {
	r.add(Command{Op: OpTraceRays, Pipeline: pipeline, Groups: [3]uint32{width, height, depth}})
}

func (r *Recorder) BeginRendering(info metadata.RenderingInfo) {
	r.add(Command{Op: OpBeginRendering, Rendering: info})
}

func (r *Recorder) EndRendering() {
	r.add(Command{Op: OpEndRendering})
}

func (r *Recorder) End() error {
	return nil
}

func (r *Recorder) Submit() error {
	if err := r.FailSubmit; err != nil {
		r.FailSubmit = nil
		return err
	}
	r.Submitted = append(r.Submitted, r.Commands)
	r.Commands = nil
	return nil
}

// All returns the submitted commands followed by the pending ones.
func (r *Recorder) All() []Command {
	var all []Command
	for _, s := range r.Submitted {
		all = append(all, s...)
	}
	return append(all, r.Commands...)
}

// Count counts recorded commands with the given op, submitted ones included.
func (r *Recorder) Count(op Op) int {
	n := 0
	for _, c := range r.All() {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Reset drops everything recorded so far.
func (r *Recorder) Reset() {
	r.Commands = nil
	r.Submitted = nil
}
