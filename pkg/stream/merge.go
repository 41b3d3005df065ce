package stream

import (
	"context"
	"fmt"
	"reflect"

	"github.com/freshet-io/freshet/pkg/types"
)

// Merger is the executor at the head of an actor with multiple inputs.
// Chunks and watermarks are forwarded FIFO per input; barriers are
// aligned: an input that delivered its barrier is parked until every
// input delivers the matching one, then exactly one barrier is emitted.
type Merger struct {
	inputs []*Channel

	// pending holds the barrier received per input while aligning
	pending []*types.Barrier
	// closed marks drained inputs
	closed []bool
	// queue buffers messages ready for emission
	queue []*Message
}

// NewMerger creates a merger over the given input channels
func NewMerger(inputs []*Channel) *Merger {
	return &Merger{
		inputs:  inputs,
		pending: make([]*types.Barrier, len(inputs)),
		closed:  make([]bool, len(inputs)),
	}
}

// AddInput wires a new upstream (Update mutation rewiring). The new
// input joins the next alignment round.
func (m *Merger) AddInput(ch *Channel) {
	m.inputs = append(m.inputs, ch)
	m.pending = append(m.pending, nil)
	m.closed = append(m.closed, false)
}

// RemoveInput drops an upstream by actor id
func (m *Merger) RemoveInput(upstream uint32) {
	for i, in := range m.inputs {
		if in != nil && in.UpstreamActor() == upstream {
			m.inputs = append(m.inputs[:i], m.inputs[i+1:]...)
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			m.closed = append(m.closed[:i], m.closed[i+1:]...)
			return
		}
	}
}

func (m *Merger) allAligned() *types.Barrier {
	var barrier *types.Barrier
	for i := range m.inputs {
		if m.closed[i] {
			continue
		}
		if m.pending[i] == nil {
			return nil
		}
		barrier = m.pending[i]
	}
	return barrier
}

func (m *Merger) liveInputs() int {
	n := 0
	for i := range m.inputs {
		if !m.closed[i] {
			n++
		}
	}
	return n
}

// Next implements Executor
func (m *Merger) Next(ctx context.Context) (*Message, error) {
	for {
		if len(m.queue) > 0 {
			msg := m.queue[0]
			m.queue = m.queue[1:]
			return msg, nil
		}
		if m.liveInputs() == 0 {
			return nil, ErrEndOfStream
		}
		if b := m.allAligned(); b != nil {
			// Emit one barrier and open the next round. A barrier
			// carrying an Update may rewire this merger; the actor applies
			// that after seeing the barrier.
			for i := range m.pending {
				m.pending[i] = nil
			}
			return NewBarrierMessage(b), nil
		}
		if err := m.pollOne(ctx); err != nil {
			return nil, err
		}
	}
}

// pollOne blocks until one non-parked input yields a message
func (m *Merger) pollOne(ctx context.Context) error {
	cases := []reflect.SelectCase{{
		Dir:  reflect.SelectRecv,
		Chan: reflect.ValueOf(ctx.Done()),
	}}
	idxOf := []int{-1}
	for i, in := range m.inputs {
		if m.closed[i] || m.pending[i] != nil {
			// Parked: already delivered its barrier this round.
			continue
		}
		cases = append(cases, reflect.SelectCase{
			Dir:  reflect.SelectRecv,
			Chan: reflect.ValueOf(in.Raw()),
		})
		idxOf = append(idxOf, i)
	}
	if len(cases) == 1 {
		return fmt.Errorf("merger deadlock: every input parked")
	}

	chosen, recv, ok := reflect.Select(cases)
	if chosen == 0 {
		return ctx.Err()
	}
	i := idxOf[chosen]
	if !ok {
		m.closed[i] = true
		return nil
	}
	msg := recv.Interface().(*Message)
	if msg.IsBarrier() {
		m.pending[i] = msg.Barrier
		return nil
	}
	m.queue = append(m.queue, msg)
	return nil
}

// Side tags which input of a two-input operator a message arrived on
type Side uint8

const (
	// SideLeft is the data side of asymmetric operators
	SideLeft Side = iota
	// SideRight is the lookup/threshold side
	SideRight
)

// AlignedMessage is a side-tagged message from an AlignedStream
type AlignedMessage struct {
	Side Side
	Msg  *Message
}

// AlignedStream yields side-tagged messages from two inputs while
// enforcing barrier alignment: when one side's barrier arrives, that
// side is parked until the other delivers the matching barrier, which is
// then yielded exactly once (with Side set to SideLeft).
type AlignedStream struct {
	left, right           *Channel
	leftBar, rightBar     *types.Barrier
	leftClosed, rightClosed bool
}

// NewAlignedStream creates an aligned two-input stream
func NewAlignedStream(left, right *Channel) *AlignedStream {
	return &AlignedStream{left: left, right: right}
}

// Next yields the next aligned message
func (a *AlignedStream) Next(ctx context.Context) (*AlignedMessage, error) {
	for {
		if a.leftBar != nil && a.rightBar != nil {
			b := a.leftBar
			a.leftBar, a.rightBar = nil, nil
			return &AlignedMessage{Side: SideLeft, Msg: NewBarrierMessage(b)}, nil
		}
		if a.leftClosed && a.rightClosed {
			return nil, ErrEndOfStream
		}
		// A closed side aligns trivially.
		if a.leftClosed && a.rightBar != nil {
			b := a.rightBar
			a.rightBar = nil
			return &AlignedMessage{Side: SideLeft, Msg: NewBarrierMessage(b)}, nil
		}
		if a.rightClosed && a.leftBar != nil {
			b := a.leftBar
			a.leftBar = nil
			return &AlignedMessage{Side: SideLeft, Msg: NewBarrierMessage(b)}, nil
		}

		msg, side, ok, err := a.poll(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if msg.IsBarrier() {
			if side == SideLeft {
				a.leftBar = msg.Barrier
			} else {
				a.rightBar = msg.Barrier
			}
			continue
		}
		return &AlignedMessage{Side: side, Msg: msg}, nil
	}
}

func (a *AlignedStream) poll(ctx context.Context) (*Message, Side, bool, error) {
	leftOpen := !a.leftClosed && a.leftBar == nil
	rightOpen := !a.rightClosed && a.rightBar == nil

	switch {
	case leftOpen && rightOpen:
		select {
		case msg, ok := <-a.left.Raw():
			if !ok {
				a.leftClosed = true
				return nil, SideLeft, false, nil
			}
			return msg, SideLeft, true, nil
		case msg, ok := <-a.right.Raw():
			if !ok {
				a.rightClosed = true
				return nil, SideRight, false, nil
			}
			return msg, SideRight, true, nil
		case <-ctx.Done():
			return nil, SideLeft, false, ctx.Err()
		}
	case leftOpen:
		select {
		case msg, ok := <-a.left.Raw():
			if !ok {
				a.leftClosed = true
				return nil, SideLeft, false, nil
			}
			return msg, SideLeft, true, nil
		case <-ctx.Done():
			return nil, SideLeft, false, ctx.Err()
		}
	case rightOpen:
		select {
		case msg, ok := <-a.right.Raw():
			if !ok {
				a.rightClosed = true
				return nil, SideRight, false, nil
			}
			return msg, SideRight, true, nil
		case <-ctx.Done():
			return nil, SideRight, false, ctx.Err()
		}
	}
	return nil, SideLeft, false, fmt.Errorf("aligned stream deadlock: both sides parked")
}
