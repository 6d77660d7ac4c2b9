package transport

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/pocket-tunnel/internal/util"
)

const (
	highWaterMark  = 256 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark   = 64 * 1024  // resume sending when bufferedAmount drops below this
	sendBufferSize = 64         // outgoing packet channel capacity
	recvBufferSize = 256        // inbound messages held until OnPacket drains them

	// maxDataChannelMessage is pion's default SCTP max message size. A packet
	// carrying a near-limit Forward payload does not fit in one message.
	maxDataChannelMessage = 65535
)

// sender serializes all writes to a single DataChannel. It holds packets
// until the channel opens and pauses while the SCTP buffer is above the high
// water mark. A failed write shuts the whole Peer down through fail.
type sender struct {
	dc    *webrtc.DataChannel
	inbox chan []byte

	drainSignal chan struct{}
	fail        context.CancelFunc
}

// newSender wires the backpressure callbacks on dc and starts the loop.
// The loop exits when ctx is cancelled.
func newSender(ctx context.Context, fail context.CancelFunc, dc *webrtc.DataChannel, openSignal <-chan struct{}) *sender {
	s := &sender{
		dc:          dc,
		inbox:       make(chan []byte, sendBufferSize),
		drainSignal: make(chan struct{}, 1),
		fail:        fail,
	}

	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case s.drainSignal <- struct{}{}:
		default:
		}
	})

	go s.loop(ctx, openSignal)

	return s
}

// send enqueues an encoded packet. It blocks while the queue is full and
// fails with ErrClosed once ctx is cancelled.
func (s *sender) send(ctx context.Context, data []byte) error {
	if ctx.Err() != nil {
		return ErrClosed
	}
	if len(data) > maxDataChannelMessage {
		return fmt.Errorf("packet of %d bytes exceeds the DataChannel limit of %d", len(data), maxDataChannelMessage)
	}
	select {
	case s.inbox <- data:
		return nil
	case <-ctx.Done():
		return ErrClosed
	}
}

func (s *sender) loop(ctx context.Context, openSignal <-chan struct{}) {
	select {
	case <-openSignal:
	case <-ctx.Done():
		return
	}

	for {
		select {
		case data := <-s.inbox:
			if !s.waitDrained(ctx) {
				return
			}
			if err := s.dc.Send(data); err != nil {
				util.LogError("failed to send packet (%d bytes): %v", len(data), err)
				s.fail()
				return
			}
			util.Stats.AddSent(len(data))

		case <-ctx.Done():
			return
		}
	}
}

// waitDrained blocks while the SCTP buffer is above the high water mark.
// It reports false when ctx is cancelled first.
func (s *sender) waitDrained(ctx context.Context) bool {
	if s.dc.BufferedAmount() <= uint64(highWaterMark) {
		return true
	}
	select {
	case <-s.drainSignal:
		return true
	case <-ctx.Done():
		return false
	}
}
