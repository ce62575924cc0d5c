package fli

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/j-r-jones/dragon/channels"
	"github.com/j-r-jones/dragon/internal/observability"
)

// turboDepth bounds the local queue between callers and the pump.
const turboDepth = 64

// turboSendSlice is the retry granularity for pump deliveries; an
// abort interrupts a blocked send at the next slice boundary.
const turboSendSlice = 50 * time.Millisecond

// turboPump drains locally queued sends into a stream channel on its
// own goroutine. Delivery failures are logged and the payload dropped;
// turbo callers accepted that trade when they opened the handle.
type turboPump struct {
	queue    chan channels.Message
	done     chan struct{}
	quit     chan struct{}
	stop     sync.Once
	quitOnce sync.Once
}

func startTurboPump(stream *channels.Channel) *turboPump {
	p := &turboPump{
		queue: make(chan channels.Message, turboDepth),
		done:  make(chan struct{}),
		quit:  make(chan struct{}),
	}
	go p.run(stream)
	return p
}

func (p *turboPump) run(stream *channels.Channel) {
	defer close(p.done)
	for msg := range p.queue {
		p.deliver(stream, msg)
	}
}

// deliver retries in short slices so an abort can interrupt a send
// blocked on a full stream.
func (p *turboPump) deliver(stream *channels.Channel, msg channels.Message) {
	for {
		select {
		case <-p.quit:
			p.drop(msg, "turbo send abandoned at close", nil)
			return
		default:
		}
		err := stream.Send(msg, Timeout(turboSendSlice))
		switch {
		case err == nil:
			return
		case errors.Is(err, channels.ErrTimeout):
			// full stream; try again until aborted
		default:
			p.drop(msg, "turbo send dropped", err)
			return
		}
	}
}

func (p *turboPump) drop(msg channels.Message, why string, err error) {
	releaseBlock(msg.Block)
	observability.RecordTurboDrop()
	log.Debug().Err(err).Msg(why)
}

// enqueue hands one message to the pump, blocking per the timeout
// convention only while the local queue is full.
func (p *turboPump) enqueue(msg channels.Message, timeout *time.Duration) bool {
	select {
	case p.queue <- msg:
		return true
	default:
	}
	if timeout == nil {
		p.queue <- msg
		return true
	}
	if *timeout == 0 {
		return false
	}
	t := time.NewTimer(*timeout)
	defer t.Stop()
	select {
	case p.queue <- msg:
		return true
	case <-t.C:
		return false
	}
}

// shutdown closes the intake; the pump exits after its backlog.
func (p *turboPump) shutdown() {
	p.stop.Do(func() { close(p.queue) })
}

// abort stops the pump retrying; in-flight and still-queued messages
// are dropped.
func (p *turboPump) abort() {
	p.quitOnce.Do(func() { close(p.quit) })
}

// drain shuts the intake and waits for the backlog, bounded by the
// timeout convention. An expired wait aborts the pump so the goroutine
// does not outlive the close deadline.
func (p *turboPump) drain(timeout *time.Duration) bool {
	p.shutdown()
	if timeout == nil {
		<-p.done
		return true
	}
	select {
	case <-p.done:
		return true
	default:
	}
	if *timeout == 0 {
		p.abort()
		return false
	}
	t := time.NewTimer(*timeout)
	defer t.Stop()
	select {
	case <-p.done:
		return true
	case <-t.C:
		p.abort()
		return false
	}
}
