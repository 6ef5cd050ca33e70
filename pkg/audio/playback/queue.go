// Package playback schedules synthesized speech for sequential playback on
// an [audio.Sink].
//
// A [Queue] is strictly FIFO and plays one item at a time from a background
// dispatch goroutine. It reports turn-taking through two callbacks: onStart
// fires once per item as its playback begins, and onEnd fires once when the
// queue drains after a playback cycle, or synchronously on every
// [Queue.Interrupt].
//
// Every interrupt bumps an epoch counter. Decodes that complete after the
// epoch moved on are discarded, so audio belonging to an interrupted turn can
// never start playing late.
package playback

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/decode"
)

// DefaultSinkRate is the output rate used when none is configured.
const DefaultSinkRate = 24000

// ErrStopped is returned by [Queue.Enqueue] after [Queue.Stop].
var ErrStopped = errors.New("playback: queue stopped")

// Item is one unit of synthesized speech.
type Item struct {
	// Data is the encoded payload (WAV, MP3, Opus, or raw PCM16 LE).
	Data []byte
	// Format is the codec hint from the metadata frame, if any.
	Format string
	// SampleRate is the rate of raw PCM payloads, if known.
	SampleRate int
	// Text is the sentence the audio speaks, if known.
	Text string
}

// Result classifies how an item left the queue.
type Result string

const (
	ResultPlayed      Result = "played"
	ResultInterrupted Result = "interrupted"
	ResultDiscarded   Result = "discarded"
	ResultFailed      Result = "failed"
)

// Option configures a [Queue].
type Option func(*Queue)

// WithOnStart registers the callback fired as each item starts playing.
func WithOnStart(fn func()) Option {
	return func(q *Queue) { q.onStart = fn }
}

// WithOnEnd registers the callback fired when a playback cycle ends.
func WithOnEnd(fn func()) Option {
	return func(q *Queue) { q.onEnd = fn }
}

// WithDecoder replaces the default [decode.Chain].
func WithDecoder(d decode.Decoder) Option {
	return func(q *Queue) {
		if d != nil {
			q.dec = d
		}
	}
}

// WithResultFunc registers a callback that receives the outcome of every item.
func WithResultFunc(fn func(Result)) Option {
	return func(q *Queue) { q.onResult = fn }
}

// Queue is a FIFO playback scheduler.
//
// The onStart and onEnd callbacks are serialised with each other and must not
// call back into the Queue. All exported methods are safe for concurrent use.
type Queue struct {
	sink     audio.Sink
	sinkRate int
	dec      decode.Decoder
	onStart  func()
	onEnd    func()
	onResult func(Result)

	// cbMu orders onStart/onEnd so an interrupt can never be observed before
	// the start of the item it cancelled.
	cbMu sync.Mutex

	mu         sync.Mutex
	items      []Item
	epoch      uint64
	cycle      bool               // a cycle started and onEnd has not fired yet
	cancelPlay context.CancelFunc // cancels the item currently in sink.Play
	stopped    bool

	notify chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

// New creates a Queue that plays through sink at sinkRate Hz and starts its
// dispatch goroutine. Call [Queue.Stop] to release the goroutine and the sink.
func New(sink audio.Sink, sinkRate int, opts ...Option) *Queue {
	if sinkRate <= 0 {
		sinkRate = DefaultSinkRate
	}
	q := &Queue{
		sink:     sink,
		sinkRate: sinkRate,
		dec:      decode.Chain{},
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	q.wg.Add(1)
	go q.dispatch()
	return q
}

// Enqueue appends item to the queue.
func (q *Queue) Enqueue(item Item) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return ErrStopped
	}
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Len returns the number of items waiting to be played.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Epoch returns the current interrupt epoch.
func (q *Queue) Epoch() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.epoch
}

// Interrupt halts the current item, discards everything queued and fires
// onEnd synchronously. It fires onEnd on every call, even when idle.
func (q *Queue) Interrupt() {
	q.cbMu.Lock()
	defer q.cbMu.Unlock()

	discarded := q.reset()
	q.report(ResultDiscarded, discarded)
	if q.onEnd != nil {
		q.onEnd()
	}
}

// Stop interrupts playback, ends the dispatch goroutine and closes the sink.
// Later calls return nil.
func (q *Queue) Stop() error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.stopped = true
	q.mu.Unlock()

	q.Interrupt()
	close(q.done)
	q.wg.Wait()
	return q.sink.Close()
}

// reset bumps the epoch, clears the queue and cancels the current item.
// Returns the number of discarded queued items.
func (q *Queue) reset() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.epoch++
	n := len(q.items)
	q.items = nil
	q.cycle = false
	if q.cancelPlay != nil {
		q.cancelPlay()
		q.cancelPlay = nil
	}
	return n
}

func (q *Queue) dispatch() {
	defer q.wg.Done()
	for {
		select {
		case <-q.done:
			return
		case <-q.notify:
		}
		for {
			item, epoch, ok := q.next()
			if !ok {
				break
			}
			q.play(item, epoch)
		}
	}
}

// next pops the head of the queue. When the queue is empty it closes an open
// cycle and fires onEnd.
func (q *Queue) next() (Item, uint64, bool) {
	q.cbMu.Lock()
	defer q.cbMu.Unlock()

	q.mu.Lock()
	if len(q.items) > 0 {
		item := q.items[0]
		q.items[0] = Item{}
		q.items = q.items[1:]
		epoch := q.epoch
		q.mu.Unlock()
		return item, epoch, true
	}
	ended := q.cycle
	q.cycle = false
	q.mu.Unlock()

	if ended && q.onEnd != nil {
		q.onEnd()
	}
	return Item{}, 0, false
}

// play decodes and renders one item unless the epoch moved on meanwhile.
func (q *Queue) play(item Item, epoch uint64) {
	frame, err := q.dec.Decode(item.Data, decode.Hint{Format: item.Format, SampleRate: item.SampleRate})
	if err != nil {
		slog.Warn("playback: skipping undecodable item", "bytes", len(item.Data), "format", item.Format, "err", err)
		q.report(ResultFailed, 1)
		return
	}
	frame = audio.ToMono(frame, q.sinkRate)
	samples := audio.DecodePCM16(frame.Data)
	if len(samples) == 0 {
		q.report(ResultFailed, 1)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q.cbMu.Lock()
	q.mu.Lock()
	if q.epoch != epoch || q.stopped {
		q.mu.Unlock()
		q.cbMu.Unlock()
		slog.Debug("playback: discarding stale decode", "epoch", epoch)
		q.report(ResultDiscarded, 1)
		return
	}
	q.cancelPlay = cancel
	q.cycle = true
	q.mu.Unlock()
	if q.onStart != nil {
		q.onStart()
	}
	q.cbMu.Unlock()

	err = q.sink.Play(ctx, samples, q.sinkRate)

	q.mu.Lock()
	if q.epoch == epoch {
		q.cancelPlay = nil
	}
	q.mu.Unlock()

	switch {
	case ctx.Err() != nil:
		q.report(ResultInterrupted, 1)
	case err != nil:
		slog.Warn("playback: sink error", "err", err)
		q.report(ResultFailed, 1)
	default:
		q.report(ResultPlayed, 1)
	}
}

func (q *Queue) report(r Result, n int) {
	if q.onResult == nil {
		return
	}
	for range n {
		q.onResult(r)
	}
}
