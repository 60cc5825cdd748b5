// Package ddbqueue implements the rate-limited, priority-preserving
// DynamoDB request queue fronting the ddbq daemon (spec §4.6),
// grounded on dynamodb_request_queue.c. Every request moves through
// the same three states the original defines: waiting to be sent,
// in flight, or settled-but-cooling-down until its backoff timer lets
// it be retried. The original drives those transitions from two
// per-request cookies (an HTTP request handle and an events_timer
// handle) serviced by a single-threaded event loop; this package
// drives them from a single actor goroutine reached through a command
// channel, which is spec §9's sanctioned substitute for that loop and
// also removes the need for the original's poke()/events_immediate
// indirection (a trick the C code needs only to avoid recursing back
// into the event loop from inside a callback — moot when every mutation
// already runs serialized on one goroutine).
package ddbqueue

import (
	"container/heap"
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/Tarsnap/kivaloo-sub001/internal/auditlog"
	"github.com/Tarsnap/kivaloo-sub001/internal/awshttp"
	"github.com/Tarsnap/kivaloo-sub001/internal/ddbjson"
	"github.com/Tarsnap/kivaloo-sub001/internal/ddbqerr"
)

// Sender issues one signed DynamoDB request and returns its response.
// A non-nil error means no usable response was obtained: the round
// trip itself failed or was canceled, or the body exceeded maxrlen
// (ddbqerr.ErrResponseTooLarge). Any other HTTP status actually
// received, including 4xx/5xx, comes back as a non-error Response.
// *awshttp.Client satisfies this.
type Sender interface {
	Send(ctx context.Context, op string, body []byte, maxrlen int) (*awshttp.Response, error)
}

type result struct {
	resp *awshttp.Response
	err  error
}

// request is one queued or in-flight DynamoDB call.
type request struct {
	op      string
	body    []byte
	maxrlen int
	logstr  string
	prio    int
	reqnum  uint64

	ntries int
	index  int // slot in the heap; -1 once removed

	active    bool // an attempt or its backoff wait is in progress
	cancelled bool // Enqueue's caller gave up or the queue was flushed

	start  time.Time
	ctx    context.Context
	cancel context.CancelFunc

	resultCh chan result
}

// Queue is a rate-limited priority queue of DynamoDB requests. All
// mutable state below the cmds channel is owned exclusively by the
// run goroutine; nothing else may touch it. The zero value is not
// usable; use New.
type Queue struct {
	sender Sender

	cmds   chan func()
	closed chan struct{}
	wg     sync.WaitGroup

	logfile *auditlog.File

	muCapPerReq float64
	sPerCap     float64
	bucketCap   float64
	maxBurstCap float64

	timerArmed bool
	timer      *time.Timer

	inflight int
	reqs     *reqHeap
	reqnum   uint64

	tmu, tmud float64
}

// New creates a request queue that sends through sender. The initial
// bucket capacity is 300 seconds' worth of 50000 capacity units per
// second -- effectively unlimited burst until the first throttling
// response is seen -- matching dynamodb_request_queue_init exactly.
func New(sender Sender) *Queue {
	h := reqHeap{}
	heap.Init(&h)
	q := &Queue{
		sender:      sender,
		cmds:        make(chan func()),
		closed:      make(chan struct{}),
		muCapPerReq: 1.0,
		bucketCap:   300.0 * 50000.0,
		tmu:         1.0,
		tmud:        0.25,
		reqs:        &h,
	}
	q.applyCapacity(0)

	q.wg.Add(1)
	go q.run()
	return q
}

// SetLog routes a line per attempted request to f (see
// dynamodb_request_queue_log). Pass nil to stop logging.
func (q *Queue) SetLog(f *auditlog.File) {
	q.post(func() { q.logfile = f })
}

// SetCapacity updates the modelled provisioned capacity in units per
// second; 0 means unlimited (rely entirely on throttling responses to
// discover the limit).
func (q *Queue) SetCapacity(capacity int) {
	q.post(func() {
		q.applyCapacity(capacity)
		q.runqueue()
	})
}

func (q *Queue) applyCapacity(capacity int) {
	if capacity > 0 {
		q.sPerCap = 1.0 / float64(capacity)
	} else {
		q.sPerCap = 0.0
	}
	if capacity > 0 && capacity < 100 {
		q.maxBurstCap = float64(capacity) * 5.0
	} else {
		q.maxBurstCap = 500.0
	}
}

// Enqueue queues op for sending with priority prio (lower values are
// served first, ties broken by arrival order), waits for a final
// response (retrying HTTP 5xx and throttling responses automatically),
// and returns it. logstr, if non-empty, is included in the request
// log. Canceling ctx removes the request from the queue (or aborts its
// in-flight attempt) and returns ctx.Err().
func (q *Queue) Enqueue(ctx context.Context, prio int, op string, body []byte, maxrlen int, logstr string) (*awshttp.Response, error) {
	r := &request{
		op:       op,
		body:     body,
		maxrlen:  maxrlen,
		logstr:   logstr,
		prio:     prio,
		resultCh: make(chan result, 1),
	}

	q.post(func() {
		r.reqnum = q.reqnum
		q.reqnum++
		heap.Push(q.reqs, r)
		q.runqueue()
	})

	select {
	case res := <-r.resultCh:
		return res.resp, res.err
	case <-ctx.Done():
		q.post(func() { q.cancelRequest(r) })
		return nil, ctx.Err()
	case <-q.closed:
		return nil, ddbqerr.ErrQueueClosed
	}
}

// Flush drops every queued or in-flight request without invoking any
// caller (they each receive ddbqerr.ErrQueueClosed), mirroring
// dynamodb_request_queue_flush.
func (q *Queue) Flush() {
	done := make(chan struct{})
	q.post(func() {
		q.doFlush()
		close(done)
	})
	select {
	case <-done:
	case <-q.closed:
	}
}

// Stats is a point-in-time snapshot of queue occupancy, for metrics
// reporting.
type Stats struct {
	Depth    int
	InFlight int
	// Capacity is the modeled provisioned capacity in units per
	// second, or 0 when running in unlimited/on-demand mode.
	Capacity float64
}

// Stats reports the current queue depth, in-flight count, and modeled
// capacity.
func (q *Queue) Stats() Stats {
	done := make(chan Stats, 1)
	q.post(func() {
		s := Stats{Depth: q.reqs.Len(), InFlight: q.inflight}
		if q.sPerCap > 0 {
			s.Capacity = 1.0 / q.sPerCap
		}
		done <- s
	})
	select {
	case s := <-done:
		return s
	case <-q.closed:
		return Stats{}
	}
}

// Close flushes the queue, stops the refill timer, and shuts down the
// actor goroutine.
func (q *Queue) Close() {
	done := make(chan struct{})
	select {
	case q.cmds <- func() {
		q.doFlush()
		if q.timer != nil {
			q.timer.Stop()
		}
		close(done)
	}:
		<-done
	case <-q.closed:
	}
	close(q.closed)
	q.wg.Wait()
}

func (q *Queue) run() {
	defer q.wg.Done()
	for {
		select {
		case cmd := <-q.cmds:
			cmd()
		case <-q.closed:
			return
		}
	}
}

// post hands fn to the actor goroutine, silently dropping it if the
// queue has already been closed.
func (q *Queue) post(fn func()) {
	select {
	case q.cmds <- fn:
	case <-q.closed:
	}
}

func (q *Queue) doFlush() {
	for q.reqs.Len() > 0 {
		r := heap.Pop(q.reqs).(*request)
		r.cancelled = true
		if r.cancel != nil {
			r.cancel()
		}
		select {
		case r.resultCh <- result{err: ddbqerr.ErrQueueClosed}:
		default:
		}
	}
}

func (q *Queue) cancelRequest(r *request) {
	if r.cancelled {
		return
	}
	r.cancelled = true
	if r.index >= 0 && r.index < q.reqs.Len() && (*q.reqs)[r.index] == r {
		heap.Remove(q.reqs, r.index)
	}
	if r.cancel != nil {
		r.cancel()
	}
	q.runqueue()
}

// runqueue sends as many idle, highest-priority requests as the
// modelled capacity allows, then (re)arms the refill timer if the
// bucket is running low -- the direct translation of runqueue().
func (q *Queue) runqueue() {
	for float64(q.inflight)*q.muCapPerReq < q.maxBurstCap &&
		float64(q.inflight)*q.muCapPerReq < q.bucketCap {
		if q.reqs.Len() == 0 {
			break
		}
		r := (*q.reqs)[0]
		if r.active {
			break
		}
		q.sendreq(r)
	}

	if !q.timerArmed && q.bucketCap*q.sPerCap < 300.0 {
		q.armRefillTimer()
	}
}

// refillFloor bounds the refill timer's period when capacity is
// unlimited (sPerCap == 0, where the literal translation of the
// original's formula would re-arm a zero-delay timer and spin). The
// bucket starts at 15 million units and drains when a response reports
// consumed capacity; a throttling response empties it outright, after
// which each further send waits for this timer's one-unit top-up.
const refillFloor = 60.0

func (q *Queue) armRefillTimer() {
	interval := q.sPerCap
	if interval <= 0 {
		interval = refillFloor
	}
	q.timerArmed = true
	q.timer = time.AfterFunc(time.Duration(interval*float64(time.Second)), func() {
		q.post(func() {
			q.timerArmed = false
			q.bucketCap += 1.0
			q.runqueue()
		})
	})
}

// sendreq arms this attempt's deadline, fires it off on its own
// goroutine, and reprioritizes the request into the active set, behind
// every idle request -- the translation of sendreq()'s timeout computation, and of
// ptrheap_increase once http_cookie is assigned.
func (q *Queue) sendreq(r *request) {
	var timeo float64
	if r.ntries < 20 {
		timeo = (q.tmu*1.5 + q.tmud*4) * math.Pow(2, float64(r.ntries))
		if timeo > 15.0 {
			timeo = 15.0
		}
	} else {
		timeo = 15.0
	}
	r.ntries++

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeo*float64(time.Second)))
	r.ctx = ctx
	r.cancel = cancel
	r.start = time.Now()
	r.active = true
	heap.Fix(q.reqs, r.index)

	q.inflight++
	go q.runSend(ctx, r)
}

// runSend performs one attempt off the actor goroutine and reports
// back through post, matching dynamodb_request's async callback.
func (q *Queue) runSend(ctx context.Context, r *request) {
	resp, err := q.sender.Send(ctx, r.op, r.body, r.maxrlen)
	elapsed := time.Since(r.start)
	q.post(func() { q.onResponse(r, resp, err, elapsed) })
}

// onResponse is the merged translation of callback_reqdone: it always
// frees the in-flight slot and folds in any reported capacity usage,
// then either hands a final answer back to the caller or, for a
// retryable outcome, leaves the request's backoff to run out before
// making it eligible again (scheduleRetry), exactly as callback_timeout
// does when it fires after callback_reqdone decided not to dequeue.
func (q *Queue) onResponse(r *request, resp *awshttp.Response, err error, elapsed time.Duration) {
	q.inflight--
	// r.cancel deliberately stays set here (rather than being cleared
	// now that the round trip is over): for a retryable outcome it
	// still guards the backoff wait scheduleRetry is about to start,
	// so Flush/ctx-cancellation during that wait can cut it short.

	var capacity float64
	if resp != nil && len(resp.Body) > 0 {
		if c, ok := ddbjson.ExtractCapacity(resp.Body); ok {
			capacity = c
			if c != 0 {
				q.muCapPerReq += (c - q.muCapPerReq) * 0.01
				q.bucketCap -= c
				if q.bucketCap < 0 {
					q.bucketCap = 0
				}
			}
		}
	}

	if q.logfile != nil {
		status, bodylen := 0, 0
		if resp != nil {
			status, bodylen = resp.Status, len(resp.Body)
		}
		q.logfile.Printf("|%s|%s|%d|%d|%d|%f", r.op, r.logstr, status, elapsed.Microseconds(), bodylen, capacity)
	}

	if r.cancelled {
		if r.cancel != nil {
			r.cancel()
			r.cancel = nil
		}
		q.runqueue()
		return
	}

	switch {
	case resp != nil && resp.Status == 400 && ddbjson.IsThrottle(resp.Body):
		q.bucketCap = 0.0
		q.scheduleRetry(r)
	case errors.Is(err, ddbqerr.ErrResponseTooLarge):
		heap.Remove(q.reqs, r.index)
		if r.cancel != nil {
			r.cancel()
			r.cancel = nil
		}
		select {
		case r.resultCh <- result{err: err}:
		default:
		}
	case resp != nil && resp.Status < 500:
		heap.Remove(q.reqs, r.index)
		if r.cancel != nil {
			r.cancel()
			r.cancel = nil
		}
		treq := elapsed.Seconds()
		q.tmu += (treq - q.tmu) * 0.125
		if treq > q.tmu {
			q.tmud += ((treq - q.tmu) - q.tmud) * 0.25
		} else {
			q.tmud += ((q.tmu - treq) - q.tmud) * 0.25
		}
		select {
		case r.resultCh <- result{resp: resp}:
		default:
		}
	default:
		// 5xx, or the round trip itself failed (including a genuine
		// timeout, which surfaces here as ctx.Err()).
		q.scheduleRetry(r)
	}

	q.runqueue()
}

// scheduleRetry waits out whatever remains of the attempt's deadline
// before flipping the request back to idle, so a response that
// arrives early still isn't retried before the backoff it was given
// has elapsed -- callback_timeout's role when it fires after the
// response already did.
func (q *Queue) scheduleRetry(r *request) {
	ctx := r.ctx
	go func() {
		<-ctx.Done()
		q.post(func() {
			if r.cancel != nil {
				r.cancel()
				r.cancel = nil
			}
			if r.cancelled {
				return
			}
			r.active = false
			heap.Fix(q.reqs, r.index)
			q.runqueue()
		})
	}()
}
