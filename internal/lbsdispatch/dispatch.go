// Package lbsdispatch implements the per-connection LBS protocol state
// machine (spec §4.5). The daemon serves one connection at a time, so
// a single Dispatcher owns the worker pool's idle-reader bookkeeping
// and the writer/deleter busy flags for the connection's lifetime: it
// decodes framed requests, routes GET/APPEND/FREE work onto the shared
// lbsworker.Pool, and writes responses back as that work completes.
package lbsdispatch

import (
	"errors"
	"fmt"
	"io"

	"github.com/Tarsnap/kivaloo-sub001/internal/lbserr"
	"github.com/Tarsnap/kivaloo-sub001/internal/lbsworker"
	"github.com/Tarsnap/kivaloo-sub001/internal/proto/lbsproto"
	"github.com/Tarsnap/kivaloo-sub001/internal/wire"
)

type pendingRead struct {
	reqID uint64
	blkno uint64
}

// Dispatcher drives one client connection against a shared
// lbsworker.Pool. Only one connection is ever active at a time (the
// daemon accepts, runs a Dispatcher to completion, then accepts the
// next), so it is safe for a Dispatcher to assume it has exclusive use
// of the pool's per-role busy state for its lifetime.
type Dispatcher struct {
	conn     *wire.Conn
	pool     *lbsworker.Pool
	blocklen int

	readersIdle []int // stack of idle reader indices into the pool
	writerBusy  bool
	deleterBusy bool

	readQueue []pendingRead // FIFO of GETs waiting for a free reader
	npending  int           // responses this connection is still owed
}

// New creates a Dispatcher for one freshly accepted connection.
func New(conn *wire.Conn, pool *lbsworker.Pool, blocklen int) *Dispatcher {
	idle := make([]int, pool.NReaders)
	for i := range idle {
		idle[i] = i
	}
	return &Dispatcher{
		conn:        conn,
		pool:        pool,
		blocklen:    blocklen,
		readersIdle: idle,
	}
}

type packetMsg struct {
	pkt wire.Packet
	err error
}

// Run services the connection until the peer disconnects or a
// protocol violation forces it closed, then blocks until every piece
// of work this connection dispatched to the pool has completed. That
// guarantees the pool's readers, writer and deleter are all idle again
// before Run returns, so the caller can safely hand the pool to the
// next connection's Dispatcher. Run always closes the connection
// before returning.
//
// A returned error wrapping lbserr.ErrStorageFatal means a worker hit
// a storage I/O failure; the caller should treat the whole daemon as
// unrecoverable, since the on-disk invariant that only the final
// segment is ever partially written may no longer hold. Any other
// non-nil error just describes why this one connection was dropped.
func (d *Dispatcher) Run() error {
	packets := make(chan packetMsg)
	quit := make(chan struct{})
	defer d.conn.Close()
	defer close(quit)

	go func() {
		for {
			pkt, err := d.conn.ReadPacket()
			select {
			case packets <- packetMsg{pkt, err}:
			case <-quit:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	accepting := true
	var runErr error

	// FREE responses are sent as soon as the delete is queued (it's
	// advisory, spec §4.5), so unlike reads and appends a delete isn't
	// tracked by npending. Wait for deleterBusy to clear too, so the
	// pool is genuinely idle before the next connection's Dispatcher
	// starts reusing it.
	for accepting || d.npending > 0 || d.deleterBusy {
		select {
		case pm := <-packets:
			if !accepting {
				continue
			}
			if pm.err != nil {
				accepting = false
				d.dropQueuedReads()
				if !errors.Is(pm.err, io.EOF) {
					runErr = fmt.Errorf("%w: %v", lbserr.ErrConnDropped, pm.err)
				}
				continue
			}
			if err := d.handlePacket(pm.pkt); err != nil {
				accepting = false
				d.dropQueuedReads()
				runErr = err
				continue
			}

		case res := <-d.pool.Results:
			fatal, dropped, err := d.handleResult(res, accepting)
			if fatal {
				return err
			}
			if dropped && accepting {
				accepting = false
				d.dropQueuedReads()
				if runErr == nil {
					runErr = err
				}
			}
		}
	}
	return runErr
}

// dropQueuedReads discards GETs that were never handed to a reader.
// Reads already assigned to a worker are left running; their results
// still arrive on the pool's completion channel and still decrement
// npending, just without a response being written.
func (d *Dispatcher) dropQueuedReads() {
	d.npending -= len(d.readQueue)
	d.readQueue = nil
}

func (d *Dispatcher) handlePacket(pkt wire.Packet) error {
	req, err := lbsproto.DecodeRequest(pkt.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", lbserr.ErrProtocolViolation, err)
	}

	// We owe a response for every request we accept past this point.
	d.npending++

	switch req.Op {
	case lbsproto.OpParams:
		// PARAMS while an APPEND is outstanding can't report a stable
		// nextblk, so the client shouldn't have sent it. This request
		// will never be handed to the pool, so it can never otherwise
		// be cleared from npending: clear it now, or Run's drain loop
		// would wait forever for a completion that is never coming.
		if d.writerBusy {
			d.npending--
			return fmt.Errorf("%w: PARAMS sent while an APPEND is in flight", lbserr.ErrProtocolViolation)
		}
		d.npending--
		return d.conn.WritePacket(pkt.ID, lbsproto.EncodeParamsResponse(uint32(d.blocklen), d.pool.NextBlock()))

	case lbsproto.OpGet:
		d.readQueue = append(d.readQueue, pendingRead{reqID: pkt.ID, blkno: req.Blkno})
		d.pokeReadQueue()
		return nil

	case lbsproto.OpAppend:
		if int(req.Blklen) != d.blocklen {
			d.npending--
			return fmt.Errorf("%w: APPEND block length %d, expected %d", lbserr.ErrProtocolViolation, req.Blklen, d.blocklen)
		}
		return d.handleAppend(pkt.ID, req)

	case lbsproto.OpFree:
		d.handleFree(pkt.ID, req.Blkno)
		d.npending--
		return d.conn.WritePacket(pkt.ID, lbsproto.EncodeFreeResponse())

	default:
		d.npending--
		return fmt.Errorf("%w: unhandled op %d", lbserr.ErrProtocolViolation, req.Op)
	}
}

// pokeReadQueue launches queued GETs onto idle readers. It mirrors
// dispatch_request_pokereadq: readers are handed out from the top of
// the idle stack, reads are launched in FIFO arrival order.
func (d *Dispatcher) pokeReadQueue() {
	for len(d.readersIdle) > 0 && len(d.readQueue) > 0 {
		r := d.readQueue[0]
		d.readQueue = d.readQueue[1:]

		idx := d.readersIdle[len(d.readersIdle)-1]
		d.readersIdle = d.readersIdle[:len(d.readersIdle)-1]

		d.pool.AssignRead(idx, lbsworker.WorkItem{Kind: lbsworker.Read, ReqID: r.reqID, Blkno: r.blkno})
	}
}

// handleAppend accepts or rejects an APPEND. The original C dispatcher
// always assigned the write to the worker even after it had already
// sent a rejection response for a bad blkno or a busy writer, double
// handling the request. Accepting and rejecting are mutually
// exclusive here: a rejection never also hands work to the writer.
func (d *Dispatcher) handleAppend(id uint64, req lbsproto.Request) error {
	nextblk := d.pool.NextBlock()
	if req.Blkno != nextblk || d.writerBusy {
		d.npending--
		return d.conn.WritePacket(id, lbsproto.EncodeAppendRejected())
	}

	d.writerBusy = true
	d.pool.AssignWrite(lbsworker.WorkItem{
		Kind:  lbsworker.Write,
		ReqID: id,
		Blkno: req.Blkno,
		Nblks: uint64(req.Nblks),
		Buf:   req.Buf,
	})
	return nil
}

// handleFree pokes the deleter if it is idle and drops the request
// silently (deleter_busy) otherwise; FREE is advisory, so the response
// to the client is an immediate ack regardless (sent by the caller).
func (d *Dispatcher) handleFree(id uint64, blkno uint64) {
	if d.deleterBusy {
		return
	}
	d.deleterBusy = true
	d.pool.AssignDelete(lbsworker.WorkItem{Kind: lbsworker.Delete, ReqID: id, Blkno: blkno})
}

// handleResult applies one completed WorkItem. alive is false once the
// connection has already been dropped, in which case the response is
// never written but the pool bookkeeping (idle readers, busy flags,
// npending) is still updated so Run's drain loop can terminate.
//
// fatal reports a storage I/O failure the caller must treat as
// unrecoverable. dropped reports that writing the response failed,
// meaning the connection must now be treated as dropped.
func (d *Dispatcher) handleResult(res lbsworker.Result, alive bool) (fatal, dropped bool, err error) {
	switch res.Item.Kind {
	case lbsworker.Read:
		d.readersIdle = append(d.readersIdle, res.WorkerIndex)
		if res.Err != nil {
			return true, false, fmt.Errorf("%w: %v", lbserr.ErrStorageFatal, res.Err)
		}
		d.npending--
		if alive {
			var data []byte
			if res.Hit {
				data = res.Data
			}
			if werr := d.conn.WritePacket(res.Item.ReqID, lbsproto.EncodeGetResponse(data)); werr != nil {
				return false, true, fmt.Errorf("%w: %v", lbserr.ErrConnDropped, werr)
			}
			d.pokeReadQueue()
		}
		return false, false, nil

	case lbsworker.Write:
		d.writerBusy = false
		if res.Err != nil {
			return true, false, fmt.Errorf("%w: %v", lbserr.ErrStorageFatal, res.Err)
		}
		d.npending--
		if alive {
			if werr := d.conn.WritePacket(res.Item.ReqID, lbsproto.EncodeAppendAccepted(res.NewNextblk)); werr != nil {
				return false, true, fmt.Errorf("%w: %v", lbserr.ErrConnDropped, werr)
			}
		}
		return false, false, nil

	case lbsworker.Delete:
		d.deleterBusy = false
		if res.Err != nil {
			return true, false, fmt.Errorf("%w: %v", lbserr.ErrStorageFatal, res.Err)
		}
		// FREE already acked the client when it was queued; nothing
		// left to send.
		return false, false, nil

	default:
		return false, false, nil
	}
}
