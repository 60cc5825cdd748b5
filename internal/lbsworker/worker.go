// Package lbsworker implements the fixed worker pool behind the lbs
// storage layer (spec §4.4): nreaders reader workers, one writer, one
// deleter. The original design pairs a mutex/condvar "workctl" per
// worker with a wake-up socket the worker writes its index into so a
// single-threaded event loop can multiplex completions via select().
// Go's runtime already multiplexes goroutines, so each worker gets its
// own inbox channel in place of the condvar, and every worker shares
// one completion channel in place of the wake-up socket — exactly the
// substitution the spec's design notes sanction for the worker-wakeup
// trick (spec §9).
package lbsworker

import (
	"fmt"

	"github.com/Tarsnap/kivaloo-sub001/internal/lbsstorage"
)

// Kind identifies the operation a WorkItem carries.
type Kind int

const (
	Read Kind = iota
	Write
	Delete
)

// WorkItem is the unit of work handed to a single worker.
type WorkItem struct {
	Kind  Kind
	ReqID uint64
	Blkno uint64
	Nblks uint64
	Buf   []byte // APPEND payload; owned by the worker until Result is sent
}

// Result is a completed WorkItem, reported on Pool.Results.
type Result struct {
	WorkerIndex int
	Item        WorkItem

	// Read results.
	Hit  bool
	Data []byte

	// Write results.
	NewNextblk uint64

	// Err is non-nil only for a genuine storage I/O failure; spec §7
	// treats these as fatal to the whole daemon.
	Err error
}

// Pool is the fixed nreaders+2 worker pool bound to one Storage.
type Pool struct {
	storage *lbsstorage.Storage

	NReaders  int
	readerIn  []chan WorkItem
	writerIn  chan WorkItem
	deleterIn chan WorkItem

	Results chan Result
}

// New starts nreaders reader goroutines plus one writer and one
// deleter goroutine, all bound to storage.
func New(storage *lbsstorage.Storage, nreaders int) *Pool {
	p := &Pool{
		storage:   storage,
		NReaders:  nreaders,
		readerIn:  make([]chan WorkItem, nreaders),
		writerIn:  make(chan WorkItem, 1),
		deleterIn: make(chan WorkItem, 1),
		Results:   make(chan Result, nreaders+2),
	}
	for i := 0; i < nreaders; i++ {
		p.readerIn[i] = make(chan WorkItem, 1)
		go p.runReader(i)
	}
	go p.runWriter()
	go p.runDeleter()
	return p
}

// WriterIndex and DeleterIndex mirror the original's worker index
// numbering: readers occupy [0, nreaders), the writer is nreaders, the
// deleter is nreaders+1.
func (p *Pool) WriterIndex() int  { return p.NReaders }
func (p *Pool) DeleterIndex() int { return p.NReaders + 1 }

// NextBlock and BlockLen expose the backing storage's parameters so a
// dispatcher can answer PARAMS/APPEND requests without holding its own
// reference to the Storage.
func (p *Pool) NextBlock() uint64 { return p.storage.NextBlock() }
func (p *Pool) BlockLen() int     { return p.storage.BlockLen() }

// AssignRead hands item to the reader at idx. The caller (the
// dispatcher) is responsible for only assigning to readers it knows
// are idle.
func (p *Pool) AssignRead(idx int, item WorkItem) {
	p.readerIn[idx] <- item
}

// AssignWrite hands item to the writer. The caller must guarantee only
// one APPEND is in flight at a time (the dispatcher's writer_busy
// gate).
func (p *Pool) AssignWrite(item WorkItem) {
	p.writerIn <- item
}

// AssignDelete hands item to the deleter. The caller must guarantee
// only one FREE is in flight at a time (the dispatcher's deleter_busy
// gate).
func (p *Pool) AssignDelete(item WorkItem) {
	p.deleterIn <- item
}

func (p *Pool) runReader(idx int) {
	for item := range p.readerIn[idx] {
		buf := make([]byte, p.storage.BlockLen())
		hit, err := p.storage.Read(item.Blkno, buf)
		res := Result{WorkerIndex: idx, Item: item}
		if err != nil {
			res.Err = fmt.Errorf("lbsworker: reader %d: %w", idx, err)
		} else if hit {
			res.Hit = true
			res.Data = buf
		}
		p.Results <- res
	}
}

func (p *Pool) runWriter() {
	for item := range p.writerIn {
		err := p.storage.Write(item.Blkno, item.Nblks, item.Buf)
		res := Result{WorkerIndex: p.WriterIndex(), Item: item}
		if err != nil {
			res.Err = fmt.Errorf("lbsworker: writer: %w", err)
		} else {
			res.NewNextblk = p.storage.NextBlock()
		}
		p.Results <- res
	}
}

func (p *Pool) runDeleter() {
	for item := range p.deleterIn {
		err := p.storage.Delete(item.Blkno)
		res := Result{WorkerIndex: p.DeleterIndex(), Item: item}
		if err != nil {
			res.Err = fmt.Errorf("lbsworker: deleter: %w", err)
		}
		p.Results <- res
	}
}
