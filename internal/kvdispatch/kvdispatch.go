// Package kvdispatch implements the per-connection DDBQ-KV protocol
// state machine (spec §4.7), grounded on dynamodb-kv/dispatch.c and
// dynamodb_kv.c's request-body builders. The daemon serves one client
// connection at a time, translating each framed binary request into a
// DynamoDB JSON body, routing it onto the write or read
// ddbqueue.Queue, and turning the response back into the client's
// wire format.
package kvdispatch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/Tarsnap/kivaloo-sub001/internal/ddbjson"
	"github.com/Tarsnap/kivaloo-sub001/internal/ddbqerr"
	"github.com/Tarsnap/kivaloo-sub001/internal/ddbqueue"
	"github.com/Tarsnap/kivaloo-sub001/internal/proto/ddbkvproto"
	"github.com/Tarsnap/kivaloo-sub001/internal/wire"
)

// Priorities within each queue (spec §4.7): DELETE is lower priority
// than everything else sharing the write queue, so a backlog of
// deletes never delays a PUT.
const (
	prioNormal = 0
	prioDelete = 1
)

const (
	maxrlenWrite = 1024
	maxrlenRead  = 1048576
)

// Dispatcher drives one client connection against the daemon's shared
// write and read queues.
type Dispatcher struct {
	conn       *wire.Conn
	writeQueue *ddbqueue.Queue
	readQueue  *ddbqueue.Queue
	table      string

	npending int
}

// New creates a Dispatcher for one freshly accepted connection.
// writeQueue carries PutItem/DeleteItem, readQueue carries GetItem;
// table is the DynamoDB table name embedded in every request body.
func New(conn *wire.Conn, writeQueue, readQueue *ddbqueue.Queue, table string) *Dispatcher {
	return &Dispatcher{conn: conn, writeQueue: writeQueue, readQueue: readQueue, table: table}
}

type packetMsg struct {
	pkt wire.Packet
	err error
}

type responseMsg struct {
	id      uint64
	payload []byte
}

// Run services the connection until the peer disconnects or a
// protocol violation forces it closed, then waits for every request
// already dispatched to settle. On disconnect both the write and read
// queues are flushed (spec §4.7: "flush both queues and cancel
// outstanding cookies") since this daemon serves one connection at a
// time and nothing else can be relying on in-flight work surviving.
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	results := make(chan responseMsg)
	accepting := true
	var runErr error

	drop := func(err error) {
		accepting = false
		cancel()
		d.writeQueue.Flush()
		d.readQueue.Flush()
		if runErr == nil {
			runErr = err
		}
	}

	for accepting || d.npending > 0 {
		select {
		case pm := <-packets:
			if !accepting {
				continue
			}
			if pm.err != nil {
				if !errors.Is(pm.err, io.EOF) {
					drop(fmt.Errorf("%w: %v", ddbqerr.ErrConnDropped, pm.err))
				} else {
					drop(nil)
				}
				continue
			}
			if err := d.dispatch(ctx, pm.pkt, results, quit); err != nil {
				drop(err)
			}

		case rm := <-results:
			d.npending--
			if accepting {
				if werr := d.conn.WritePacket(rm.id, rm.payload); werr != nil {
					drop(fmt.Errorf("%w: %v", ddbqerr.ErrConnDropped, werr))
				}
			}
		}
	}
	return runErr
}

// dispatch decodes one request and launches it on the appropriate
// queue; the goroutine reports its result on results once the queue
// settles it (success, or ddbqerr.ErrQueueClosed from a flush).
func (d *Dispatcher) dispatch(ctx context.Context, pkt wire.Packet, results chan<- responseMsg, quit <-chan struct{}) error {
	req, err := ddbkvproto.DecodeRequest(pkt.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ddbqerr.ErrProtocolViolation, err)
	}

	d.npending++

	switch req.Op {
	case ddbkvproto.OpPut:
		body := putItemBody(d.table, req.Key, req.Value)
		go d.run(ctx, pkt.ID, d.writeQueue, prioNormal, "PutItem", body, maxrlenWrite, results, quit,
			func(resp queueResult) []byte { return ddbkvproto.EncodePutResponse(resp.ok200()) })

	case ddbkvproto.OpDelete:
		body := keyOnlyBody(d.table, req.Key, false)
		go d.run(ctx, pkt.ID, d.writeQueue, prioDelete, "DeleteItem", body, maxrlenWrite, results, quit,
			func(resp queueResult) []byte { return ddbkvproto.EncodeDeleteResponse(resp.ok200()) })

	case ddbkvproto.OpGet:
		body := keyOnlyBody(d.table, req.Key, false)
		go d.run(ctx, pkt.ID, d.readQueue, prioNormal, "GetItem", body, maxrlenRead, results, quit,
			func(resp queueResult) []byte { return encodeGetResult(resp) })

	case ddbkvproto.OpGetC:
		body := keyOnlyBody(d.table, req.Key, true)
		go d.run(ctx, pkt.ID, d.readQueue, prioNormal, "GetItem", body, maxrlenRead, results, quit,
			func(resp queueResult) []byte { return encodeGetResult(resp) })

	default:
		d.npending--
		return fmt.Errorf("%w: unhandled op %d", ddbqerr.ErrProtocolViolation, req.Op)
	}

	return nil
}

// queueResult is the outcome of one ddbqueue.Enqueue call, reduced to
// what the response encoders need.
type queueResult struct {
	status int
	body   []byte
}

func (r queueResult) ok200() bool { return r.status == 200 }

func (d *Dispatcher) run(ctx context.Context, id uint64, q *ddbqueue.Queue, prio int, op string, body []byte, maxrlen int,
	results chan<- responseMsg, quit <-chan struct{}, encode func(queueResult) []byte) {

	resp, err := q.Enqueue(ctx, prio, op, body, maxrlen, "")

	var qr queueResult
	if err != nil {
		// Round trip never produced a usable response (canceled,
		// flushed, or oversized): the same "non-200" bucket the
		// original falls into when dynamodb_request itself fails.
		qr = queueResult{status: 0}
	} else {
		qr = queueResult{status: resp.Status, body: resp.Body}
	}

	select {
	case results <- responseMsg{id: id, payload: encode(qr)}:
	case <-quit:
	}
}

func encodeGetResult(r queueResult) []byte {
	if r.status != 200 {
		return ddbkvproto.EncodeGetResponse(false, nil)
	}
	value, found := ddbjson.ItemValue(r.body)
	if !found {
		return ddbkvproto.EncodeGetResponse(true, nil)
	}
	return ddbkvproto.EncodeGetResponse(true, value)
}

type attrS struct {
	S string `json:"S"`
}

type attrB struct {
	B string `json:"B"`
}

type putItemRequest struct {
	TableName string `json:"TableName"`
	Item      struct {
		K attrS `json:"K"`
		V attrB `json:"V"`
	} `json:"Item"`
	ReturnConsumedCapacity string `json:"ReturnConsumedCapacity"`
}

// putItemBody builds a PutItem body: {TableName, Item:{K:{S}, V:{B:base64}},
// ReturnConsumedCapacity:TOTAL} (spec §4.7).
func putItemBody(table string, key, value []byte) []byte {
	var b putItemRequest
	b.TableName = table
	b.Item.K.S = string(key)
	b.Item.V.B = base64.StdEncoding.EncodeToString(value)
	b.ReturnConsumedCapacity = "TOTAL"
	data, _ := json.Marshal(b)
	return data
}

type keyItemRequest struct {
	TableName string `json:"TableName"`
	Key       struct {
		K attrS `json:"K"`
	} `json:"Key"`
	ReturnConsumedCapacity string `json:"ReturnConsumedCapacity"`
	ConsistentRead         *bool  `json:"ConsistentRead,omitempty"`
}

// keyOnlyBody builds a GetItem/DeleteItem body: {TableName, Key:{K:{S}},
// ReturnConsumedCapacity:TOTAL}, adding ConsistentRead:true for GETC.
func keyOnlyBody(table string, key []byte, consistent bool) []byte {
	var b keyItemRequest
	b.TableName = table
	b.Key.K.S = string(key)
	b.ReturnConsumedCapacity = "TOTAL"
	if consistent {
		t := true
		b.ConsistentRead = &t
	}
	data, _ := json.Marshal(b)
	return data
}
