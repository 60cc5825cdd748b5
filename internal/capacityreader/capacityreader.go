// Package capacityreader polls a DynamoDB table's DescribeTable
// response to keep the ddbq daemon's read and write queues tuned to
// the table's actual provisioned throughput (spec §4.10, C10),
// grounded on dynamodb-kv/capacity.c. DescribeTable traffic bypasses
// both ddbqueue.Queue instances entirely -- it is infrastructure
// polling, not user KV traffic, and the original issues it as a
// direct, unthrottled dynamodb_request for the same reason.
package capacityreader

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Tarsnap/kivaloo-sub001/internal/awshttp"
	"github.com/Tarsnap/kivaloo-sub001/internal/ddbjson"
	"github.com/Tarsnap/kivaloo-sub001/internal/middleware"
)

// pollInterval is used once a DescribeTable call has ever succeeded;
// retryInterval is used until then, matching capacity_init's
// events_spin-until-first-success followed by callback_readmetadata's
// steady-state 15-second cadence.
const (
	pollInterval  = 15 * time.Second
	retryInterval = 1 * time.Second

	// maxrlen caps the DescribeTable response body, mirroring
	// readmetadata's 4096-byte limit.
	maxrlen = 4096
)

// Sender issues one signed DynamoDB request and returns its response.
// *awshttp.Client satisfies this; it is the same shape ddbqueue.Sender
// uses, but capacityreader talks to it directly rather than through a
// Queue.
type Sender interface {
	Send(ctx context.Context, op string, body []byte, maxrlen int) (*awshttp.Response, error)
}

// CapacitySetter is the half of ddbqueue.Queue the capacity reader
// drives. Accepting an interface instead of *ddbqueue.Queue directly
// keeps this package's tests free of ddbqueue's actor goroutine.
type CapacitySetter interface {
	SetCapacity(capacity int)
}

// Reader polls DescribeTable for one table and pushes the resulting
// capacity onto a write and a read CapacitySetter.
type Reader struct {
	sender  Sender
	table   string
	write   CapacitySetter
	read    CapacitySetter
	breaker *middleware.CallBreaker

	cancel context.CancelFunc
	done   chan struct{}
}

type describeTableRequest struct {
	TableName string `json:"TableName"`
}

// New starts polling table's DescribeTable and blocks until the first
// call succeeds (or ctx is canceled), matching capacity_init's
// blocking startup behavior: the daemon isn't considered ready until
// the table's real capacity is known. write and read have SetCapacity
// called on them every time a poll succeeds.
func New(ctx context.Context, sender Sender, table string, write, read CapacitySetter) (*Reader, error) {
	runCtx, cancel := context.WithCancel(context.Background())
	r := &Reader{
		sender: sender,
		table:  table,
		write:  write,
		read:   read,
		breaker: middleware.NewCallBreaker(middleware.CircuitBreakerConfig{
			Name:             "ddbq-describetable-" + table,
			MaxRequests:      1,
			Interval:         30 * time.Second,
			Timeout:          30 * time.Second,
			FailureThreshold: 0.6,
			MinRequests:      3,
		}),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	first := make(chan error, 1)
	go r.run(runCtx, first)

	select {
	case err := <-first:
		if err != nil {
			cancel()
			<-r.done
			return nil, err
		}
		return r, nil
	case <-ctx.Done():
		cancel()
		<-r.done
		return nil, ctx.Err()
	}
}

// run polls until runCtx is canceled. Every poll that fails before the
// first success is retried at retryInterval, exactly like
// capacity_init's events_spin(&M->done): nothing is reported on first
// until a call actually succeeds. Once that first success has been
// reported, every later poll, failed or not, follows pollInterval (a
// failed poll keeps whatever capacity was last known, mirroring
// callback_readmetadata leaving Q->bucket_cap alone when a later poll
// fails to parse).
func (r *Reader) run(runCtx context.Context, first chan<- error) {
	defer close(r.done)

	reported := false
	for {
		err := r.poll(runCtx)
		if err == nil && !reported {
			first <- nil
			reported = true
		}
		interval := retryInterval
		if reported {
			interval = pollInterval
		}

		t := time.NewTimer(interval)
		select {
		case <-runCtx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// poll issues one DescribeTable call through the circuit breaker and,
// on success, applies whatever capacity it reports.
func (r *Reader) poll(ctx context.Context) error {
	body, _ := json.Marshal(describeTableRequest{TableName: r.table})

	var resp *awshttp.Response
	err := r.breaker.Execute(func() error {
		var sendErr error
		resp, sendErr = r.sender.Send(ctx, "DescribeTable", body, maxrlen)
		if sendErr != nil {
			return sendErr
		}
		if resp.Status != 200 {
			return fmt.Errorf("capacityreader: DescribeTable returned status %d", resp.Status)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if mode, ok := ddbjson.BillingMode(resp.Body); ok {
		if mode == "PAY_PER_REQUEST" {
			r.write.SetCapacity(0)
			r.read.SetCapacity(0)
			return nil
		}
	}

	readCap, writeCap, ok := ddbjson.ProvisionedThroughput(resp.Body)
	if !ok {
		return fmt.Errorf("capacityreader: DescribeTable response missing billing mode and provisioned throughput")
	}
	r.write.SetCapacity(int(writeCap))
	r.read.SetCapacity(int(readCap))
	return nil
}

// Close stops the polling goroutine and waits for it to exit.
func (r *Reader) Close() {
	r.cancel()
	<-r.done
}
