package ddbqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tarsnap/kivaloo-sub001/internal/awshttp"
	"github.com/Tarsnap/kivaloo-sub001/internal/ddbqerr"
)

// fakeSender lets tests script canned responses per call, recording
// call order so priority and retry behavior can be asserted.
type fakeSender struct {
	mu    sync.Mutex
	calls []string

	handle func(call int, op string, body []byte) (*awshttp.Response, error)
	n      int32
}

func (s *fakeSender) Send(ctx context.Context, op string, body []byte, maxrlen int) (*awshttp.Response, error) {
	n := int(atomic.AddInt32(&s.n, 1)) - 1
	s.mu.Lock()
	s.calls = append(s.calls, op)
	s.mu.Unlock()
	if s.handle != nil {
		return s.handle(n, op, body)
	}
	return &awshttp.Response{Status: 200, Body: []byte(`{}`)}, nil
}

func ok() (*awshttp.Response, error) {
	return &awshttp.Response{Status: 200, Body: []byte(`{}`)}, nil
}

func TestEnqueueReturnsSuccessfulResponse(t *testing.T) {
	q := New(&fakeSender{handle: func(int, string, []byte) (*awshttp.Response, error) { return ok() }})
	defer q.Close()

	resp, err := q.Enqueue(context.Background(), 0, "PutItem", []byte("{}"), 1024, "")
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
}

func TestEnqueueRetriesOn5xxThenSucceeds(t *testing.T) {
	var attempts int32
	sender := &fakeSender{handle: func(n int, _ string, _ []byte) (*awshttp.Response, error) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			return &awshttp.Response{Status: 500, Body: []byte(`{}`)}, nil
		}
		return ok()
	}}
	q := New(sender)
	defer q.Close()

	resp, err := q.Enqueue(context.Background(), 0, "PutItem", []byte("{}"), 1024, "")
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&attempts), int32(2))
}

func TestEnqueuePassesThrough4xxImmediately(t *testing.T) {
	sender := &fakeSender{handle: func(int, string, []byte) (*awshttp.Response, error) {
		return &awshttp.Response{Status: 404, Body: []byte(`{}`)}, nil
	}}
	q := New(sender)
	defer q.Close()

	resp, err := q.Enqueue(context.Background(), 0, "GetItem", []byte("{}"), 1024, "")
	require.NoError(t, err)
	assert.Equal(t, 404, resp.Status)
	assert.Len(t, sender.calls, 1)
}

func TestThrottleResponseIsRetriedAndZeroesBucket(t *testing.T) {
	var attempts int32
	sender := &fakeSender{handle: func(n int, _ string, _ []byte) (*awshttp.Response, error) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			return &awshttp.Response{
				Status: 400,
				Body:   []byte(`{"__type":"com.amazonaws.dynamodb.v20120810#ProvisionedThroughputExceededException"}`),
			}, nil
		}
		return ok()
	}}
	q := New(sender)
	defer q.Close()

	resp, err := q.Enqueue(context.Background(), 0, "PutItem", []byte("{}"), 1024, "")
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&attempts), int32(2))

	bucket := make(chan float64, 1)
	q.post(func() { bucket <- q.bucketCap })
	assert.Less(t, <-bucket, 300.0*50000.0)
}

func TestSendErrorIsRetried(t *testing.T) {
	var attempts int32
	sender := &fakeSender{handle: func(n int, _ string, _ []byte) (*awshttp.Response, error) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			return nil, errors.New("connection reset")
		}
		return ok()
	}}
	q := New(sender)
	defer q.Close()

	resp, err := q.Enqueue(context.Background(), 0, "PutItem", []byte("{}"), 1024, "")
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
}

// TestCapacityUpdateAppliesOnEveryResponse checks that ConsumedCapacity
// is folded into the bucket regardless of whether the request
// ultimately succeeds or is retried, matching callback_reqdone's
// unconditional extraction.
func TestCapacityUpdateAppliesOnEveryResponse(t *testing.T) {
	sender := &fakeSender{handle: func(int, string, []byte) (*awshttp.Response, error) {
		return &awshttp.Response{
			Status: 500,
			Body:   []byte(`{"ConsumedCapacity":{"CapacityUnits":3}}`),
		}, nil
	}}
	q := New(sender)
	defer q.Close()

	done := make(chan struct{})
	go func() {
		_, _ = q.Enqueue(context.Background(), 0, "PutItem", []byte("{}"), 1024, "")
		close(done)
	}()

	require.Eventually(t, func() bool {
		var v float64
		q.post(func() { v = q.bucketCap })
		time.Sleep(time.Millisecond)
		return v < 300.0*50000.0
	}, time.Second, time.Millisecond)

	q.Flush()
	<-done
}

func TestEnqueueCancelViaContext(t *testing.T) {
	block := make(chan struct{})
	sender := &fakeSender{handle: func(int, string, []byte) (*awshttp.Response, error) {
		<-block
		return ok()
	}}
	q := New(sender)
	defer func() {
		close(block)
		q.Close()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := q.Enqueue(ctx, 0, "PutItem", []byte("{}"), 1024, "")
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Enqueue did not return after context cancellation")
	}
}

func TestFlushDeliversQueueClosedToWaiters(t *testing.T) {
	block := make(chan struct{})
	sender := &fakeSender{handle: func(int, string, []byte) (*awshttp.Response, error) {
		<-block
		return ok()
	}}
	q := New(sender)
	defer func() {
		close(block)
		q.Close()
	}()

	done := make(chan error, 1)
	go func() {
		_, err := q.Enqueue(context.Background(), 0, "PutItem", []byte("{}"), 1024, "")
		done <- err
	}()

	// Give the request a moment to be queued before flushing it away.
	time.Sleep(10 * time.Millisecond)
	q.Flush()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ddbqerr.ErrQueueClosed)
	case <-time.After(time.Second):
		t.Fatal("Enqueue did not return after Flush")
	}
}
