package kvdispatch

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tarsnap/kivaloo-sub001/internal/awshttp"
	"github.com/Tarsnap/kivaloo-sub001/internal/ddbqueue"
	"github.com/Tarsnap/kivaloo-sub001/internal/proto/ddbkvproto"
	"github.com/Tarsnap/kivaloo-sub001/internal/wire"
)

// fakeTable is an in-memory stand-in for DynamoDB that speaks the same
// JSON shapes kvdispatch builds and expects, so the Dispatcher can be
// exercised end to end without a network dependency.
type fakeTable struct {
	items map[string][]byte
}

func newFakeTable() *fakeTable { return &fakeTable{items: map[string][]byte{}} }

func (f *fakeTable) Send(ctx context.Context, op string, body []byte, maxrlen int) (*awshttp.Response, error) {
	switch op {
	case "PutItem":
		var req putItemRequest
		_ = json.Unmarshal(body, &req)
		v, _ := base64.StdEncoding.DecodeString(req.Item.V.B)
		f.items[req.Item.K.S] = v
		return &awshttp.Response{Status: 200, Body: []byte(`{}`)}, nil
	case "DeleteItem":
		var req keyItemRequest
		_ = json.Unmarshal(body, &req)
		delete(f.items, req.Key.K.S)
		return &awshttp.Response{Status: 200, Body: []byte(`{}`)}, nil
	case "GetItem":
		var req keyItemRequest
		_ = json.Unmarshal(body, &req)
		v, ok := f.items[req.Key.K.S]
		if !ok {
			return &awshttp.Response{Status: 200, Body: []byte(`{}`)}, nil
		}
		resp := map[string]any{
			"Item": map[string]any{
				"V": map[string]string{"B": base64.StdEncoding.EncodeToString(v)},
			},
		}
		data, _ := json.Marshal(resp)
		return &awshttp.Response{Status: 200, Body: data}, nil
	}
	return &awshttp.Response{Status: 400}, nil
}

type harness struct {
	t      *testing.T
	client *wire.Conn
	table  *fakeTable
	wq, rq *ddbqueue.Queue
	runErr chan error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	table := newFakeTable()
	wq := ddbqueue.New(table)
	rq := ddbqueue.New(table)

	serverNC, clientNC := net.Pipe()
	d := New(wire.NewConn(serverNC), wq, rq, "test-table")

	h := &harness{t: t, client: wire.NewConn(clientNC), table: table, wq: wq, rq: rq, runErr: make(chan error, 1)}
	go func() { h.runErr <- d.Run() }()
	t.Cleanup(func() {
		wq.Close()
		rq.Close()
	})
	return h
}

func (h *harness) close() { h.client.Close() }

func putPayload(key, value []byte) []byte {
	payload := make([]byte, 4+4+len(key)+len(value))
	binary.BigEndian.PutUint32(payload[0:4], uint32(ddbkvproto.OpPut))
	binary.BigEndian.PutUint32(payload[4:8], uint32(len(key)))
	copy(payload[8:], key)
	copy(payload[8+len(key):], value)
	return payload
}

func keyPayload(op ddbkvproto.Op, key []byte) []byte {
	payload := make([]byte, 4+4+len(key))
	binary.BigEndian.PutUint32(payload[0:4], uint32(op))
	binary.BigEndian.PutUint32(payload[4:8], uint32(len(key)))
	copy(payload[8:], key)
	return payload
}

func TestPutThenGetConsistentRoundTrips(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	require.NoError(t, h.client.WritePacket(1, putPayload([]byte("k"), []byte("v"))))
	pkt, err := h.client.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), pkt.ID)
	assert.Equal(t, uint32(ddbkvproto.StatusOK), binary.BigEndian.Uint32(pkt.Payload))

	require.NoError(t, h.client.WritePacket(2, keyPayload(ddbkvproto.OpGetC, []byte("k"))))
	pkt, err = h.client.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), pkt.ID)
	assert.Equal(t, uint32(ddbkvproto.StatusOK), binary.BigEndian.Uint32(pkt.Payload[0:4]))
	vlen := binary.BigEndian.Uint32(pkt.Payload[4:8])
	assert.Equal(t, []byte("v"), pkt.Payload[8:8+vlen])
}

func TestPutDeleteThenGetIsTombstone(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	require.NoError(t, h.client.WritePacket(1, putPayload([]byte("k"), []byte("v"))))
	_, err := h.client.ReadPacket()
	require.NoError(t, err)

	require.NoError(t, h.client.WritePacket(2, keyPayload(ddbkvproto.OpDelete, []byte("k"))))
	pkt, err := h.client.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, uint32(ddbkvproto.StatusOK), binary.BigEndian.Uint32(pkt.Payload))

	require.NoError(t, h.client.WritePacket(3, keyPayload(ddbkvproto.OpGetC, []byte("k"))))
	pkt, err = h.client.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, uint32(ddbkvproto.StatusNoValue), binary.BigEndian.Uint32(pkt.Payload))
}

func TestGetMissingKeyIsTombstone(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	require.NoError(t, h.client.WritePacket(1, keyPayload(ddbkvproto.OpGet, []byte("absent"))))
	pkt, err := h.client.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, uint32(ddbkvproto.StatusNoValue), binary.BigEndian.Uint32(pkt.Payload))
}

func TestDisconnectEndsRun(t *testing.T) {
	h := newHarness(t)
	h.close()

	select {
	case <-h.runErr:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after client disconnect")
	}
}
