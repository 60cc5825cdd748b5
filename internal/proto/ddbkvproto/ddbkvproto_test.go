package ddbkvproto

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeReq(op Op, key, value []byte) []byte {
	payload := make([]byte, 4+4+len(key)+len(value))
	binary.BigEndian.PutUint32(payload[0:4], uint32(op))
	binary.BigEndian.PutUint32(payload[4:8], uint32(len(key)))
	copy(payload[8:], key)
	copy(payload[8+len(key):], value)
	return payload
}

func TestDecodeRequestGet(t *testing.T) {
	req, err := DecodeRequest(encodeReq(OpGet, []byte("k"), nil))
	require.NoError(t, err)
	assert.Equal(t, OpGet, req.Op)
	assert.Equal(t, []byte("k"), req.Key)
	assert.Nil(t, req.Value)
}

func TestDecodeRequestGetC(t *testing.T) {
	req, err := DecodeRequest(encodeReq(OpGetC, []byte("key"), nil))
	require.NoError(t, err)
	assert.Equal(t, OpGetC, req.Op)
}

func TestDecodeRequestDelete(t *testing.T) {
	req, err := DecodeRequest(encodeReq(OpDelete, []byte("k"), nil))
	require.NoError(t, err)
	assert.Equal(t, OpDelete, req.Op)
}

func TestDecodeRequestPut(t *testing.T) {
	req, err := DecodeRequest(encodeReq(OpPut, []byte("k"), []byte("value")))
	require.NoError(t, err)
	assert.Equal(t, OpPut, req.Op)
	assert.Equal(t, []byte("k"), req.Key)
	assert.Equal(t, []byte("value"), req.Value)
}

func TestDecodeRequestGetRejectsTrailingBytes(t *testing.T) {
	payload := encodeReq(OpGet, []byte("k"), nil)
	payload = append(payload, 0xff)
	_, err := DecodeRequest(payload)
	assert.Error(t, err)
}

func TestDecodeRequestKeyLengthOverflow(t *testing.T) {
	payload := make([]byte, 8)
	binary.BigEndian.PutUint32(payload[0:4], uint32(OpGet))
	binary.BigEndian.PutUint32(payload[4:8], 1000)
	_, err := DecodeRequest(payload)
	assert.Error(t, err)
}

func TestDecodeRequestTooShort(t *testing.T) {
	_, err := DecodeRequest([]byte{0, 0, 0})
	assert.Error(t, err)
}

func TestDecodeRequestUnknownOp(t *testing.T) {
	payload := make([]byte, 8)
	binary.BigEndian.PutUint32(payload[0:4], 99)
	_, err := DecodeRequest(payload)
	assert.Error(t, err)
}

func TestEncodePutResponse(t *testing.T) {
	assert.Equal(t, uint32(StatusOK), binary.BigEndian.Uint32(EncodePutResponse(true)))
	assert.Equal(t, uint32(StatusFail), binary.BigEndian.Uint32(EncodePutResponse(false)))
}

func TestEncodeDeleteResponse(t *testing.T) {
	assert.Equal(t, uint32(StatusOK), binary.BigEndian.Uint32(EncodeDeleteResponse(true)))
	assert.Equal(t, uint32(StatusFail), binary.BigEndian.Uint32(EncodeDeleteResponse(false)))
}

func TestEncodeGetResponseFound(t *testing.T) {
	resp := EncodeGetResponse(true, []byte("hello"))
	assert.Equal(t, uint32(StatusOK), binary.BigEndian.Uint32(resp[0:4]))
	assert.Equal(t, uint32(5), binary.BigEndian.Uint32(resp[4:8]))
	assert.Equal(t, []byte("hello"), resp[8:])
}

func TestEncodeGetResponseNoValue(t *testing.T) {
	resp := EncodeGetResponse(true, nil)
	assert.Equal(t, uint32(StatusNoValue), binary.BigEndian.Uint32(resp))
}

func TestEncodeGetResponseFail(t *testing.T) {
	resp := EncodeGetResponse(false, []byte("ignored"))
	assert.Equal(t, uint32(StatusFail), binary.BigEndian.Uint32(resp))
}

func TestEncodeGetResponseEmptyValueIsAHit(t *testing.T) {
	resp := EncodeGetResponse(true, []byte{})
	assert.Equal(t, uint32(StatusOK), binary.BigEndian.Uint32(resp[0:4]))
	assert.Equal(t, uint32(0), binary.BigEndian.Uint32(resp[4:8]))
}
