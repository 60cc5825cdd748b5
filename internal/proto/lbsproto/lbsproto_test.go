package lbsproto

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRequestParams(t *testing.T) {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(OpParams))

	req, err := DecodeRequest(payload)
	require.NoError(t, err)
	assert.Equal(t, OpParams, req.Op)
}

func TestDecodeRequestGet(t *testing.T) {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(OpGet))
	binary.BigEndian.PutUint64(payload[4:12], 7)

	req, err := DecodeRequest(payload)
	require.NoError(t, err)
	assert.Equal(t, OpGet, req.Op)
	assert.Equal(t, uint64(7), req.Blkno)
}

func appendPayload(nblks uint32, blkno uint64, data []byte) []byte {
	payload := make([]byte, 16+len(data))
	binary.BigEndian.PutUint32(payload[0:4], uint32(OpAppend))
	binary.BigEndian.PutUint32(payload[4:8], nblks)
	binary.BigEndian.PutUint64(payload[8:16], blkno)
	copy(payload[16:], data)
	return payload
}

func TestDecodeRequestAppend(t *testing.T) {
	data := []byte("0123456789ab")
	payload := appendPayload(1, 3, data)

	req, err := DecodeRequest(payload)
	require.NoError(t, err)
	assert.Equal(t, OpAppend, req.Op)
	assert.Equal(t, uint32(1), req.Nblks)
	assert.Equal(t, uint32(12), req.Blklen)
	assert.Equal(t, uint64(3), req.Blkno)
	assert.Equal(t, data, req.Buf)
}

func TestDecodeRequestAppendMultipleBlocks(t *testing.T) {
	data := []byte("0123456789ab0123456789ab0123456789ab")
	payload := appendPayload(3, 9, data)

	req, err := DecodeRequest(payload)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), req.Nblks)
	assert.Equal(t, uint32(12), req.Blklen)
	assert.Equal(t, data, req.Buf)
}

func TestDecodeRequestAppendRejectsZeroNblks(t *testing.T) {
	payload := appendPayload(0, 3, []byte("0123456789ab"))
	_, err := DecodeRequest(payload)
	assert.Error(t, err)
}

func TestDecodeRequestAppendRejectsLengthNotMultipleOfNblks(t *testing.T) {
	payload := appendPayload(5, 3, []byte("0123456789ab"))
	_, err := DecodeRequest(payload)
	assert.Error(t, err)
}

func TestDecodeRequestAppendRejectsShortHeader(t *testing.T) {
	payload := make([]byte, 4+11)
	binary.BigEndian.PutUint32(payload[0:4], uint32(OpAppend))
	_, err := DecodeRequest(payload)
	assert.Error(t, err)
}

func TestDecodeRequestTruncated(t *testing.T) {
	_, err := DecodeRequest([]byte{0, 0, 0})
	assert.Error(t, err)
}

func TestDecodeRequestUnknownOp(t *testing.T) {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, 99)
	_, err := DecodeRequest(payload)
	assert.Error(t, err)
}

func TestEncodeResponses(t *testing.T) {
	params := EncodeParamsResponse(4096, 10)
	assert.Equal(t, uint32(4096), binary.BigEndian.Uint32(params[0:4]))
	assert.Equal(t, uint64(10), binary.BigEndian.Uint64(params[4:12]))

	miss := EncodeGetResponse(nil)
	assert.Equal(t, uint32(StatusMiss), binary.BigEndian.Uint32(miss))

	hit := EncodeGetResponse([]byte("data"))
	assert.Equal(t, uint32(StatusOK), binary.BigEndian.Uint32(hit[0:4]))
	assert.Equal(t, []byte("data"), hit[4:])

	accepted := EncodeAppendAccepted(5)
	assert.Equal(t, uint32(StatusOK), binary.BigEndian.Uint32(accepted[0:4]))
	assert.Equal(t, uint64(5), binary.BigEndian.Uint64(accepted[4:12]))

	rejected := EncodeAppendRejected()
	assert.Equal(t, uint32(StatusReject), binary.BigEndian.Uint32(rejected))

	free := EncodeFreeResponse()
	assert.Equal(t, uint32(StatusOK), binary.BigEndian.Uint32(free))
}
