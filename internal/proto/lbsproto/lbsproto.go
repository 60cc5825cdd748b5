// Package lbsproto encodes and decodes the LBS request/response
// payloads carried inside wire.Packet frames (spec §6.1). The packet
// ID and length prefix belong to internal/wire; this package only
// knows about the uint32 op type and the bytes that follow it.
package lbsproto

import (
	"encoding/binary"
	"fmt"
)

// Op identifies an LBS request type.
type Op uint32

const (
	OpParams Op = 0
	OpGet    Op = 1
	OpAppend Op = 2
	OpFree   Op = 3
)

// Status codes shared by GET and APPEND responses.
const (
	StatusOK     = 0
	StatusMiss   = 1
	StatusReject = 1
)

// Request is a decoded client request.
type Request struct {
	Op     Op
	Blkno  uint64 // GET, FREE, APPEND
	Nblks  uint32 // APPEND
	Blklen uint32 // APPEND; checked against the daemon's configured block length
	Buf    []byte // APPEND
}

// DecodeRequest parses a request payload (everything after the wire
// packet's ID and length) into an Op-tagged Request. The APPEND layout
// is nblks, blkno, then nblks blocks of data back to back; blklen
// isn't carried on the wire at all, it's derived as
// len(data)/nblks so a dispatcher can reject a request with the wrong
// block length before touching storage.
func DecodeRequest(payload []byte) (Request, error) {
	if len(payload) < 4 {
		return Request{}, fmt.Errorf("lbsproto: payload too short for op type")
	}
	op := Op(binary.BigEndian.Uint32(payload[0:4]))
	body := payload[4:]

	switch op {
	case OpParams:
		return Request{Op: op}, nil

	case OpGet, OpFree:
		if len(body) != 8 {
			return Request{}, fmt.Errorf("lbsproto: GET/FREE payload must be 8 bytes, got %d", len(body))
		}
		return Request{Op: op, Blkno: binary.BigEndian.Uint64(body)}, nil

	case OpAppend:
		if len(body) < 12 {
			return Request{}, fmt.Errorf("lbsproto: APPEND payload too short")
		}
		nblks := binary.BigEndian.Uint32(body[0:4])
		blkno := binary.BigEndian.Uint64(body[4:12])
		buf := body[12:]
		if nblks == 0 {
			return Request{}, fmt.Errorf("lbsproto: APPEND nblks must be nonzero")
		}
		if len(buf)%int(nblks) != 0 {
			return Request{}, fmt.Errorf("lbsproto: APPEND payload length %d not a multiple of nblks %d", len(buf), nblks)
		}
		blklen := uint32(len(buf) / int(nblks))
		return Request{Op: op, Blkno: blkno, Nblks: nblks, Blklen: blklen, Buf: buf}, nil

	default:
		return Request{}, fmt.Errorf("lbsproto: unknown op type %d", op)
	}
}

// EncodeParamsResponse builds the PARAMS/PARAMS2 response body.
func EncodeParamsResponse(blocklen uint32, nextblk uint64) []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], blocklen)
	binary.BigEndian.PutUint64(buf[4:12], nextblk)
	return buf
}

// EncodeGetResponse builds a GET response: status=miss has no data,
// status=ok carries the block's raw bytes.
func EncodeGetResponse(data []byte) []byte {
	if data == nil {
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, StatusMiss)
		return buf
	}
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf[0:4], StatusOK)
	copy(buf[4:], data)
	return buf
}

// EncodeAppendAccepted builds a successful APPEND response.
func EncodeAppendAccepted(newNextblk uint64) []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], StatusOK)
	binary.BigEndian.PutUint64(buf[4:12], newNextblk)
	return buf
}

// EncodeAppendRejected builds a rejected APPEND response.
func EncodeAppendRejected() []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, StatusReject)
	return buf
}

// EncodeFreeResponse builds the (always-success) FREE response.
func EncodeFreeResponse() []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, StatusOK)
	return buf
}
