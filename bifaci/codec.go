package bifaci

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Integer CBOR map keys for each Frame field. Integer keys keep encoded
// frames small and the key layout stable across languages sharing this
// wire format.
const (
	keyVersion     = 0
	keyFrameType   = 1
	keyId          = 2
	keySeq         = 3
	keyContentType = 4
	keyMeta        = 5
	keyPayload     = 6
	keyLen         = 7
	keyOffset      = 8
	keyEof         = 9
	keyCap         = 10
	keyStreamId    = 11
	keyMediaUrn    = 12
	keyRoutingId   = 13
	keyChunkIndex  = 14
	keyChunkCount  = 15
	keyChecksum    = 16
)

// EncodeFrame serializes a Frame to CBOR using the integer key layout
// above. Only fields actually set on the frame are included.
func EncodeFrame(frame *Frame) ([]byte, error) {
	m := make(map[int]interface{})

	m[keyVersion] = uint8(ProtocolVersion)
	m[keyFrameType] = uint8(frame.FrameType)

	if frame.Id.IsUuid() {
		m[keyId] = frame.Id.uuidBytes
	} else if frame.Id.uintValue != nil {
		m[keyId] = *frame.Id.uintValue
	} else {
		m[keyId] = uint64(0)
	}

	if frame.Seq != 0 {
		m[keySeq] = frame.Seq
	}
	if frame.ContentType != nil && *frame.ContentType != "" {
		m[keyContentType] = *frame.ContentType
	}
	if len(frame.Meta) > 0 {
		m[keyMeta] = frame.Meta
	}
	if frame.Payload != nil {
		m[keyPayload] = frame.Payload
	}
	if frame.Len != nil {
		m[keyLen] = *frame.Len
	}
	if frame.Offset != nil {
		m[keyOffset] = *frame.Offset
	}
	if frame.Eof != nil && *frame.Eof {
		m[keyEof] = true
	}
	if frame.Cap != nil && *frame.Cap != "" {
		m[keyCap] = *frame.Cap
	}
	if frame.StreamId != nil && *frame.StreamId != "" {
		m[keyStreamId] = *frame.StreamId
	}
	if frame.MediaUrn != nil && *frame.MediaUrn != "" {
		m[keyMediaUrn] = *frame.MediaUrn
	}
	if frame.RoutingId != nil {
		if frame.RoutingId.IsUuid() {
			m[keyRoutingId] = frame.RoutingId.uuidBytes
		} else if frame.RoutingId.uintValue != nil {
			m[keyRoutingId] = *frame.RoutingId.uintValue
		}
	}
	if frame.ChunkIndex != nil {
		m[keyChunkIndex] = *frame.ChunkIndex
	}
	if frame.ChunkCount != nil {
		m[keyChunkCount] = *frame.ChunkCount
	}
	if frame.Checksum != nil {
		m[keyChecksum] = *frame.Checksum
	}

	return cbor.Marshal(m)
}

// DecodeFrame parses CBOR bytes into a Frame, rejecting anything that
// violates the wire layout: missing required keys, wrong field types, an
// out-of-range or retired frame type, or a CHUNK/STREAM_END missing the
// fields those types require.
func DecodeFrame(data []byte) (*Frame, error) {
	var m map[int]interface{}
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, &InvalidFrameError{Reason: fmt.Sprintf("cbor decode: %v", err)}
	}

	frame := &Frame{}

	verVal, ok := m[keyVersion]
	if !ok {
		return nil, &InvalidFrameError{Reason: "missing version (key 0)"}
	}
	ver, ok := verVal.(uint64)
	if !ok {
		return nil, &InvalidFrameError{Reason: "version must be uint"}
	}
	frame.Version = uint8(ver)
	if frame.Version != ProtocolVersion {
		return nil, &InvalidFrameError{Reason: fmt.Sprintf("unsupported version %d, expected %d", frame.Version, ProtocolVersion)}
	}

	ftVal, ok := m[keyFrameType]
	if !ok {
		return nil, &InvalidFrameError{Reason: "missing frame_type (key 1)"}
	}
	ft, ok := ftVal.(uint64)
	if !ok {
		return nil, &InvalidFrameError{Reason: "frame_type must be uint"}
	}
	frameType := FrameType(ft)
	if ft == 2 {
		return nil, &InvalidFrameError{Reason: "frame_type 2 is retired"}
	}
	if frameType < FrameTypeHello || frameType > FrameTypeRelayState {
		return nil, &InvalidFrameError{Reason: fmt.Sprintf("frame_type %d out of range", ft)}
	}
	frame.FrameType = frameType

	idVal, ok := m[keyId]
	if !ok {
		return nil, &InvalidFrameError{Reason: "missing id (key 2)"}
	}
	switch v := idVal.(type) {
	case []byte:
		if len(v) != 16 {
			return nil, &InvalidFrameError{Reason: "uuid id must be 16 bytes"}
		}
		frame.Id = MessageId{uuidBytes: v}
	case uint64:
		frame.Id = NewMessageIdFromUint(v)
	default:
		return nil, &InvalidFrameError{Reason: "id must be bytes[16] or uint"}
	}

	if seqVal, ok := m[keySeq]; ok {
		if seq, ok := seqVal.(uint64); ok {
			frame.Seq = seq
		}
	}
	if ctVal, ok := m[keyContentType]; ok {
		if ct, ok := ctVal.(string); ok {
			frame.ContentType = &ct
		}
	}
	if metaVal, ok := m[keyMeta]; ok {
		if meta, ok := metaVal.(map[interface{}]interface{}); ok {
			frame.Meta = make(map[string]interface{}, len(meta))
			for k, v := range meta {
				if ks, ok := k.(string); ok {
					frame.Meta[ks] = v
				}
			}
		}
	}
	if payloadVal, ok := m[keyPayload]; ok {
		if payload, ok := payloadVal.([]byte); ok {
			frame.Payload = payload
		}
	}
	if lenVal, ok := m[keyLen]; ok {
		if l, ok := lenVal.(uint64); ok {
			frame.Len = &l
		}
	}
	if offsetVal, ok := m[keyOffset]; ok {
		if offset, ok := offsetVal.(uint64); ok {
			frame.Offset = &offset
		}
	}
	if eofVal, ok := m[keyEof]; ok {
		if eof, ok := eofVal.(bool); ok {
			frame.Eof = &eof
		}
	}
	if capVal, ok := m[keyCap]; ok {
		if cap, ok := capVal.(string); ok {
			frame.Cap = &cap
		}
	}
	if streamIdVal, ok := m[keyStreamId]; ok {
		if streamId, ok := streamIdVal.(string); ok {
			frame.StreamId = &streamId
		}
	}
	if mediaUrnVal, ok := m[keyMediaUrn]; ok {
		if mediaUrn, ok := mediaUrnVal.(string); ok {
			frame.MediaUrn = &mediaUrn
		}
	}
	if routingIdVal, ok := m[keyRoutingId]; ok {
		switch v := routingIdVal.(type) {
		case []byte:
			if len(v) == 16 {
				rid, err := NewMessageIdFromUuid(v)
				if err == nil {
					frame.RoutingId = &rid
				}
			}
		case uint64:
			rid := NewMessageIdFromUint(v)
			frame.RoutingId = &rid
		}
	}
	if chunkIndexVal, ok := m[keyChunkIndex]; ok {
		if v, ok := asUint64(chunkIndexVal); ok {
			frame.ChunkIndex = &v
		}
	}
	if chunkCountVal, ok := m[keyChunkCount]; ok {
		if v, ok := asUint64(chunkCountVal); ok {
			frame.ChunkCount = &v
		}
	}
	if checksumVal, ok := m[keyChecksum]; ok {
		if v, ok := asUint64(checksumVal); ok {
			frame.Checksum = &v
		}
	}

	if frame.FrameType == FrameTypeChunk {
		if frame.ChunkIndex == nil {
			return nil, &InvalidFrameError{Reason: "CHUNK frame missing required field chunk_index"}
		}
		if frame.Checksum == nil {
			return nil, &InvalidFrameError{Reason: "CHUNK frame missing required field checksum"}
		}
	}
	if frame.FrameType == FrameTypeStreamEnd {
		if frame.ChunkCount == nil {
			return nil, &InvalidFrameError{Reason: "STREAM_END frame missing required field chunk_count"}
		}
	}

	return frame, nil
}

func asUint64(v interface{}) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case int64:
		return uint64(n), true
	case int:
		return uint64(n), true
	case uint:
		return uint64(n), true
	default:
		return 0, false
	}
}
