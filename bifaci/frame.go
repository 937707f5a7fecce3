// Package bifaci implements the capability-routed plugin transport: a
// length-prefixed, CBOR-encoded frame protocol over full-duplex byte
// streams, the flow ordering and reassembly built on top of it, and the
// plugin host / relay switch that route frames by capability.
package bifaci

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ProtocolVersion is the wire protocol version carried on every HELLO frame.
const ProtocolVersion uint8 = 2

// DefaultMaxFrame is the default negotiated frame size ceiling (3.5 MiB),
// a safe margin under MaxFrameHardLimit. Larger payloads use CHUNK frames.
const DefaultMaxFrame int = 3_670_016

// DefaultMaxChunk is the default chunk payload size used by WriteChunked.
const DefaultMaxChunk int = 262_144

// MaxFrameHardLimit bounds every frame ReadFrame and WriteFrame accept,
// whatever max_frame was negotiated. The handshake does not check a peer's
// advertised max_frame against it.
const MaxFrameHardLimit int = 16_777_216

// FrameType discriminates the eleven wire frame kinds. Value 2 is retired
// (an earlier single-response RES frame) and is never valid on the wire.
type FrameType uint8

const (
	FrameTypeHello FrameType = 0
	FrameTypeReq   FrameType = 1
	// 2 retired
	FrameTypeChunk       FrameType = 3
	FrameTypeEnd         FrameType = 4
	FrameTypeLog         FrameType = 5
	FrameTypeErr         FrameType = 6
	FrameTypeHeartbeat   FrameType = 7
	FrameTypeStreamStart FrameType = 8
	FrameTypeStreamEnd   FrameType = 9
	FrameTypeRelayNotify FrameType = 10
	FrameTypeRelayState  FrameType = 11
)

// String returns the wire name of the frame type, or "UNKNOWN(n)".
func (ft FrameType) String() string {
	switch ft {
	case FrameTypeHello:
		return "HELLO"
	case FrameTypeReq:
		return "REQ"
	case FrameTypeChunk:
		return "CHUNK"
	case FrameTypeEnd:
		return "END"
	case FrameTypeLog:
		return "LOG"
	case FrameTypeErr:
		return "ERR"
	case FrameTypeHeartbeat:
		return "HEARTBEAT"
	case FrameTypeStreamStart:
		return "STREAM_START"
	case FrameTypeStreamEnd:
		return "STREAM_END"
	case FrameTypeRelayNotify:
		return "RELAY_NOTIFY"
	case FrameTypeRelayState:
		return "RELAY_STATE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(ft))
	}
}

// MessageId is either a 16-byte UUID or an unsigned 64-bit integer. The two
// variants never compare equal to each other, even when their serialized
// bytes happen to coincide.
type MessageId struct {
	uuidBytes []byte
	uintValue *uint64
}

// NewMessageIdFromUuid builds a MessageId from exactly 16 raw UUID bytes.
func NewMessageIdFromUuid(raw []byte) (MessageId, error) {
	if len(raw) != 16 {
		return MessageId{}, errors.New("uuid message id must be exactly 16 bytes")
	}
	buf := make([]byte, 16)
	copy(buf, raw)
	return MessageId{uuidBytes: buf}, nil
}

// NewMessageIdFromUint builds a MessageId from a uint64.
func NewMessageIdFromUint(value uint64) MessageId {
	v := value
	return MessageId{uintValue: &v}
}

// NewMessageIdRandom builds a random UUID-based MessageId.
func NewMessageIdRandom() MessageId {
	id := uuid.New()
	raw, _ := id.MarshalBinary()
	return MessageId{uuidBytes: raw}
}

// NewMessageIdDefault returns the uint(0) id used by non-flow control
// frames (HELLO, RELAY_NOTIFY, RELAY_STATE). A locally answered HEARTBEAT
// echoes the id of the HEARTBEAT it answers instead.
func NewMessageIdDefault() MessageId {
	return NewMessageIdFromUint(0)
}

// IsUuid reports whether this id is the UUID variant.
func (m MessageId) IsUuid() bool {
	return m.uuidBytes != nil
}

// ToUuidString renders the UUID form, or "" if this is the uint variant.
func (m MessageId) ToUuidString() string {
	if m.uuidBytes == nil {
		return ""
	}
	id, err := uuid.FromBytes(m.uuidBytes)
	if err != nil {
		return ""
	}
	return id.String()
}

// ToString renders either variant: the UUID string, or the decimal uint.
func (m MessageId) ToString() string {
	if m.uuidBytes != nil {
		return m.ToUuidString()
	}
	if m.uintValue != nil {
		return fmt.Sprintf("%d", *m.uintValue)
	}
	return "0"
}

// AsBytes returns the canonical wire representation: 16 raw bytes for a
// UUID, 8 big-endian bytes for a uint.
func (m MessageId) AsBytes() []byte {
	if m.uuidBytes != nil {
		return m.uuidBytes
	}
	buf := make([]byte, 8)
	if m.uintValue != nil {
		binary.BigEndian.PutUint64(buf, *m.uintValue)
	}
	return buf
}

// mapKey returns a representation safe to use as a Go map key that keeps
// the UUID and uint variants from colliding even when AsBytes overlaps.
func (m MessageId) mapKey() string {
	if m.uuidBytes != nil {
		return "u:" + string(m.uuidBytes)
	}
	return "n:" + string(m.AsBytes())
}

// Equals reports whether two ids denote the same message. A UUID id never
// equals a uint id.
func (m MessageId) Equals(other MessageId) bool {
	if m.uuidBytes != nil && other.uuidBytes != nil {
		return string(m.uuidBytes) == string(other.uuidBytes)
	}
	if m.uintValue != nil && other.uintValue != nil {
		return *m.uintValue == *other.uintValue
	}
	return false
}

// Frame is the single CBOR-encoded wire unit all peers exchange.
type Frame struct {
	Version     uint8
	FrameType   FrameType
	Id          MessageId
	StreamId    *string
	MediaUrn    *string
	Seq         uint64
	ContentType *string
	Meta        map[string]interface{}
	Payload     []byte
	Len         *uint64
	Offset      *uint64
	Eof         *bool
	Cap         *string
	RoutingId   *MessageId
	ChunkIndex  *uint64
	ChunkCount  *uint64
	Checksum    *uint64
}

func newFrame(frameType FrameType, id MessageId) *Frame {
	return &Frame{Version: ProtocolVersion, FrameType: frameType, Id: id}
}

// NewReq builds a REQ frame invoking capUrn with the given payload.
func NewReq(id MessageId, capUrn string, payload []byte, contentType string) *Frame {
	f := newFrame(FrameTypeReq, id)
	f.Cap = &capUrn
	f.Payload = payload
	f.ContentType = &contentType
	return f
}

// NewChunk builds one CHUNK frame of a stream. chunkIndex and checksum are
// always required on the wire; seq is the caller's current flow counter
// (normally supplied by a SeqAssigner at the writer).
func NewChunk(reqId MessageId, streamId string, seq uint64, payload []byte, chunkIndex uint64, checksum uint64) *Frame {
	f := newFrame(FrameTypeChunk, reqId)
	f.StreamId = &streamId
	f.Seq = seq
	f.Payload = payload
	f.ChunkIndex = &chunkIndex
	f.Checksum = &checksum
	return f
}

// NewStreamStart announces a new stream within a request.
func NewStreamStart(reqId MessageId, streamId string, mediaUrn string) *Frame {
	f := newFrame(FrameTypeStreamStart, reqId)
	f.StreamId = &streamId
	f.MediaUrn = &mediaUrn
	return f
}

// NewStreamEnd closes streamId. chunkCount records how many CHUNKs the
// sender believes it sent. Nothing in this package rejects a CHUNK for the
// stream that arrives after it.
func NewStreamEnd(reqId MessageId, streamId string, chunkCount uint64) *Frame {
	f := newFrame(FrameTypeStreamEnd, reqId)
	f.StreamId = &streamId
	f.ChunkCount = &chunkCount
	return f
}

// NewEnd closes a request, carrying an optional final payload.
func NewEnd(id MessageId, payload []byte) *Frame {
	f := newFrame(FrameTypeEnd, id)
	if payload != nil {
		f.Payload = payload
	}
	eof := true
	f.Eof = &eof
	return f
}

// NewErr builds an ERR frame carrying a code/message pair in Meta.
func NewErr(id MessageId, code string, message string) *Frame {
	f := newFrame(FrameTypeErr, id)
	f.Meta = map[string]interface{}{"code": code, "message": message}
	return f
}

// NewLog builds a LOG frame carrying a level/message pair in Meta.
func NewLog(id MessageId, level string, message string) *Frame {
	f := newFrame(FrameTypeLog, id)
	f.Meta = map[string]interface{}{"level": level, "message": message}
	return f
}

// NewHeartbeat builds a HEARTBEAT frame.
func NewHeartbeat(id MessageId) *Frame {
	return newFrame(FrameTypeHeartbeat, id)
}

// NewHello builds the host side's handshake frame: limits only, no manifest.
func NewHello(maxFrame, maxChunk, maxReorderBuffer int) *Frame {
	f := newFrame(FrameTypeHello, NewMessageIdDefault())
	f.Meta = map[string]interface{}{
		"max_frame":          maxFrame,
		"max_chunk":          maxChunk,
		"max_reorder_buffer": maxReorderBuffer,
		"version":            ProtocolVersion,
	}
	return f
}

// NewHelloWithManifest builds the plugin side's handshake frame: limits plus
// a mandatory manifest.
func NewHelloWithManifest(maxFrame, maxChunk, maxReorderBuffer int, manifest []byte) *Frame {
	f := NewHello(maxFrame, maxChunk, maxReorderBuffer)
	f.Meta["manifest"] = manifest
	return f
}

// NewRelayNotify builds a capability-advertisement frame (slave -> master),
// carrying an aggregate manifest plus this slave's negotiated limits.
func NewRelayNotify(manifest []byte, maxFrame, maxChunk, maxReorderBuffer int) *Frame {
	f := newFrame(FrameTypeRelayNotify, NewMessageIdDefault())
	f.Meta = map[string]interface{}{
		"manifest":           manifest,
		"max_frame":          maxFrame,
		"max_chunk":          maxChunk,
		"max_reorder_buffer": maxReorderBuffer,
	}
	return f
}

// NewRelayState builds an opaque resource-report frame (master -> slave).
func NewRelayState(resources []byte) *Frame {
	f := newFrame(FrameTypeRelayState, NewMessageIdDefault())
	f.Payload = resources
	return f
}

// ErrorCode extracts the code field of an ERR frame's metadata.
func (f *Frame) ErrorCode() string {
	return metaString(f, FrameTypeErr, "code")
}

// ErrorMessage extracts the message field of an ERR frame's metadata.
func (f *Frame) ErrorMessage() string {
	return metaString(f, FrameTypeErr, "message")
}

// LogLevel extracts the level field of a LOG frame's metadata.
func (f *Frame) LogLevel() string {
	return metaString(f, FrameTypeLog, "level")
}

// LogMessage extracts the message field of a LOG frame's metadata.
func (f *Frame) LogMessage() string {
	return metaString(f, FrameTypeLog, "message")
}

func metaString(f *Frame, want FrameType, key string) string {
	if f.FrameType != want || f.Meta == nil {
		return ""
	}
	if s, ok := f.Meta[key].(string); ok {
		return s
	}
	return ""
}

// RelayNotifyManifest extracts the manifest bytes from a RELAY_NOTIFY frame.
func (f *Frame) RelayNotifyManifest() []byte {
	if f.FrameType != FrameTypeRelayNotify || f.Meta == nil {
		return nil
	}
	if m, ok := f.Meta["manifest"].([]byte); ok {
		return m
	}
	return nil
}

// RelayNotifyLimits extracts negotiated Limits from a RELAY_NOTIFY frame.
// Returns nil if the required fields are missing.
func (f *Frame) RelayNotifyLimits() *Limits {
	if f.FrameType != FrameTypeRelayNotify || f.Meta == nil {
		return nil
	}
	maxFrame := extractIntFromMeta(f.Meta, "max_frame")
	maxChunk := extractIntFromMeta(f.Meta, "max_chunk")
	if maxFrame <= 0 || maxChunk <= 0 {
		return nil
	}
	maxReorder := extractIntFromMeta(f.Meta, "max_reorder_buffer")
	if maxReorder <= 0 {
		maxReorder = DefaultMaxReorderBuffer
	}
	return &Limits{MaxFrame: maxFrame, MaxChunk: maxChunk, MaxReorderBuffer: maxReorder}
}

// extractIntFromMeta pulls an integer out of a decoded meta map, tolerating
// the several numeric representations a CBOR decode may produce.
func extractIntFromMeta(meta map[string]interface{}, key string) int {
	switch n := meta[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case uint64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

// ComputeChecksum is the FNV-1a 64-bit hash used for CHUNK payload
// integrity: offset basis 0xcbf29ce484222325, prime 0x100000001b3.
func ComputeChecksum(data []byte) uint64 {
	const offsetBasis = uint64(0xcbf29ce484222325)
	const prime = uint64(0x100000001b3)

	h := offsetBasis
	for _, b := range data {
		h ^= uint64(b)
		h *= prime
	}
	return h
}

// VerifyChunkChecksum recomputes a CHUNK frame's checksum and compares it to
// the carried value.
func VerifyChunkChecksum(frame *Frame) error {
	if frame.Checksum == nil {
		return fmt.Errorf("chunk frame missing required checksum field")
	}
	expected := ComputeChecksum(frame.Payload)
	if *frame.Checksum != expected {
		return &ChecksumMismatchError{Expected: expected, Actual: *frame.Checksum}
	}
	return nil
}

// IsEof reports whether this is the terminal frame of a request.
func (f *Frame) IsEof() bool {
	return f.Eof != nil && *f.Eof
}

// IsFlowFrame reports whether this frame type participates in per-flow seq
// ordering. HELLO, HEARTBEAT, RELAY_NOTIFY and RELAY_STATE bypass ordering
// entirely.
func (f *Frame) IsFlowFrame() bool {
	switch f.FrameType {
	case FrameTypeHello, FrameTypeHeartbeat, FrameTypeRelayNotify, FrameTypeRelayState:
		return false
	default:
		return true
	}
}

// FlowKey identifies one logical stream direction: a request id paired with
// an optional routing id. Absence of a routing id is a distinct flow from
// any presence of one, so the zero-value RoutingId case is tagged
// separately from the no-RoutingId case.
type FlowKey struct {
	rid    string
	xid    string
	hasXid bool
}

// FlowKeyFromFrame extracts the FlowKey addressed by a frame.
func FlowKeyFromFrame(frame *Frame) FlowKey {
	key := FlowKey{rid: frame.Id.mapKey()}
	if frame.RoutingId != nil {
		key.hasXid = true
		key.xid = frame.RoutingId.mapKey()
	}
	return key
}

// SeqAssigner assigns monotonically increasing, gap-free seq numbers per
// FlowKey at an output stage. Non-flow frames (see Frame.IsFlowFrame) are
// left at seq 0. Not safe for concurrent use; callers serialize writes per
// peer already, so one SeqAssigner belongs to one writer.
type SeqAssigner struct {
	counters map[FlowKey]uint64
}

// NewSeqAssigner returns an empty SeqAssigner.
func NewSeqAssigner() *SeqAssigner {
	return &SeqAssigner{counters: make(map[FlowKey]uint64)}
}

// Assign stamps frame.Seq with the next value for its flow, or leaves it
// at 0 for non-flow frames.
func (sa *SeqAssigner) Assign(frame *Frame) {
	if !frame.IsFlowFrame() {
		return
	}
	key := FlowKeyFromFrame(frame)
	counter := sa.counters[key]
	frame.Seq = counter
	sa.counters[key] = counter + 1
}

// Remove drops a flow's counter, typically once END or ERR has been sent
// for it so the map doesn't grow unbounded over a connection's lifetime.
func (sa *SeqAssigner) Remove(key FlowKey) {
	delete(sa.counters, key)
}
