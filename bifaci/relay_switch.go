package bifaci

import (
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/pluginmesh/bifaci/capurn"
)

// SocketPair is one full-duplex link to a master: reader and writer ends
// may be the same net.Conn or a split pair, matching whatever transport
// wires a master in (TCP, net.Pipe in tests, a Unix socket in production).
type SocketPair struct {
	Read  net.Conn
	Write net.Conn
}

func (sp SocketPair) close() {
	sp.Read.Close()
	if sp.Write != sp.Read {
		sp.Write.Close()
	}
}

// relayRoutingEntry tracks which master is serving a request and, for a
// peer-initiated request, which master is waiting on the answer.
type relayRoutingEntry struct {
	sourceMasterIdx int // engineSource for engine-originated requests
	destMasterIdx   int
}

const engineSource = -1

// identityProbe tracks a peer master's identity-verification REQ whose
// streamed nonce body is still arriving one frame at a time through
// handleMasterFrameLocked — the switch cannot block on a nested read
// here, so it feeds each frame to an IdentityResponder as it is
// dispatched and answers only once the body is fully reassembled.
type identityProbe struct {
	sourceIdx int
	responder *IdentityResponder
}

// masterConnection is one attached master's transport and advertised
// state.
type masterConnection struct {
	sock    SocketPair
	reader  *FrameReader
	writer  *FrameWriter
	manifest []byte
	limits  Limits
	caps    []string
	healthy bool
}

type masterFrame struct {
	masterIdx int
	frame     *Frame
	err       error
}

type capTableEntry2 struct {
	capUrn    string
	masterIdx int
}

// RelaySwitch is the inverse of PluginHost: it fans an engine's requests
// out to N upstream "master" relay connections by capability, aggregates
// their manifests, and forwards each master's peer-initiated requests
// either back to the engine or sideways to another master.
type RelaySwitch struct {
	matcher          capurn.Matcher
	masters          []*masterConnection
	capTable         []capTableEntry2
	requestRouting   map[string]*relayRoutingEntry
	peerRequests     map[string]bool
	identityPending  map[string]*identityProbe
	capabilities     []byte
	negotiatedLimits Limits
	frameRx          chan masterFrame
	mu               sync.Mutex
	closed           bool
	log              *logrus.Entry
}

// NewRelaySwitch attaches every socket in sockets as a master: reads its
// RELAY_NOTIFY, verifies its identity, and starts its reader goroutine. An
// empty sockets list is a valid construction: Capabilities reports an
// empty manifest and every SendToMaster fails with NoHandlerError until a
// master is attached via addMaster. log may be nil, in which case
// logrus.StandardLogger() is used.
func NewRelaySwitch(sockets []SocketPair, log *logrus.Entry) (*RelaySwitch, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	sw := &RelaySwitch{
		matcher:         capurn.ExactMatcher{},
		requestRouting:  make(map[string]*relayRoutingEntry),
		peerRequests:    make(map[string]bool),
		identityPending: make(map[string]*identityProbe),
		frameRx:         make(chan masterFrame, 100),
		log:             log,
	}

	for _, sock := range sockets {
		if _, err := sw.addMasterLocked(sock); err != nil {
			return nil, err
		}
	}

	sw.rebuildCapTable()
	sw.rebuildCapabilities()
	sw.rebuildLimits()

	return sw, nil
}

// addMaster dynamically attaches a new master at runtime: full
// RELAY_NOTIFY + identity handshake, merging its caps into the aggregate
// and starting its reader goroutine.
func (sw *RelaySwitch) addMaster(sock SocketPair) (int, error) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.closed {
		return -1, &ProtocolError{Reason: "relay switch is shut down"}
	}
	return sw.addMasterLocked(sock)
}

func (sw *RelaySwitch) addMasterLocked(sock SocketPair) (int, error) {
	reader := NewFrameReader(sock.Read)
	writer := NewFrameWriter(sock.Write)

	frame, err := reader.ReadFrame()
	if err != nil {
		return -1, &IOError{Op: "read RELAY_NOTIFY", Err: err}
	}
	if frame.FrameType != FrameTypeRelayNotify {
		return -1, &ProtocolError{Reason: "expected RELAY_NOTIFY, got " + frame.FrameType.String()}
	}

	manifest := frame.RelayNotifyManifest()
	if manifest == nil {
		return -1, &ProtocolError{Reason: "RELAY_NOTIFY missing manifest"}
	}
	limits := frame.RelayNotifyLimits()
	if limits == nil {
		return -1, &ProtocolError{Reason: "RELAY_NOTIFY missing limits"}
	}
	reader.SetLimits(*limits)
	writer.SetLimits(*limits)

	caps, err := DecodeManifest(manifest)
	if err != nil {
		return -1, err
	}

	if err := VerifyIdentity(reader, writer); err != nil {
		return -1, err
	}

	masterIdx := len(sw.masters)
	conn := &masterConnection{
		sock:     sock,
		reader:   reader,
		writer:   writer,
		manifest: manifest,
		limits:   *limits,
		caps:     caps,
		healthy:  true,
	}
	sw.masters = append(sw.masters, conn)

	go sw.readerLoop(masterIdx, reader)

	sw.rebuildCapTable()
	sw.rebuildCapabilities()
	sw.rebuildLimits()
	sw.log.WithField("master_idx", masterIdx).Info("master attached")

	return masterIdx, nil
}

func (sw *RelaySwitch) readerLoop(masterIdx int, reader *FrameReader) {
	for {
		frame, err := reader.ReadFrame()
		if err != nil {
			sw.frameRx <- masterFrame{masterIdx: masterIdx, err: err}
			return
		}
		if frame.FrameType == FrameTypeRelayNotify {
			continue
		}
		sw.frameRx <- masterFrame{masterIdx: masterIdx, frame: frame}
	}
}

// shutdown closes every master connection. Idempotent: calling it more
// than once is a no-op.
func (sw *RelaySwitch) shutdown() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.closed {
		return
	}
	sw.closed = true
	for _, m := range sw.masters {
		m.healthy = false
		m.sock.close()
	}
}

// Capabilities returns the aggregate manifest of every healthy master,
// with the identity cap first once any master is attached; with no masters
// the manifest is empty.
func (sw *RelaySwitch) Capabilities() []byte {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	result := make([]byte, len(sw.capabilities))
	copy(result, sw.capabilities)
	return result
}

// Limits returns the component-wise minimum of every healthy master's
// negotiated limits.
func (sw *RelaySwitch) Limits() Limits {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.negotiatedLimits
}

// SendToMaster routes one engine-originated frame to the master that owns
// (or, for a REQ, will own) its request id.
func (sw *RelaySwitch) SendToMaster(frame *Frame) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	idKey := frame.Id.mapKey()

	switch frame.FrameType {
	case FrameTypeReq:
		if frame.Cap == nil {
			return &ProtocolError{Reason: "REQ frame missing cap URN"}
		}
		destIdx, err := sw.findMasterForCapLocked(*frame.Cap)
		if err != nil {
			return err
		}
		sw.requestRouting[idKey] = &relayRoutingEntry{sourceMasterIdx: engineSource, destMasterIdx: destIdx}
		return sw.masters[destIdx].writer.WriteFrame(frame)

	case FrameTypeStreamStart, FrameTypeChunk, FrameTypeStreamEnd, FrameTypeEnd, FrameTypeErr:
		entry, ok := sw.requestRouting[idKey]
		if !ok {
			return &ProtocolError{Reason: "unknown request id " + frame.Id.ToString()}
		}
		if err := sw.masters[entry.destMasterIdx].writer.WriteFrame(frame); err != nil {
			return err
		}
		isTerminal := frame.FrameType == FrameTypeEnd || frame.FrameType == FrameTypeErr
		if isTerminal && sw.peerRequests[idKey] {
			delete(sw.requestRouting, idKey)
			delete(sw.peerRequests, idKey)
		}
		return nil

	default:
		return &ProtocolError{Reason: "unexpected frame type from engine: " + frame.FrameType.String()}
	}
}

// ReadFromMasters blocks until one frame destined for the engine is ready,
// transparently handling master deaths and peer-to-peer routing between
// masters along the way.
func (sw *RelaySwitch) ReadFromMasters() (*Frame, error) {
	for {
		mf := <-sw.frameRx

		if mf.err != nil || mf.frame == nil {
			sw.mu.Lock()
			sw.handleMasterDeathLocked(mf.masterIdx, mf.err)
			sw.mu.Unlock()
			continue
		}

		sw.mu.Lock()
		result, err := sw.handleMasterFrameLocked(mf.masterIdx, mf.frame)
		sw.mu.Unlock()

		if err != nil {
			return nil, err
		}
		if result != nil {
			return result, nil
		}
	}
}

func (sw *RelaySwitch) findMasterForCapLocked(capUrn string) (int, error) {
	registered := make([]string, len(sw.capTable))
	for i, entry := range sw.capTable {
		registered[i] = entry.capUrn
	}
	idx := capurn.Best(sw.matcher, capUrn, registered)
	if idx < 0 {
		return -1, &NoHandlerError{CapUrn: capUrn}
	}
	return sw.capTable[idx].masterIdx, nil
}

func (sw *RelaySwitch) handleMasterFrameLocked(sourceIdx int, frame *Frame) (*Frame, error) {
	idKey := frame.Id.mapKey()

	switch frame.FrameType {
	case FrameTypeReq:
		if frame.Cap != nil && *frame.Cap == IdentityCap {
			sw.identityPending[idKey] = &identityProbe{sourceIdx: sourceIdx, responder: NewIdentityResponder()}
			return nil, nil
		}
		if frame.Cap == nil {
			return nil, &ProtocolError{Reason: "REQ frame missing cap URN"}
		}
		destIdx, err := sw.findMasterForCapLocked(*frame.Cap)
		if err != nil {
			return nil, err
		}
		sw.requestRouting[idKey] = &relayRoutingEntry{sourceMasterIdx: sourceIdx, destMasterIdx: destIdx}
		sw.peerRequests[idKey] = true
		if err := sw.masters[destIdx].writer.WriteFrame(frame); err != nil {
			return nil, err
		}
		return nil, nil

	case FrameTypeStreamStart, FrameTypeChunk, FrameTypeStreamEnd, FrameTypeEnd, FrameTypeErr, FrameTypeLog:
		if probe, ok := sw.identityPending[idKey]; ok {
			done, err := probe.responder.Feed(frame)
			if err != nil {
				delete(sw.identityPending, idKey)
				return nil, err
			}
			if !done {
				return nil, nil
			}
			delete(sw.identityPending, idKey)
			return nil, probe.responder.Answer(sw.masters[probe.sourceIdx].writer, frame.Id)
		}

		entry, ok := sw.requestRouting[idKey]
		isTerminal := frame.FrameType == FrameTypeEnd || frame.FrameType == FrameTypeErr

		if ok && entry.sourceMasterIdx != engineSource {
			if err := sw.masters[entry.sourceMasterIdx].writer.WriteFrame(frame); err != nil {
				return nil, err
			}
			if isTerminal {
				delete(sw.requestRouting, idKey)
				delete(sw.peerRequests, idKey)
			}
			return nil, nil
		}

		if isTerminal {
			delete(sw.requestRouting, idKey)
			delete(sw.peerRequests, idKey)
		}
		return frame, nil

	default:
		return frame, nil
	}
}

func (sw *RelaySwitch) handleMasterDeathLocked(masterIdx int, deathErr error) {
	if masterIdx < 0 || masterIdx >= len(sw.masters) || !sw.masters[masterIdx].healthy {
		return
	}
	sw.masters[masterIdx].healthy = false
	sw.log.WithField("master_idx", masterIdx).WithError(deathErr).Warn("master died")

	for reqId, entry := range sw.requestRouting {
		if entry.destMasterIdx == masterIdx || entry.sourceMasterIdx == masterIdx {
			delete(sw.requestRouting, reqId)
			delete(sw.peerRequests, reqId)
		}
	}

	sw.rebuildCapTable()
	sw.rebuildCapabilities()
	sw.rebuildLimits()
}

func (sw *RelaySwitch) rebuildCapTable() {
	sw.capTable = nil
	for idx, m := range sw.masters {
		if !m.healthy {
			continue
		}
		for _, cap := range m.caps {
			sw.capTable = append(sw.capTable, capTableEntry2{capUrn: cap, masterIdx: idx})
		}
	}
}

func (sw *RelaySwitch) rebuildCapabilities() {
	var allCaps []string
	for _, m := range sw.masters {
		if m.healthy {
			allCaps = append(allCaps, m.caps...)
		}
	}

	merged := []string{}
	if len(sw.masters) > 0 {
		merged = MergeManifests([]string{IdentityCap}, allCaps)
	}

	manifest, err := EncodeManifest(merged)
	if err != nil {
		sw.capabilities = nil
		return
	}
	sw.capabilities = manifest
}

func (sw *RelaySwitch) rebuildLimits() {
	minFrame := 0
	minChunk := 0
	minReorder := 0
	any := false
	for _, m := range sw.masters {
		if !m.healthy {
			continue
		}
		if !any || m.limits.MaxFrame < minFrame {
			minFrame = m.limits.MaxFrame
		}
		if !any || m.limits.MaxChunk < minChunk {
			minChunk = m.limits.MaxChunk
		}
		if !any || m.limits.MaxReorderBuffer < minReorder {
			minReorder = m.limits.MaxReorderBuffer
		}
		any = true
	}
	if !any {
		sw.negotiatedLimits = DefaultLimits()
		return
	}
	sw.negotiatedLimits = Limits{MaxFrame: minFrame, MaxChunk: minChunk, MaxReorderBuffer: minReorder}
}
