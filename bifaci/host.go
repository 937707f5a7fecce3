package bifaci

import (
	"io"
	"os/exec"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/pluginmesh/bifaci/capurn"
)

// pluginEvent is an internal event posted by a plugin's reader goroutine.
type pluginEvent struct {
	pluginIdx int
	frame     *Frame
	isDeath   bool
	deathErr  error
}

// capTableEntry maps a cap URN to the plugin index registered to serve it.
type capTableEntry struct {
	capUrn    string
	pluginIdx int
}

// routingEntry tracks one in-flight request so continuation and terminal
// frames can be routed to the right plugin regardless of which side is
// speaking next. pluginIsResponder records which side owes the answer:
// true when the relay sent the REQ (plugin must respond), false when the
// plugin sent the REQ as a peer invoke (the relay/engine must respond).
// Only the responder's terminal frame closes the entry — the requester's
// own END just marks the end of its request body.
type routingEntry struct {
	pluginIdx         int
	msgId             MessageId
	pluginIsResponder bool
}

// ManagedPlugin is one plugin subprocess or pre-connected peer under a
// PluginHost's management.
type ManagedPlugin struct {
	path        string
	cmd         *exec.Cmd
	writerCh    chan *Frame
	manifest    []byte
	limits      Limits
	caps        []string
	knownCaps   []string
	running     bool
	helloFailed bool
}

// PluginHost manages N plugin subprocesses (or pre-connected peers) behind
// one capability-routed relay connection. REQ frames are routed to the
// plugin whose registered capability accepts the request; continuation
// frames (STREAM_START, CHUNK, STREAM_END, END, ERR) are routed by request
// id to whichever plugin is already handling that request.
type PluginHost struct {
	matcher        capurn.Matcher
	plugins        []*ManagedPlugin
	capTable       []capTableEntry
	requestRouting map[string]routingEntry
	capabilities   []byte
	eventCh        chan pluginEvent
	mu             sync.Mutex
	log            *logrus.Entry
}

// NewPluginHost returns an empty host. log may be nil, in which case
// logrus.StandardLogger() is used.
func NewPluginHost(log *logrus.Entry) *PluginHost {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &PluginHost{
		matcher:        capurn.ExactMatcher{},
		requestRouting: make(map[string]routingEntry),
		eventCh:        make(chan pluginEvent, 256),
		log:            log,
	}
}

// RegisterPlugin registers a plugin binary for on-demand spawning. The
// plugin's process is not started until a REQ arrives for one of its known
// caps.
func (h *PluginHost) RegisterPlugin(path string, knownCaps []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	pluginIdx := len(h.plugins)
	h.plugins = append(h.plugins, &ManagedPlugin{
		path:      path,
		knownCaps: knownCaps,
		limits:    DefaultLimits(),
	})
	for _, cap := range knownCaps {
		h.capTable = append(h.capTable, capTableEntry{capUrn: cap, pluginIdx: pluginIdx})
	}
}

// AttachPlugin attaches a pre-connected plugin (already running, already
// listening) and runs the HELLO handshake against it immediately.
func (h *PluginHost) AttachPlugin(pluginRead io.Reader, pluginWrite io.Writer) (int, error) {
	reader := NewFrameReader(pluginRead)
	writer := NewFrameWriter(pluginWrite)

	manifest, limits, err := HandshakeInitiate(reader, writer, h.log)
	if err != nil {
		return -1, err
	}
	reader.SetLimits(limits)
	writer.SetLimits(limits)

	caps, err := DecodeManifest(manifest)
	if err != nil {
		return -1, err
	}

	h.mu.Lock()
	pluginIdx := len(h.plugins)
	writerCh := make(chan *Frame, 64)
	plugin := &ManagedPlugin{
		writerCh: writerCh,
		manifest: manifest,
		limits:   limits,
		caps:     caps,
		running:  true,
	}
	h.plugins = append(h.plugins, plugin)
	for _, cap := range caps {
		h.capTable = append(h.capTable, capTableEntry{capUrn: cap, pluginIdx: pluginIdx})
	}
	h.rebuildCapabilities()
	h.mu.Unlock()

	h.log.WithField("plugin_idx", pluginIdx).Info("plugin attached")

	go h.writerLoop(writer, writerCh)
	go h.readerLoop(pluginIdx, reader)

	return pluginIdx, nil
}

// Capabilities returns the aggregate manifest of all running plugins.
func (h *PluginHost) Capabilities() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.capabilities
}

// FindPluginForCap returns the plugin index registered to serve capUrn.
func (h *PluginHost) FindPluginForCap(capUrn string) (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.findPluginForCapLocked(capUrn)
}

func (h *PluginHost) findPluginForCapLocked(capUrn string) (int, bool) {
	registered := make([]string, len(h.capTable))
	for i, entry := range h.capTable {
		registered[i] = entry.capUrn
	}
	idx := capurn.Best(h.matcher, capUrn, registered)
	if idx < 0 {
		return -1, false
	}
	return h.capTable[idx].pluginIdx, true
}

// Run drives the host's event loop: frames from the relay and from every
// attached plugin are multiplexed onto one goroutine so routing state
// needs no lock beyond the brief critical sections above. Blocks until the
// relay connection closes or a fatal protocol error occurs.
func (h *PluginHost) Run(relayRead io.Reader, relayWrite io.Writer) error {
	relayReader := NewFrameReader(relayRead)
	relayWriter := NewFrameWriter(relayWrite)

	relayCh := make(chan *Frame, 64)
	relayDone := make(chan error, 1)
	go func() {
		for {
			frame, err := relayReader.ReadFrame()
			if err != nil {
				if err == io.EOF {
					relayDone <- nil
				} else {
					relayDone <- err
				}
				close(relayCh)
				return
			}
			relayCh <- frame
		}
	}()

	for {
		select {
		case frame, ok := <-relayCh:
			if !ok {
				err := <-relayDone
				h.killAllPlugins()
				return err
			}
			if err := h.handleRelayFrame(frame, relayWriter); err != nil {
				h.killAllPlugins()
				return err
			}

		case event := <-h.eventCh:
			if event.isDeath {
				h.handlePluginDeath(event.pluginIdx, event.deathErr, relayWriter)
			} else if event.frame != nil {
				h.handlePluginFrame(event.pluginIdx, event.frame, relayWriter)
			}
		}
	}
}

func (h *PluginHost) handleRelayFrame(frame *Frame, relayWriter *FrameWriter) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	idKey := frame.Id.mapKey()

	switch frame.FrameType {
	case FrameTypeReq:
		capUrn := ""
		if frame.Cap != nil {
			capUrn = *frame.Cap
		}

		pluginIdx, found := h.findPluginForCapLocked(capUrn)
		if !found {
			relayWriter.WriteFrame(NewErr(frame.Id, ErrCodeNoHandler, (&NoHandlerError{CapUrn: capUrn}).Error()))
			return nil
		}

		plugin := h.plugins[pluginIdx]
		if !plugin.running {
			if plugin.helloFailed {
				relayWriter.WriteFrame(NewErr(frame.Id, ErrCodeHandshakeFailed, "plugin previously failed to start"))
				return nil
			}
			if err := h.spawnPluginLocked(pluginIdx); err != nil {
				relayWriter.WriteFrame(NewErr(frame.Id, ErrCodeHandshakeFailed, err.Error()))
				return nil
			}
		}

		h.requestRouting[idKey] = routingEntry{pluginIdx: pluginIdx, msgId: frame.Id, pluginIsResponder: true}
		h.sendToPlugin(pluginIdx, frame)

	case FrameTypeStreamStart, FrameTypeChunk, FrameTypeStreamEnd:
		if entry, ok := h.requestRouting[idKey]; ok {
			h.sendToPlugin(entry.pluginIdx, frame)
		}

	case FrameTypeEnd, FrameTypeErr:
		if entry, ok := h.requestRouting[idKey]; ok {
			h.sendToPlugin(entry.pluginIdx, frame)
			if !entry.pluginIsResponder {
				delete(h.requestRouting, idKey)
			}
		}

	case FrameTypeHeartbeat:
		if entry, ok := h.requestRouting[idKey]; ok {
			h.sendToPlugin(entry.pluginIdx, frame)
			return nil
		}
		relayWriter.WriteFrame(NewHeartbeat(frame.Id))
		return nil

	case FrameTypeHello:
		return &ProtocolError{Reason: "unexpected HELLO after handshake"}

	case FrameTypeRelayNotify, FrameTypeRelayState:
		return &ProtocolError{Reason: "relay-only frame " + frame.FrameType.String() + " reached plugin host"}
	}

	return nil
}

func (h *PluginHost) handlePluginFrame(pluginIdx int, frame *Frame, relayWriter *FrameWriter) {
	h.mu.Lock()
	defer h.mu.Unlock()

	idKey := frame.Id.mapKey()

	switch frame.FrameType {
	case FrameTypeHeartbeat:
		h.sendToPlugin(pluginIdx, NewHeartbeat(frame.Id))

	case FrameTypeHello:
		return

	case FrameTypeReq:
		h.requestRouting[idKey] = routingEntry{pluginIdx: pluginIdx, msgId: frame.Id, pluginIsResponder: false}
		relayWriter.WriteFrame(frame)

	case FrameTypeLog, FrameTypeStreamStart, FrameTypeChunk, FrameTypeStreamEnd:
		relayWriter.WriteFrame(frame)

	case FrameTypeEnd, FrameTypeErr:
		relayWriter.WriteFrame(frame)
		if entry, ok := h.requestRouting[idKey]; ok && entry.pluginIsResponder {
			delete(h.requestRouting, idKey)
		}
	}
}

func (h *PluginHost) handlePluginDeath(pluginIdx int, deathErr error, relayWriter *FrameWriter) {
	h.mu.Lock()
	defer h.mu.Unlock()

	plugin := h.plugins[pluginIdx]
	plugin.running = false
	h.log.WithField("plugin_idx", pluginIdx).WithError(deathErr).Warn("plugin died")

	if plugin.writerCh != nil {
		close(plugin.writerCh)
		plugin.writerCh = nil
	}
	if plugin.cmd != nil && plugin.cmd.Process != nil {
		plugin.cmd.Process.Kill()
		plugin.cmd = nil
	}

	for reqId, entry := range h.requestRouting {
		if entry.pluginIdx != pluginIdx {
			continue
		}
		relayWriter.WriteFrame(NewErr(entry.msgId, ErrCodePluginDied, (&PluginDiedError{PluginName: plugin.path, ExitErr: deathErr}).Error()))
		delete(h.requestRouting, reqId)
	}

	h.updateCapTable()
	h.rebuildCapabilities()
}

func (h *PluginHost) sendToPlugin(pluginIdx int, frame *Frame) {
	plugin := h.plugins[pluginIdx]
	if plugin.writerCh == nil {
		return
	}
	select {
	case plugin.writerCh <- frame:
	default:
		h.log.WithField("plugin_idx", pluginIdx).Warn("plugin writer channel full, dropping frame")
	}
}

func (h *PluginHost) writerLoop(writer *FrameWriter, ch chan *Frame) {
	for frame := range ch {
		if err := writer.WriteFrame(frame); err != nil {
			return
		}
	}
}

func (h *PluginHost) readerLoop(pluginIdx int, reader *FrameReader) {
	for {
		frame, err := reader.ReadFrame()
		if err != nil {
			h.eventCh <- pluginEvent{pluginIdx: pluginIdx, isDeath: true, deathErr: err}
			return
		}
		h.eventCh <- pluginEvent{pluginIdx: pluginIdx, frame: frame}
	}
}

func (h *PluginHost) spawnPluginLocked(pluginIdx int) error {
	plugin := h.plugins[pluginIdx]
	if plugin.path == "" {
		plugin.helloFailed = true
		return &HandshakeFailedError{Reason: "plugin has no executable path"}
	}

	cmd := exec.Command(plugin.path)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		plugin.helloFailed = true
		return &IOError{Op: "open plugin stdin", Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		plugin.helloFailed = true
		return &IOError{Op: "open plugin stdout", Err: err}
	}
	if err := cmd.Start(); err != nil {
		plugin.helloFailed = true
		return &IOError{Op: "start plugin process", Err: err}
	}
	plugin.cmd = cmd

	reader := NewFrameReader(stdout)
	writer := NewFrameWriter(stdin)

	manifest, limits, err := HandshakeInitiate(reader, writer, h.log)
	if err != nil {
		plugin.helloFailed = true
		cmd.Process.Kill()
		return err
	}
	reader.SetLimits(limits)
	writer.SetLimits(limits)

	caps, err := DecodeManifest(manifest)
	if err != nil {
		plugin.helloFailed = true
		cmd.Process.Kill()
		return err
	}

	plugin.manifest = manifest
	plugin.limits = limits
	plugin.caps = caps
	plugin.running = true

	writerCh := make(chan *Frame, 64)
	plugin.writerCh = writerCh

	h.updateCapTable()
	h.rebuildCapabilities()
	h.log.WithFields(logrus.Fields{"plugin_idx": pluginIdx, "path": plugin.path}).Info("plugin spawned")

	go h.writerLoop(writer, writerCh)
	go h.readerLoop(pluginIdx, reader)

	return nil
}

func (h *PluginHost) updateCapTable() {
	h.capTable = nil
	for idx, plugin := range h.plugins {
		if plugin.helloFailed {
			continue
		}
		caps := plugin.knownCaps
		if plugin.running && len(plugin.caps) > 0 {
			caps = plugin.caps
		}
		for _, cap := range caps {
			h.capTable = append(h.capTable, capTableEntry{capUrn: cap, pluginIdx: idx})
		}
	}
}

func (h *PluginHost) rebuildCapabilities() {
	var allCaps []string
	for _, plugin := range h.plugins {
		if plugin.running {
			allCaps = append(allCaps, plugin.caps...)
		}
	}
	if len(allCaps) == 0 {
		h.capabilities = nil
		return
	}
	manifest, err := EncodeManifest(MergeManifests(allCaps))
	if err != nil {
		h.capabilities = nil
		return
	}
	h.capabilities = manifest
}

func (h *PluginHost) killAllPlugins() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, plugin := range h.plugins {
		if plugin.writerCh != nil {
			close(plugin.writerCh)
			plugin.writerCh = nil
		}
		if plugin.cmd != nil && plugin.cmd.Process != nil {
			plugin.cmd.Process.Kill()
		}
		plugin.running = false
	}
}
