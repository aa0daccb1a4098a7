package httpapi

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/talkinghead/internal/events"
	"github.com/ent0n29/talkinghead/internal/protocol"
	"github.com/ent0n29/talkinghead/internal/recognition"
	"github.com/ent0n29/talkinghead/internal/voice"
)

const (
	wsReadLimit    = 2 << 20
	wsReadTimeout  = 120 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
	wsOutboundSize = 256
)

// wsConn is one client connection. It receives the events of every session it
// started until it disconnects.
type wsConn struct {
	srv      *Server
	conn     *websocket.Conn
	clientID string
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	out    chan events.Event

	mu      sync.Mutex
	subs    map[string]func()
	current string
	wg      sync.WaitGroup
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.recognition == nil {
		respondError(w, "recognition unavailable", voice.ErrNotInitialized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	clientID := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	c := &wsConn{
		srv:      s,
		conn:     conn,
		clientID: clientID,
		log:      s.log.With(slog.String("client_id", clientID)),
		ctx:      ctx,
		cancel:   cancel,
		out:      make(chan events.Event, wsOutboundSize),
		subs:     make(map[string]func()),
	}
	s.metrics.ConnectionOpened()
	s.metrics.SessionEvent("ws_connected")
	c.log.Info("client connected", slog.String("remote", r.RemoteAddr))

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	c.readLoop()

	cancel()
	c.cleanup()
	<-writerDone
	s.metrics.ConnectionClosed()
	s.metrics.SessionEvent("ws_disconnected")
	c.log.Info("client disconnected")
}

func (c *wsConn) readLoop() {
	c.conn.SetReadLimit(wsReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		msg, err := protocol.ParseClientMessage(data)
		if err != nil {
			c.srv.metrics.WSMessage("inbound", "invalid")
			c.recognitionError("", protocol.CodeInvalidMessage, err.Error())
			continue
		}
		c.handle(msg)
		if c.ctx.Err() != nil {
			return
		}
	}
}

func (c *wsConn) handle(msg any) {
	switch m := msg.(type) {
	case protocol.StartRecognition:
		c.srv.metrics.WSMessage("inbound", string(m.Type))
		c.startRecognition(m)
	case protocol.AudioChunk:
		c.srv.metrics.WSMessage("inbound", string(m.Type))
		c.audioChunk(m)
	case protocol.StopRecognition:
		c.srv.metrics.WSMessage("inbound", string(m.Type))
		c.stopRecognition(m)
	case protocol.GetSessionStatus:
		c.srv.metrics.WSMessage("inbound", string(m.Type))
		c.sessionStatus(m)
	case protocol.StopSynthesis:
		c.srv.metrics.WSMessage("inbound", string(m.Type))
		c.stopSynthesis(m)
	case protocol.ClearHistory:
		c.srv.metrics.WSMessage("inbound", string(m.Type))
		c.clearHistory(m)
	}
}

func (c *wsConn) startRecognition(m protocol.StartRecognition) {
	id := strings.TrimSpace(m.SessionID)
	if id == "" {
		id = recognition.DefaultSessionID(c.clientID, time.Now())
	}
	// Subscribe first so no early result of the new session is missed.
	fresh := c.subscribe(id)
	sess, err := c.srv.recognition.Start(c.ctx, recognition.StartRequest{
		SessionID:   id,
		ClientID:    c.clientID,
		Language:    m.Language,
		AudioFormat: m.AudioFormat,
		Voice:       m.Voice,
	})
	if err != nil {
		if fresh {
			c.unsubscribe(id)
		}
		c.log.Warn("start recognition failed", slog.String("session_id", id), slog.Any("error", err))
		c.recognitionError(id, protocol.CodeStartError, err.Error())
		return
	}
	c.mu.Lock()
	c.current = sess.ID
	c.mu.Unlock()
	c.send(protocol.TypeRecognitionStarted, protocol.RecognitionStarted{
		Type:      protocol.TypeRecognitionStarted,
		SessionID: sess.ID,
		Timestamp: nowMillis(),
	}, true)
}

func (c *wsConn) audioChunk(m protocol.AudioChunk) {
	frame, err := base64.StdEncoding.DecodeString(m.AudioData)
	if err != nil {
		c.recognitionError(m.SessionID, protocol.CodeAudioChunk, "audioData is not valid base64")
		return
	}
	if err := c.srv.recognition.PushAudio(m.SessionID, frame); err != nil {
		c.recognitionError(m.SessionID, protocol.CodeAudioChunk, err.Error())
		return
	}
	c.send(protocol.TypeAudioChunkReceived, protocol.AudioChunkReceived{
		Type:      protocol.TypeAudioChunkReceived,
		ChunkID:   m.ChunkID,
		SessionID: m.SessionID,
		Timestamp: nowMillis(),
	}, false)
}

func (c *wsConn) stopRecognition(m protocol.StopRecognition) {
	id := c.sessionOrCurrent(m.SessionID)
	results, err := c.srv.recognition.Stop(id)
	if err != nil {
		c.recognitionError(id, protocol.CodeStopError, err.Error())
		return
	}
	c.send(protocol.TypeRecognitionStopped, protocol.RecognitionStopped{
		Type:      protocol.TypeRecognitionStopped,
		SessionID: id,
		Results:   results,
	}, true)
}

func (c *wsConn) sessionStatus(m protocol.GetSessionStatus) {
	id := c.sessionOrCurrent(m.SessionID)
	sess, err := c.srv.recognition.Get(id)
	if err != nil {
		c.recognitionError(id, protocol.CodeStatusError, err.Error())
		return
	}
	c.send(protocol.TypeSessionStatus, protocol.SessionStatus{
		Type:      protocol.TypeSessionStatus,
		SessionID: id,
		Session:   sess,
	}, true)
}

// stopSynthesis accepts either a synthesis id or a recognition session id,
// in which case every reply of that session is stopped.
func (c *wsConn) stopSynthesis(m protocol.StopSynthesis) {
	if c.srv.synthesis == nil {
		return
	}
	if _, ok := c.srv.synthesis.Stop(m.SessionID); ok {
		return
	}
	if n := c.srv.synthesis.StopSession(m.SessionID, false); n == 0 {
		c.log.Debug("stop_synthesis for unknown id", slog.String("id", m.SessionID))
	}
}

func (c *wsConn) clearHistory(m protocol.ClearHistory) {
	if c.srv.conversation == nil {
		return
	}
	id := c.sessionOrCurrent(m.SessionID)
	if err := c.srv.conversation.Clear(c.ctx, id); err != nil {
		c.send(protocol.TypeChatError, protocol.ChatError{
			Type:      protocol.TypeChatError,
			SessionID: id,
			Code:      "HISTORY_ERROR",
			Message:   err.Error(),
		}, true)
	}
}

func (c *wsConn) sessionOrCurrent(id string) string {
	if id = strings.TrimSpace(id); id != "" {
		return id
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *wsConn) recognitionError(sessionID, code, message string) {
	c.send(protocol.TypeRecognitionError, protocol.RecognitionError{
		Type:      protocol.TypeRecognitionError,
		SessionID: sessionID,
		Code:      code,
		Message:   message,
	}, true)
}

// send queues a direct reply. Non-critical replies are dropped when the
// client is not keeping up.
func (c *wsConn) send(t protocol.MessageType, payload any, critical bool) {
	ev := events.Event{Type: string(t), Payload: payload, Critical: critical}
	if !critical {
		select {
		case c.out <- ev:
		default:
			c.srv.metrics.HubDrop(ev.Type)
		}
		return
	}
	select {
	case c.out <- ev:
	case <-c.ctx.Done():
	}
}

// subscribe forwards hub events of sessionID to the client. It reports whether
// a new subscription was created.
func (c *wsConn) subscribe(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[sessionID]; ok {
		return false
	}
	ch, cancel := c.srv.hub.Subscribe(sessionID)
	done := make(chan struct{})
	c.subs[sessionID] = func() {
		cancel()
		close(done)
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case ev := <-ch:
				select {
				case c.out <- ev:
				case <-done:
					return
				case <-c.ctx.Done():
					return
				}
			case <-done:
				return
			case <-c.ctx.Done():
				return
			}
		}
	}()
	return true
}

func (c *wsConn) unsubscribe(sessionID string) {
	c.mu.Lock()
	stop, ok := c.subs[sessionID]
	delete(c.subs, sessionID)
	c.mu.Unlock()
	if ok {
		stop()
	}
}

func (c *wsConn) writeLoop() {
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-c.ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				c.cancel()
				return
			}
		case ev := <-c.out:
			data, err := sonic.Marshal(ev.Payload)
			if err != nil {
				c.log.Warn("encode outbound message failed", slog.String("type", ev.Type), slog.Any("error", err))
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.srv.metrics.SessionEvent("ws_write_error")
				c.cancel()
				// Unblock the reader so the connection tears down.
				_ = c.conn.Close()
				return
			}
			c.srv.metrics.WSMessage("outbound", ev.Type)
		}
	}
}

// cleanup stops everything the client started: recognition sessions, their
// syntheses and their conversation state.
func (c *wsConn) cleanup() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]func())
	c.mu.Unlock()
	for _, stop := range subs {
		stop()
	}
	c.wg.Wait()

	ids := c.srv.recognition.StopClient(c.clientID)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, id := range ids {
		// The worker goes first so it cannot start a reply after the
		// session's syntheses are stopped.
		if c.srv.conversation != nil {
			if err := c.srv.conversation.Close(ctx, id); err != nil && !errors.Is(err, context.Canceled) {
				c.log.Warn("close conversation failed", slog.String("session_id", id), slog.Any("error", err))
			}
		}
		if c.srv.synthesis != nil {
			c.srv.synthesis.StopSession(id, true)
		}
	}
	if len(ids) > 0 {
		c.log.Info("client sessions cleaned up", slog.Int("sessions", len(ids)))
	}
}
