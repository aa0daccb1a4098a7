package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/talkinghead/internal/audio"
	"github.com/ent0n29/talkinghead/internal/playback"
	"github.com/ent0n29/talkinghead/internal/protocol"
	"github.com/ent0n29/talkinghead/internal/reliability"
	"github.com/ent0n29/talkinghead/internal/session"
	"github.com/ent0n29/talkinghead/internal/voice"
)

type streamOptions struct {
	url           string
	file          string
	language      string
	sessionID     string
	voice         string
	realtime      float64
	replyTimeout  time.Duration
	dialAttempts  int
	frameInterval time.Duration
	outPath       string
	quiet         bool
}

func (o *streamOptions) validate() error {
	if strings.TrimSpace(o.file) == "" {
		return errors.New("--file is required")
	}
	if o.realtime <= 0 {
		return errors.New("--realtime must be > 0")
	}
	if o.replyTimeout < time.Second {
		o.replyTimeout = time.Second
	}
	if o.dialAttempts <= 0 {
		o.dialAttempts = 1
	}
	if o.frameInterval <= 0 {
		o.frameInterval = 40 * time.Millisecond
	}
	u, err := websocketURL(o.url)
	if err != nil {
		return fmt.Errorf("--url: %w", err)
	}
	o.url = u
	return nil
}

// serverMessage is the union of the server frames the client reacts to.
type serverMessage struct {
	Type       string          `json:"type"`
	SessionID  string          `json:"sessionId"`
	Code       string          `json:"code"`
	Text       string          `json:"text"`
	IsFinal    bool            `json:"isFinal"`
	AudioData  string          `json:"audioData"`
	Offset     int64           `json:"offset"`
	Duration   float64         `json:"duration"`
	VisemeData []voice.Viseme  `json:"visemeData"`
	Message    json.RawMessage `json:"message"`
}

func websocketURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", errors.New("host is required")
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/v1/ws"
	}
	return u.String(), nil
}

// loadFrames reads a WAV file and returns it as 16 kHz mono PCM16LE frames of
// audio.FrameSamples samples. The last frame may be short.
func loadFrames(path string) ([][]byte, error) {
	wav, err := audio.ReadWAVFile(path)
	if err != nil {
		return nil, err
	}
	pcm, err := audio.Resample(wav.PCM, wav.SampleRate, audio.SampleRate)
	if err != nil {
		return nil, err
	}
	framer := audio.NewFramer(audio.FrameSamples)
	frames := framer.Write(audio.DecodePCM16(pcm))
	if tail := framer.Flush(); tail != nil {
		frames = append(frames, tail)
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("%s contains no audio", path)
	}
	return frames, nil
}

func dial(ctx context.Context, wsURL string, attempts int) (*websocket.Conn, error) {
	var conn *websocket.Conn
	err := reliability.Retry(ctx, attempts, 200*time.Millisecond, 3*time.Second, func(int) error {
		c, res, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
		if err != nil {
			if res != nil && !reliability.IsRetryableHTTPStatus(res.StatusCode) {
				return &reliability.Permanent{Err: fmt.Errorf("dial %s: HTTP %d", wsURL, res.StatusCode)}
			}
			return fmt.Errorf("dial %s: %w", wsURL, err)
		}
		conn = c
		return nil
	})
	return conn, err
}

// dominantPose returns the pose with the highest weight, or "" when the mouth
// is at rest.
func dominantPose(w playback.Weights) (playback.Pose, float64) {
	poses := make([]playback.Pose, 0, len(w))
	for p := range w {
		poses = append(poses, p)
	}
	sort.Slice(poses, func(i, j int) bool { return poses[i] < poses[j] })
	var best playback.Pose
	var weight float64
	for _, p := range poses {
		if w[p] > weight {
			best, weight = p, w[p]
		}
	}
	if weight < 0.05 {
		return "", 0
	}
	return best, weight
}

// client holds the playback side of one streaming run.
type client struct {
	opts      streamOptions
	out       io.Writer
	queue     *playback.Queue
	scheduler *playback.Scheduler

	mu        sync.Mutex
	sessionID string
	replies   int
	pending   map[string]bool

	started  chan string
	stopped  chan struct{}
	replyEnd chan struct{}
	failed   chan error
}

func newClient(opts streamOptions, out io.Writer, sink playback.Sink, logger *slog.Logger) *client {
	clock := playback.SystemClock()
	scheduler := playback.NewScheduler(clock, playback.NewAnimator(playback.DefaultCrossfade), logger)
	return &client{
		opts:      opts,
		out:       out,
		queue:     playback.NewQueue(sink, clock, scheduler.ChunkStarted, logger),
		scheduler: scheduler,
		pending:   make(map[string]bool),
		started:   make(chan string, 1),
		stopped:   make(chan struct{}, 1),
		replyEnd:  make(chan struct{}, 16),
		failed:    make(chan error, 1),
	}
}

func (c *client) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}

func (c *client) handle(msg serverMessage) {
	switch protocol.MessageType(msg.Type) {
	case protocol.TypeRecognitionStarted:
		c.mu.Lock()
		c.sessionID = msg.SessionID
		c.mu.Unlock()
		select {
		case c.started <- msg.SessionID:
		default:
		}
	case protocol.TypeRecognitionResult:
		if msg.IsFinal {
			c.printf("you: %s\n", msg.Text)
		} else if !c.opts.quiet {
			c.printf("  ... %s\n", msg.Text)
		}
	case protocol.TypeChatMessage:
		var turn protocol.ChatTurn
		if err := json.Unmarshal(msg.Message, &turn); err == nil {
			c.printf("avatar: %s\n", turn.Content)
		}
	case protocol.TypeTTSAudioChunk:
		data, err := base64.StdEncoding.DecodeString(msg.AudioData)
		if err != nil {
			c.printf("bad audio chunk for %s: %v\n", msg.SessionID, err)
			return
		}
		c.track(msg.SessionID)
		c.queue.Enqueue(playback.Chunk{
			UtteranceID: msg.SessionID,
			Data:        data,
			Offset:      msg.Offset,
			Duration:    time.Duration(msg.Duration * float64(time.Millisecond)),
		})
	case protocol.TypeTTSVisemeData:
		c.track(msg.SessionID)
		c.scheduler.AddVisemes(msg.SessionID, msg.VisemeData)
	case protocol.TypeTTSSynthesisComplete:
		c.finish(msg.SessionID)
	case protocol.TypeTTSError:
		c.printf("synthesis error %s: %s\n", msg.Code, rawText(msg.Message))
		c.finish(msg.SessionID)
	case protocol.TypeRecognitionStopped:
		select {
		case c.stopped <- struct{}{}:
		default:
		}
	case protocol.TypeRecognitionError, protocol.TypeChatError:
		err := fmt.Errorf("%s %s: %s", msg.Type, msg.Code, rawText(msg.Message))
		if msg.Type == string(protocol.TypeChatError) {
			c.printf("%v\n", err)
			select {
			case c.replyEnd <- struct{}{}:
			default:
			}
			return
		}
		select {
		case c.failed <- err:
		default:
		}
	}
}

func (c *client) track(utteranceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[utteranceID]; !ok {
		c.pending[utteranceID] = true
	}
}

func (c *client) finish(utteranceID string) {
	c.mu.Lock()
	if c.pending[utteranceID] {
		c.pending[utteranceID] = false
		c.replies++
	}
	c.mu.Unlock()
	select {
	case c.replyEnd <- struct{}{}:
	default:
	}
}

func (c *client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case c.failed <- fmt.Errorf("read: %w", err):
			default:
			}
			return
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		c.handle(msg)
	}
}

// interrupt silences the avatar: queued reply audio is discarded and the mouth
// relaxes. It reports how many chunks were cut.
func (c *client) interrupt() int {
	cut := c.queue.Len()
	if c.queue.Playing() {
		cut++
	}
	c.queue.Pause()
	c.scheduler.Reset()
	return cut
}

// animate prints the dominant pose every time it changes until ctx ends.
func (c *client) animate(ctx context.Context) {
	ticker := time.NewTicker(c.opts.frameInterval)
	defer ticker.Stop()
	var last playback.Pose
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pose, weight := dominantPose(c.scheduler.Tick())
			if pose == last {
				continue
			}
			last = pose
			if c.opts.quiet {
				continue
			}
			if pose == "" {
				c.printf("  [mouth] rest\n")
			} else {
				c.printf("  [mouth] %-2s %.2f\n", pose, weight)
			}
		}
	}
}

func runStream(ctx context.Context, opts streamOptions, out io.Writer) error {
	frames, err := loadFrames(opts.file)
	if err != nil {
		return err
	}

	var sinkOut io.Writer
	if opts.outPath != "" {
		f, err := os.Create(opts.outPath)
		if err != nil {
			return fmt.Errorf("create %s: %w", opts.outPath, err)
		}
		defer f.Close()
		sinkOut = f
	}
	c := newClient(opts, out, playback.NewTimedSink(sinkOut), slog.New(slog.NewTextHandler(io.Discard, nil)))

	conn, err := dial(ctx, opts.url, opts.dialAttempts)
	if err != nil {
		return err
	}
	defer conn.Close()
	go c.readLoop(conn)

	var sessionID string
	defer func() {
		if ctx.Err() == nil {
			return
		}
		cut := c.interrupt()
		if sessionID != "" {
			_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
			_ = conn.WriteJSON(protocol.StopRecognition{Type: protocol.TypeStopRecognition, SessionID: sessionID})
		}
		c.printf("interrupted: %d audio chunks discarded\n", cut)
	}()

	animCtx, stopAnim := context.WithCancel(ctx)
	defer stopAnim()
	go c.animate(animCtx)

	start := protocol.StartRecognition{
		Type:        protocol.TypeStartRecognition,
		Language:    opts.language,
		AudioFormat: "pcm",
		SessionID:   opts.sessionID,
	}
	if opts.voice != "" {
		start.Voice = &session.VoiceParams{Name: opts.voice}
	}
	if err := conn.WriteJSON(start); err != nil {
		return fmt.Errorf("send start_recognition: %w", err)
	}

	select {
	case sessionID = <-c.started:
	case err := <-c.failed:
		return err
	case <-time.After(10 * time.Second):
		return errors.New("timed out waiting for recognition_started")
	case <-ctx.Done():
		return ctx.Err()
	}
	if !opts.quiet {
		c.printf("session %s: streaming %d frames from %s\n", sessionID, len(frames), opts.file)
	}

	if err := c.sendFrames(ctx, conn, sessionID, frames); err != nil {
		return err
	}

	if err := c.awaitReplies(ctx); err != nil {
		return err
	}

	if err := conn.WriteJSON(protocol.StopRecognition{Type: protocol.TypeStopRecognition, SessionID: sessionID}); err != nil {
		return fmt.Errorf("send stop_recognition: %w", err)
	}
	select {
	case <-c.stopped:
	case <-time.After(5 * time.Second):
	case <-ctx.Done():
	}

	stats := c.scheduler.Stats()
	c.printf("done: %d replies, %d visemes scheduled (%d late, %d dropped)\n", c.replyCount(), stats.Scheduled, stats.Late, stats.Dropped)
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return nil
}

func (c *client) sendFrames(ctx context.Context, conn *websocket.Conn, sessionID string, frames [][]byte) error {
	for i, frame := range frames {
		msg := protocol.AudioChunk{
			Type:      protocol.TypeAudioChunk,
			SessionID: sessionID,
			AudioData: base64.StdEncoding.EncodeToString(frame),
			ChunkID:   fmt.Sprintf("%s-chunk-%d", sessionID, i+1),
		}
		if err := conn.WriteJSON(msg); err != nil {
			return fmt.Errorf("send frame %d: %w", i+1, err)
		}
		pace := time.Duration(float64(audio.PCMDuration(len(frame)/audio.BytesPerSample, audio.SampleRate)) / c.opts.realtime)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-c.failed:
			return err
		case <-time.After(pace):
		}
	}
	return nil
}

// awaitReplies waits until every reply that started has finished playing, or
// until no reply arrives within the reply timeout.
func (c *client) awaitReplies(ctx context.Context) error {
	timer := time.NewTimer(c.opts.replyTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-c.failed:
			return err
		case <-timer.C:
			if c.replyCount() == 0 {
				return errors.New("no spoken reply before the reply timeout")
			}
			return nil
		case <-c.replyEnd:
			if c.inFlight() > 0 {
				continue
			}
			if err := c.queue.Wait(ctx); err != nil {
				return err
			}
			if c.inFlight() == 0 {
				return nil
			}
		}
	}
}

func (c *client) inFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, open := range c.pending {
		if open {
			n++
		}
	}
	return n
}

func (c *client) replyCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replies
}

func rawText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
