package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
)

// State is the session's externally visible mode.
type State string

const (
	StateListening  State = "listening"
	StateProcessing State = "processing"
	StateSpeaking   State = "speaking"
)

const (
	// maxSTTBacklog bounds the frames buffered while the upstream STT
	// session is still being established.
	maxSTTBacklog = 64
	// maxQueuedSentences bounds the per-turn TTS job queue.
	maxQueuedSentences = 64
)

// Session drives one client connection through the
// listening/processing/speaking pipeline. All state transitions happen on
// a single actor goroutine (Run); collaborators post events to it.
type Session struct {
	id   int64
	conn Transport
	stt  STTProvider
	llm  LLMProvider
	tts  TTSProvider
	cfg  Config
	log  zerolog.Logger

	verify       SpeakerVerifier
	verification bool

	ctx    context.Context
	cancel context.CancelFunc
	events chan event
	done   chan struct{}

	// Actor-owned fields. Only touched from Run's goroutine.
	state       State
	muteUntil   time.Time
	interrupted bool
	history     []Message

	sttGen      uint64
	sttStream   STTStream
	sttStarting bool
	sttBacklog  [][]byte

	turnSeq uint64
	turn    *turn
}

// turn is the pipeline state of one user utterance plus its response.
type turn struct {
	seq              uint64
	cancel           context.CancelFunc
	queue            slotQueue
	jobs             chan ttsJob
	pendingTTS       int
	llmDone          bool
	audioSent        bool
	awaitingPlayback bool
	playbackTimer    *time.Timer
}

type ttsJob struct {
	index int
	text  string
}

// Events posted to the session actor.
type event any

type evClientAudio struct{ pcm []byte }
type evPlaybackDone struct{}
type evInterrupt struct{}
type evDisconnect struct{ err error }

type evSTTStarted struct {
	gen    uint64
	stream STTStream
	err    error
}
type evSTTInterim struct {
	gen  uint64
	text string
}
type evSTTFinal struct {
	gen  uint64
	text string
}
type evUtteranceEnd struct {
	gen        uint64
	transcript string
}
type evSTTError struct {
	gen uint64
	err error
}

type evSentence struct {
	seq  uint64
	text string
}
type evLLMDone struct {
	seq      uint64
	response string
	err      error
}
type evSlotDone struct {
	seq   uint64
	index int
	audio []byte
	err   error
}
type evPlaybackTimeout struct{ seq uint64 }

// NewSession wires a session for one accepted connection.
func NewSession(ctx context.Context, id int64, conn Transport, stt STTProvider, llm LLMProvider, tts TTSProvider, cfg Config, logger zerolog.Logger) *Session {
	sctx, cancel := context.WithCancel(ctx)
	return &Session{
		id:     id,
		conn:   conn,
		stt:    stt,
		llm:    llm,
		tts:    tts,
		cfg:    cfg,
		log:    logger.With().Int64("session", id).Logger(),
		verify: AllowAll,
		ctx:    sctx,
		cancel: cancel,
		events: make(chan event, 256),
		done:   make(chan struct{}),
		state:  StateListening,
	}
}

// SetSpeakerVerifier installs an authorization predicate applied to every
// inbound audio frame before it reaches the STT upstream.
func (s *Session) SetSpeakerVerifier(v SpeakerVerifier) {
	if v == nil {
		return
	}
	s.verify = v
	s.verification = true
}

// ID returns the process-unique session id.
func (s *Session) ID() int64 { return s.id }

// Run executes the session actor until disconnect or shutdown. It must be
// called exactly once.
func (s *Session) Run() {
	defer close(s.done)
	defer s.shutdown()

	s.sendConfig()
	s.conn.Send(newStateMessage(s.state))

	for {
		select {
		case ev := <-s.events:
			if stop := s.handle(ev); stop {
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// Stop asks the actor to terminate. Used by the supervisor on shutdown.
func (s *Session) Stop() { s.cancel() }

// Done is closed when the actor has finished cleanup.
func (s *Session) Done() <-chan struct{} { return s.done }

// HandleRaw parses one inbound frame and posts it to the actor. Called
// from the connection read loop. Protocol violations answer with an error
// message and change nothing.
func (s *Session) HandleRaw(data []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.conn.Send(newErrorMessage("malformed message"))
		return
	}
	switch msg.Type {
	case TypeAudio:
		pcm, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil {
			s.conn.Send(newErrorMessage("invalid audio payload"))
			return
		}
		s.post(evClientAudio{pcm: pcm})
	case TypePlaybackDone:
		s.post(evPlaybackDone{})
	case TypeInterrupt:
		s.post(evInterrupt{})
	case TypePing:
		s.conn.Send(PongMessage{Type: TypePong})
	default:
		s.conn.Send(newErrorMessage("unknown message type: " + msg.Type))
	}
}

// Disconnect reports a dead transport. The actor runs the session-end path
// unconditionally.
func (s *Session) Disconnect(err error) {
	s.post(evDisconnect{err: err})
}

func (s *Session) post(ev event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *Session) handle(ev event) (stop bool) {
	switch ev := ev.(type) {
	case evClientAudio:
		s.onClientAudio(ev.pcm)
	case evPlaybackDone:
		s.onPlaybackDone()
	case evPlaybackTimeout:
		if s.turn != nil && s.turn.seq == ev.seq && s.turn.awaitingPlayback {
			s.log.Warn().Msg("no playback_done from client, resuming listening")
			s.onPlaybackDone()
		}
	case evInterrupt:
		s.onInterrupt()
	case evDisconnect:
		s.log.Info().AnErr("cause", ev.err).Msg("client disconnected")
		return true
	case evSTTStarted:
		s.onSTTStarted(ev)
	case evSTTInterim:
		if ev.gen == s.sttGen {
			s.log.Debug().Str("text", ev.text).Msg("interim transcript")
		}
	case evSTTFinal:
		if ev.gen == s.sttGen {
			s.log.Debug().Str("text", ev.text).Msg("final segment")
		}
	case evSTTError:
		s.onSTTError(ev)
	case evUtteranceEnd:
		s.onUtteranceEnd(ev)
	case evSentence:
		s.onSentence(ev)
	case evLLMDone:
		s.onLLMDone(ev)
	case evSlotDone:
		s.onSlotDone(ev)
	}
	return false
}

func (s *Session) sendConfig() {
	s.conn.Send(ConfigMessage{
		Type:                TypeConfig,
		Version:             ProtocolVersion,
		STT:                 s.stt.Name(),
		TTS:                 s.tts.Name(),
		SpeakerVerification: s.verification,
		Backend:             "lokutor-gateway",
	})
}

func (s *Session) setState(st State) {
	if s.state == st {
		return
	}
	s.state = st
	s.log.Debug().Str("state", string(st)).Msg("state transition")
	s.conn.Send(newStateMessage(st))
}

// --- inbound audio / STT -------------------------------------------------

func (s *Session) onClientAudio(pcm []byte) {
	// Echo discipline: while not listening, or inside a mute window, the
	// frame never reaches any STT upstream.
	if s.state != StateListening || time.Now().Before(s.muteUntil) {
		return
	}
	if !s.verify(pcm) {
		return
	}
	if s.sttStream == nil {
		if len(s.sttBacklog) < maxSTTBacklog {
			s.sttBacklog = append(s.sttBacklog, pcm)
		} else {
			s.sttBacklog = append(s.sttBacklog[1:], pcm)
		}
		if !s.sttStarting {
			s.sttStarting = true
			s.sttGen++
			go s.startSTT(s.sttGen)
		}
		return
	}
	if err := s.sttStream.Send(pcm); err != nil {
		s.log.Warn().Err(err).Msg("stt send failed")
	}
}

// startSTT establishes the upstream off the actor goroutine. The startup
// flag guarantees at most one in-flight start; the generation counter
// invalidates the result if the session moved on meanwhile.
func (s *Session) startSTT(gen uint64) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.STTStartTimeout)
	defer cancel()
	cb := STTCallbacks{
		Interim:      func(text string) { s.post(evSTTInterim{gen: gen, text: text}) },
		Final:        func(text string) { s.post(evSTTFinal{gen: gen, text: text}) },
		UtteranceEnd: func(tr string) { s.post(evUtteranceEnd{gen: gen, transcript: tr}) },
		Err:          func(err error) { s.post(evSTTError{gen: gen, err: err}) },
	}
	stream, err := s.stt.Stream(ctx, cb)
	s.post(evSTTStarted{gen: gen, stream: stream, err: err})
}

func (s *Session) onSTTStarted(ev evSTTStarted) {
	s.sttStarting = false
	if ev.gen != s.sttGen || s.state != StateListening {
		if ev.stream != nil {
			ev.stream.Close()
		}
		return
	}
	if ev.err != nil {
		s.sttBacklog = nil
		s.log.Error().Err(ev.err).Msg("stt session start failed")
		s.conn.Send(newErrorMessage("speech recognition is unavailable right now"))
		return
	}
	s.sttStream = ev.stream
	s.log.Debug().Msg("stt session bound")
	for _, frame := range s.sttBacklog {
		s.sttStream.Send(frame)
	}
	s.sttBacklog = nil
}

func (s *Session) onSTTError(ev evSTTError) {
	if ev.gen != s.sttGen {
		return
	}
	s.log.Error().Err(ev.err).Msg("stt upstream failed")
	s.destroySTT()
	if s.state == StateListening {
		s.conn.Send(newErrorMessage("speech recognition hiccup, keep talking"))
	}
}

// destroySTT tears down the upstream binding and invalidates every pending
// callback of the old generation.
func (s *Session) destroySTT() {
	if s.sttStream != nil {
		s.sttStream.Close()
		s.sttStream = nil
	}
	s.sttGen++
	s.sttBacklog = nil
}

func (s *Session) onUtteranceEnd(ev evUtteranceEnd) {
	if ev.gen != s.sttGen || s.state != StateListening {
		return
	}
	text := strings.TrimSpace(ev.transcript)
	if text == "" {
		// All-silence utterance: no transcript, no turn, upstream stays.
		return
	}
	s.log.Info().Str("transcript", text).Msg("utterance end")

	// The upstream is destroyed before we leave listening so the system's
	// own speech can never be transcribed.
	s.destroySTT()
	s.appendHistory("user", text)
	s.conn.Send(newTranscriptMessage(text))
	s.setState(StateProcessing)
	s.startTurn()
}

// --- turn pipeline -------------------------------------------------------

func (s *Session) startTurn() {
	s.turnSeq++
	tctx, cancel := context.WithCancel(s.ctx)
	t := &turn{
		seq:    s.turnSeq,
		cancel: cancel,
		jobs:   make(chan ttsJob, maxQueuedSentences),
	}
	s.turn = t

	msgs := make([]Message, 0, len(s.history)+1)
	msgs = append(msgs, Message{Role: "system", Content: s.cfg.SystemPrompt})
	msgs = append(msgs, s.history...)

	go s.consumeLLM(tctx, t.seq, msgs)
	go s.runTTSJobs(tctx, t.seq, t.jobs)
}

// consumeLLM pulls deltas, segments them into sentences and posts each
// complete sentence for synthesis. Runs off the actor goroutine; stops
// pulling as soon as the turn context is cancelled.
func (s *Session) consumeLLM(ctx context.Context, seq uint64, msgs []Message) {
	lctx, cancel := context.WithTimeout(ctx, s.cfg.LLMTimeout)
	defer cancel()

	stream, err := s.llm.Stream(lctx, msgs)
	if err != nil {
		if ctx.Err() == nil {
			s.post(evLLMDone{seq: seq, err: fmt.Errorf("%w: %v", ErrLLMFailed, err)})
		}
		return
	}
	defer stream.Close()

	var buf string
	var full strings.Builder
	for {
		delta, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctx.Err() == nil {
				s.post(evLLMDone{seq: seq, err: fmt.Errorf("%w: %v", ErrLLMFailed, err)})
			}
			return
		}
		full.WriteString(delta)
		buf += delta
		sentences, rest := SplitSentences(buf)
		buf = rest
		for _, sent := range sentences {
			s.post(evSentence{seq: seq, text: sent})
		}
	}
	// An unterminated tail is still worth speaking; dropping it would
	// swallow the end of the reply.
	if rest := strings.TrimSpace(buf); visibleRunes(rest) >= minSentenceRunes {
		s.post(evSentence{seq: seq, text: rest})
	}
	s.post(evLLMDone{seq: seq, response: strings.TrimSpace(full.String())})
}

// runTTSJobs executes the turn's synthesis jobs strictly serially, in
// submission order. Completion order therefore matches submission order,
// but emission is still driven through the slot queue so an interleaved
// failure cannot reorder anything.
func (s *Session) runTTSJobs(ctx context.Context, seq uint64, jobs <-chan ttsJob) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-jobs:
			jctx, cancel := context.WithTimeout(ctx, s.cfg.TTSTimeout)
			audio, err := s.tts.Synthesize(jctx, job.text)
			cancel()
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				err = fmt.Errorf("%w: %v", ErrTTSFailed, err)
			}
			s.post(evSlotDone{seq: seq, index: job.index, audio: audio, err: err})
		}
	}
}

func (s *Session) onSentence(ev evSentence) {
	t := s.turn
	if t == nil || t.seq != ev.seq || s.interrupted {
		return
	}
	index := t.queue.Reserve(ev.text)
	t.pendingTTS++
	select {
	case t.jobs <- ttsJob{index: index, text: ev.text}:
	default:
		s.log.Warn().Int("index", index).Msg("tts job queue full, failing slot")
		t.queue.Resolve(index, nil, false)
		t.pendingTTS--
	}
}

func (s *Session) onSlotDone(ev evSlotDone) {
	t := s.turn
	if t == nil || t.seq != ev.seq {
		return
	}
	if ev.err != nil || len(ev.audio) == 0 {
		if ev.err != nil {
			s.log.Warn().Err(ev.err).Int("index", ev.index).Msg("tts slot failed, skipping")
		}
		t.queue.Resolve(ev.index, nil, false)
	} else {
		t.queue.Resolve(ev.index, ev.audio, true)
	}
	t.pendingTTS--
	s.emitReady(t)
	s.maybeFinishAudio(t)
}

func (s *Session) onLLMDone(ev evLLMDone) {
	t := s.turn
	if t == nil || t.seq != ev.seq {
		return
	}
	if ev.err != nil {
		s.log.Error().Err(ev.err).Msg("llm stream failed")
		s.conn.Send(newErrorMessage("the assistant is unavailable, please try again"))
		s.abortTurn(t)
		return
	}
	t.llmDone = true
	if ev.response != "" {
		s.appendHistory("assistant", ev.response)
	}
	s.maybeFinishAudio(t)
}

// emitReady forwards every contiguous resolved slot, skipping failed ones.
// The first successful emission flips the session to speaking.
func (s *Session) emitReady(t *turn) {
	for {
		index, audio, ok := t.queue.NextReady()
		if !ok {
			return
		}
		if !t.audioSent {
			t.audioSent = true
			s.setState(StateSpeaking)
		}
		if err := s.conn.Send(newAudioMessage(index, audio)); err != nil {
			return
		}
	}
}

// maybeFinishAudio sends audio_end once the LLM finished, every TTS job
// resolved and the queue is drained, then waits for playback_done.
func (s *Session) maybeFinishAudio(t *turn) {
	if !t.llmDone || t.pendingTTS != 0 || !t.queue.Drained() || t.awaitingPlayback {
		return
	}
	if !t.audioSent {
		// Nothing synthesized this turn; go straight back to listening.
		s.endTurn(t)
		s.setState(StateListening)
		return
	}
	s.conn.Send(AudioEndMessage{Type: TypeAudioEnd})
	t.awaitingPlayback = true
	s.muteUntil = time.Now().Add(s.cfg.PostPlaybackMute)
	seq := t.seq
	t.playbackTimer = time.AfterFunc(s.cfg.PlaybackDoneTimeout, func() {
		s.post(evPlaybackTimeout{seq: seq})
	})
}

func (s *Session) onPlaybackDone() {
	t := s.turn
	if t == nil || !t.awaitingPlayback {
		return
	}
	s.muteUntil = time.Now().Add(s.cfg.PostPlaybackMute)
	s.endTurn(t)
	s.setState(StateListening)
}

// onInterrupt handles barge-in. Cancellation order matters: queued audio
// first, then the LLM stream, then any STT binding, then the final
// audio_end, then the state transition.
func (s *Session) onInterrupt() {
	if s.turn == nil && s.state == StateListening {
		return
	}
	s.interrupted = true
	t := s.turn
	if t != nil {
		t.queue.Clear()
		t.cancel()
		if t.playbackTimer != nil {
			t.playbackTimer.Stop()
		}
	}
	s.destroySTT()
	if t != nil && t.audioSent && !t.awaitingPlayback {
		s.conn.Send(AudioEndMessage{Type: TypeAudioEnd})
	}
	s.turn = nil
	s.muteUntil = time.Now().Add(s.cfg.InterruptMute)
	s.setState(StateListening)
	s.interrupted = false
	s.log.Info().Msg("barge-in, turn cancelled")
}

// --- turn / session teardown --------------------------------------------

func (s *Session) abortTurn(t *turn) {
	t.queue.Clear()
	if t.audioSent && !t.awaitingPlayback {
		s.conn.Send(AudioEndMessage{Type: TypeAudioEnd})
	}
	s.endTurn(t)
	s.setState(StateListening)
}

func (s *Session) endTurn(t *turn) {
	t.cancel()
	if t.playbackTimer != nil {
		t.playbackTimer.Stop()
	}
	if s.turn == t {
		s.turn = nil
	}
}

func (s *Session) shutdown() {
	if t := s.turn; t != nil {
		t.queue.Clear()
		s.endTurn(t)
	}
	s.destroySTT()
	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
}

func (s *Session) appendHistory(role, content string) {
	s.history = append(s.history, Message{Role: role, Content: content})
	if max := s.cfg.MaxContextMessages; max > 0 && len(s.history) > max {
		s.history = s.history[len(s.history)-max:]
	}
}
