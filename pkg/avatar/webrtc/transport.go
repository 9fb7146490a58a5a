// Package webrtc implements [avatar.Transport] on top of pion/webrtc.
//
// The transport receives the avatar's audio and video over a recv-only peer
// connection and sends speech audio to the avatar service over an ordered
// data channel. Connection setup is a plain HTTP offer/answer exchange:
//
//  1. Create the peer connection with recv-only audio and video transceivers
//     and the data channel, then gather ICE candidates.
//  2. POST the complete offer to {api}/StartWebRTCSession and apply the answer.
//  3. When the data channel opens, POST the avatar descriptor to
//     {api}/startAudioToVideoSession and send the returned session token as
//     the first data channel message.
//
// The transport is ready once ICE is connected and the session token has been
// delivered.
package webrtc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	pion "github.com/pion/webrtc/v4"

	"github.com/Jubbery/simli-facetime-app/pkg/audio"
	"github.com/Jubbery/simli-facetime-app/pkg/avatar"
)

// DefaultAPIURL is the avatar service root used when [Config.APIURL] is empty.
const DefaultAPIURL = "https://api.simli.ai"

// DefaultICEServers is used when [Config.ICEServers] is empty.
var DefaultICEServers = []string{"stun:stun.l.google.com:19302"}

// Config configures a [Transport].
type Config struct {
	// APIURL is the avatar service root. Default: [DefaultAPIURL].
	APIURL string

	// ICEServers are STUN/TURN URLs. Default: [DefaultICEServers].
	ICEServers []string

	// DataChannelLabel names the audio data channel. Default: "chat".
	DataChannelLabel string

	// HTTPClient performs the signaling requests. Default: 15s timeout.
	HTTPClient *http.Client

	// SettingEngine customises ICE behaviour. Optional.
	SettingEngine *pion.SettingEngine
}

type webrtcSessionRequest struct {
	SDP                 string `json:"sdp"`
	Type                string `json:"type"`
	VideoTransformation string `json:"video_transformation"`
}

type webrtcSessionResponse struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

type audioSessionRequest struct {
	FaceID        string `json:"faceId"`
	IsJPG         bool   `json:"isJPG"`
	APIKey        string `json:"apiKey"`
	SyncAudio     bool   `json:"syncAudio"`
	HandleSilence bool   `json:"handleSilence"`
}

type audioSessionResponse struct {
	SessionToken string `json:"session_token"`
}

// Transport is a pion-backed [avatar.Transport]. It is safe for concurrent use.
type Transport struct {
	apiURL  string
	ice     []pion.ICEServer
	label   string
	http    *http.Client
	api     *pion.API
	muted   atomic.Bool
	videoOn atomic.Bool

	mu          sync.Mutex
	desc        avatar.Descriptor
	initialized bool
	gen         uint64
	pc          *pion.PeerConnection
	dc          *pion.DataChannel
	cancel      context.CancelFunc
	iceUp       bool
	sessionUp   bool
	readyFired  bool
	failed      bool
	onReady     func()
	onFailure   func(error)
}

var _ avatar.Transport = (*Transport)(nil)

// New creates a [Transport]. The peer connection is built on Start.
func New(cfg Config) (*Transport, error) {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if len(cfg.ICEServers) == 0 {
		cfg.ICEServers = DefaultICEServers
	}
	if cfg.DataChannelLabel == "" {
		cfg.DataChannelLabel = "chat"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}

	me := &pion.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("avatar/webrtc: register codecs: %w", err)
	}
	opts := []func(*pion.API){pion.WithMediaEngine(me)}
	if cfg.SettingEngine != nil {
		opts = append(opts, pion.WithSettingEngine(*cfg.SettingEngine))
	}

	t := &Transport{
		apiURL: strings.TrimRight(cfg.APIURL, "/"),
		ice:    []pion.ICEServer{{URLs: cfg.ICEServers}},
		label:  cfg.DataChannelLabel,
		http:   cfg.HTTPClient,
		api:    pion.NewAPI(opts...),
	}
	t.videoOn.Store(true)
	return t, nil
}

// Initialize implements [avatar.Transport].
func (t *Transport) Initialize(desc avatar.Descriptor) error {
	if desc.APIKey == "" || desc.FaceID == "" {
		return errors.New("avatar/webrtc: api key and face id are required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.desc = desc
	t.initialized = true
	return nil
}

// Start implements [avatar.Transport]. It returns after the offer/answer
// exchange; readiness follows asynchronously. A transport that is already
// running is closed and started afresh.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	if !t.initialized {
		t.mu.Unlock()
		return avatar.ErrNotInitialized
	}
	t.mu.Unlock()
	_ = t.Close()

	pc, err := t.api.NewPeerConnection(pion.Configuration{ICEServers: t.ice})
	if err != nil {
		return fmt.Errorf("%w: new peer connection: %w", avatar.ErrTransport, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.gen++
	gen := t.gen
	t.pc = pc
	t.cancel = cancel
	t.iceUp, t.sessionUp, t.readyFired, t.failed = false, false, false, false
	desc := t.desc
	t.mu.Unlock()

	fail := func(err error) error {
		t.mu.Lock()
		current := t.gen == gen
		t.mu.Unlock()
		if current {
			_ = t.Close()
		}
		return fmt.Errorf("%w: %w", avatar.ErrTransport, err)
	}

	for _, kind := range []pion.RTPCodecType{pion.RTPCodecTypeAudio, pion.RTPCodecTypeVideo} {
		if _, err := pc.AddTransceiverFromKind(kind, pion.RTPTransceiverInit{
			Direction: pion.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fail(fmt.Errorf("add %s transceiver: %w", kind, err))
		}
	}

	ordered := true
	dc, err := pc.CreateDataChannel(t.label, &pion.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return fail(fmt.Errorf("create data channel: %w", err))
	}
	t.mu.Lock()
	t.dc = dc
	t.mu.Unlock()

	t.bindCallbacks(runCtx, gen, pc, dc, desc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fail(fmt.Errorf("create offer: %w", err))
	}
	gathered := pion.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fail(fmt.Errorf("set local description: %w", err))
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return fail(ctx.Err())
	}

	local := pc.LocalDescription()
	var answer webrtcSessionResponse
	if err := t.postJSON(ctx, "/StartWebRTCSession", webrtcSessionRequest{
		SDP:                 local.SDP,
		Type:                local.Type.String(),
		VideoTransformation: "none",
	}, &answer); err != nil {
		return fail(err)
	}
	if answer.SDP == "" {
		return fail(errors.New("empty sdp answer"))
	}
	if err := pc.SetRemoteDescription(pion.SessionDescription{
		Type: pion.SDPTypeAnswer,
		SDP:  answer.SDP,
	}); err != nil {
		return fail(fmt.Errorf("set remote description: %w", err))
	}

	slog.Info("avatar/webrtc: offer accepted, connecting", "face_id", desc.FaceID)
	return nil
}

func (t *Transport) bindCallbacks(ctx context.Context, gen uint64, pc *pion.PeerConnection, dc *pion.DataChannel, desc avatar.Descriptor) {
	pc.OnICEConnectionStateChange(func(s pion.ICEConnectionState) {
		slog.Debug("avatar/webrtc: ICE state", "state", s.String())
		switch s {
		case pion.ICEConnectionStateConnected, pion.ICEConnectionStateCompleted:
			t.update(gen, func() { t.iceUp = true })
		case pion.ICEConnectionStateDisconnected:
			t.update(gen, func() { t.iceUp = false })
		case pion.ICEConnectionStateFailed:
			t.update(gen, func() { t.iceUp = false })
			t.failure(gen, errors.New("ICE connection failed"))
		}
	})

	pc.OnConnectionStateChange(func(s pion.PeerConnectionState) {
		slog.Debug("avatar/webrtc: peer state", "state", s.String())
		if s == pion.PeerConnectionStateFailed {
			t.failure(gen, errors.New("peer connection failed"))
		}
	})

	pc.OnTrack(func(track *pion.TrackRemote, _ *pion.RTPReceiver) {
		slog.Info("avatar/webrtc: remote track",
			"kind", track.Kind().String(),
			"track_id", track.ID(),
			"codec", track.Codec().MimeType,
		)
		var sink avatar.MediaSink
		if track.Kind() == pion.RTPCodecTypeVideo {
			sink = desc.VideoSink
		} else {
			sink = desc.AudioSink
		}
		go t.pumpTrack(ctx, track, sink)
	})

	dc.OnOpen(func() {
		go t.openAudioSession(ctx, gen, dc, desc)
	})

	dc.OnClose(func() {
		t.update(gen, func() { t.sessionUp = false })
	})
}

// openAudioSession exchanges the descriptor for a session token and hands the
// token to the avatar over the data channel.
func (t *Transport) openAudioSession(ctx context.Context, gen uint64, dc *pion.DataChannel, desc avatar.Descriptor) {
	var resp audioSessionResponse
	err := t.postJSON(ctx, "/startAudioToVideoSession", audioSessionRequest{
		FaceID:        desc.FaceID,
		IsJPG:         false,
		APIKey:        desc.APIKey,
		SyncAudio:     true,
		HandleSilence: desc.HandleSilence,
	}, &resp)
	if err == nil && resp.SessionToken == "" {
		err = errors.New("response carried no session_token")
	}
	if err == nil {
		err = dc.SendText(resp.SessionToken)
	}
	if err != nil {
		if ctx.Err() == nil {
			t.failure(gen, fmt.Errorf("start audio session: %w", err))
		}
		return
	}
	t.update(gen, func() { t.sessionUp = true })
}

// pumpTrack copies remote RTP into sink until the track ends.
func (t *Transport) pumpTrack(ctx context.Context, track *pion.TrackRemote, sink avatar.MediaSink) {
	video := track.Kind() == pion.RTPCodecTypeVideo
	warned := false
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				slog.Debug("avatar/webrtc: track ended", "kind", track.Kind().String(), "err", err)
			}
			return
		}
		if sink == nil || (video && !t.videoOn.Load()) {
			continue
		}
		if err := sink.WriteRTP(pkt); err != nil && !warned {
			warned = true
			slog.Warn("avatar/webrtc: media sink rejected packet", "kind", track.Kind().String(), "err", err)
		}
	}
}

// update mutates readiness inputs for generation gen and fires OnReady on the
// first transition to ready.
func (t *Transport) update(gen uint64, mutate func()) {
	t.mu.Lock()
	if t.gen != gen || t.pc == nil {
		t.mu.Unlock()
		return
	}
	mutate()
	var fn func()
	if t.iceUp && t.sessionUp && !t.readyFired {
		t.readyFired = true
		fn = t.onReady
	}
	t.mu.Unlock()

	if fn != nil {
		slog.Info("avatar/webrtc: transport ready")
		fn()
	}
}

func (t *Transport) failure(gen uint64, err error) {
	t.mu.Lock()
	if t.gen != gen || t.pc == nil || t.failed {
		t.mu.Unlock()
		return
	}
	t.failed = true
	fn := t.onFailure
	t.mu.Unlock()

	slog.Warn("avatar/webrtc: transport failed", "err", err)
	if fn != nil {
		fn(fmt.Errorf("%w: %w", avatar.ErrTransport, err))
	}
}

func (t *Transport) postJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.apiURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("POST %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// SendAudioData implements [avatar.Transport]. While muted the payload is
// replaced with silence of the same length.
func (t *Transport) SendAudioData(frame audio.AudioFrame) error {
	t.mu.Lock()
	ready := t.iceUp && t.sessionUp
	dc := t.dc
	t.mu.Unlock()
	if !ready || dc == nil {
		return avatar.ErrNotReady
	}

	data := frame.Data
	if t.muted.Load() {
		data = make([]byte, len(frame.Data))
	}
	if err := dc.Send(data); err != nil {
		return fmt.Errorf("%w: send audio: %w", avatar.ErrTransport, err)
	}
	return nil
}

// Ready implements [avatar.Transport].
func (t *Transport) Ready() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.iceUp && t.sessionUp
}

// OnReady implements [avatar.Transport].
func (t *Transport) OnReady(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onReady = fn
}

// OnFailure implements [avatar.Transport].
func (t *Transport) OnFailure(fn func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onFailure = fn
}

// SetMuted implements [avatar.Transport].
func (t *Transport) SetMuted(muted bool) error {
	t.muted.Store(muted)
	return nil
}

// SetVideoEnabled implements [avatar.Transport].
func (t *Transport) SetVideoEnabled(enabled bool) error {
	t.videoOn.Store(enabled)
	return nil
}

// Close implements [avatar.Transport].
func (t *Transport) Close() error {
	t.mu.Lock()
	pc := t.pc
	cancel := t.cancel
	t.pc, t.dc, t.cancel = nil, nil, nil
	t.iceUp, t.sessionUp = false, false
	t.gen++
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if pc == nil {
		return nil
	}
	if err := pc.Close(); err != nil {
		return fmt.Errorf("avatar/webrtc: close: %w", err)
	}
	slog.Debug("avatar/webrtc: peer connection closed")
	return nil
}
