package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	pion "github.com/pion/webrtc/v4"

	"github.com/Jubbery/simli-facetime-app/pkg/audio"
	"github.com/Jubbery/simli-facetime-app/pkg/avatar"
)

// loopback returns a setting engine that gathers loopback host candidates so
// both peers can connect inside the test process.
func loopback() *pion.SettingEngine {
	se := &pion.SettingEngine{}
	se.SetIncludeLoopbackCandidate(true)
	se.SetNetworkTypes([]pion.NetworkType{pion.NetworkTypeUDP4})
	return se
}

// fakeService plays the avatar service: it answers offers with a pion peer
// that streams VP8 packets and records data channel messages.
type fakeService struct {
	t   *testing.T
	srv *httptest.Server
	api *pion.API

	mu          sync.Mutex
	peers       []*pion.PeerConnection
	sessionReq  audioSessionRequest
	offerReq    webrtcSessionRequest
	messages    [][]byte
	textMsgs    []string
	msgCh       chan struct{}
	failWebRTC  bool
	failSession bool
}

func newFakeService(t *testing.T) *fakeService {
	t.Helper()
	me := &pion.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		t.Fatalf("RegisterDefaultCodecs: %v", err)
	}
	f := &fakeService{
		t:     t,
		api:   pion.NewAPI(pion.WithMediaEngine(me), pion.WithSettingEngine(*loopback())),
		msgCh: make(chan struct{}, 64),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /StartWebRTCSession", f.handleOffer)
	mux.HandleFunc("POST /startAudioToVideoSession", f.handleSession)
	f.srv = httptest.NewServer(mux)

	t.Cleanup(func() {
		f.srv.Close()
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, pc := range f.peers {
			_ = pc.Close()
		}
	})
	return f
}

func (f *fakeService) handleOffer(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	failing := f.failWebRTC
	f.mu.Unlock()
	if failing {
		http.Error(w, "no capacity", http.StatusServiceUnavailable)
		return
	}

	var req webrtcSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	pc, err := f.api.NewPeerConnection(pion.Configuration{})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	video, err := pion.NewTrackLocalStaticRTP(pion.RTPCodecCapability{MimeType: pion.MimeTypeVP8}, "video", "avatar")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if _, err := pc.AddTrack(video); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	pc.OnDataChannel(func(dc *pion.DataChannel) {
		dc.OnMessage(func(msg pion.DataChannelMessage) {
			f.mu.Lock()
			if msg.IsString {
				f.textMsgs = append(f.textMsgs, string(msg.Data))
			} else {
				f.messages = append(f.messages, msg.Data)
			}
			f.mu.Unlock()
			f.msgCh <- struct{}{}
		})
	})
	pc.OnICEConnectionStateChange(func(s pion.ICEConnectionState) {
		if s != pion.ICEConnectionStateConnected {
			return
		}
		go func() {
			for seq := uint16(0); ; seq++ {
				pkt := &rtp.Packet{
					Header:  rtp.Header{Version: 2, PayloadType: 96, SequenceNumber: seq, Timestamp: uint32(seq) * 3000},
					Payload: []byte{0x10, 0x00, 0x00, 0x9d, 0x01, 0x2a},
				}
				if err := video.WriteRTP(pkt); err != nil {
					return
				}
				time.Sleep(20 * time.Millisecond)
				if pc.ConnectionState() == pion.PeerConnectionStateClosed {
					return
				}
			}
		}()
	})

	if err := pc.SetRemoteDescription(pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: req.SDP}); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	gathered := pion.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	<-gathered

	f.mu.Lock()
	f.offerReq = req
	f.peers = append(f.peers, pc)
	f.mu.Unlock()

	_ = json.NewEncoder(w).Encode(webrtcSessionResponse{SDP: pc.LocalDescription().SDP, Type: "answer"})
}

func (f *fakeService) handleSession(w http.ResponseWriter, r *http.Request) {
	var req audioSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.sessionReq = req
	failing := f.failSession
	f.mu.Unlock()
	if failing {
		http.Error(w, "bad api key", http.StatusUnauthorized)
		return
	}
	_ = json.NewEncoder(w).Encode(audioSessionResponse{SessionToken: "tok-1"})
}

// packetSink records RTP packets.
type packetSink struct {
	mu      sync.Mutex
	packets int
	got     chan struct{}
}

func (s *packetSink) WriteRTP(*rtp.Packet) error {
	s.mu.Lock()
	s.packets++
	s.mu.Unlock()
	select {
	case s.got <- struct{}{}:
	default:
	}
	return nil
}

func newTransport(t *testing.T, apiURL string) *Transport {
	t.Helper()
	tr, err := New(Config{APIURL: apiURL, SettingEngine: loopback()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(15 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestTransport_EndToEnd(t *testing.T) {
	t.Parallel()

	svc := newFakeService(t)
	tr := newTransport(t, svc.srv.URL)

	video := &packetSink{got: make(chan struct{}, 1)}
	if err := tr.Initialize(avatar.Descriptor{
		APIKey:        "key-1",
		FaceID:        "face-1",
		HandleSilence: true,
		VideoSink:     video,
	}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	ready := make(chan struct{})
	var once sync.Once
	tr.OnReady(func() { once.Do(func() { close(ready) }) })

	if tr.Ready() {
		t.Fatal("Ready before Start")
	}
	if err := tr.SendAudioData(audio.AudioFrame{Data: []byte{1}}); !errors.Is(err, avatar.ErrNotReady) {
		t.Fatalf("SendAudioData before ready = %v, want ErrNotReady", err)
	}

	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, ready, "OnReady")
	if !tr.Ready() {
		t.Fatal("Ready() = false after OnReady fired")
	}

	// The first data channel message is the session token.
	waitFor(t, svc.msgCh, "session token")
	svc.mu.Lock()
	if len(svc.textMsgs) != 1 || svc.textMsgs[0] != "tok-1" {
		t.Errorf("text messages = %v, want [tok-1]", svc.textMsgs)
	}
	if svc.offerReq.Type != "offer" || svc.offerReq.VideoTransformation != "none" {
		t.Errorf("offer request = %+v", svc.offerReq)
	}
	want := audioSessionRequest{FaceID: "face-1", APIKey: "key-1", SyncAudio: true, HandleSilence: true}
	if svc.sessionReq != want {
		t.Errorf("session request = %+v, want %+v", svc.sessionReq, want)
	}
	svc.mu.Unlock()

	if err := tr.SendAudioData(audio.AudioFrame{Data: []byte{1, 2, 3}}); err != nil {
		t.Fatalf("SendAudioData: %v", err)
	}
	waitFor(t, svc.msgCh, "audio message")

	if err := tr.SetMuted(true); err != nil {
		t.Fatalf("SetMuted: %v", err)
	}
	if err := tr.SendAudioData(audio.AudioFrame{Data: []byte{4, 5}}); err != nil {
		t.Fatalf("SendAudioData muted: %v", err)
	}
	waitFor(t, svc.msgCh, "muted audio message")

	svc.mu.Lock()
	if len(svc.messages) != 2 {
		t.Fatalf("binary messages = %d, want 2", len(svc.messages))
	}
	if string(svc.messages[0]) != "\x01\x02\x03" {
		t.Errorf("audio payload = %v", svc.messages[0])
	}
	if string(svc.messages[1]) != "\x00\x00" {
		t.Errorf("muted payload = %v, want zeros", svc.messages[1])
	}
	svc.mu.Unlock()

	waitFor(t, video.got, "remote video packet")

	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if tr.Ready() {
		t.Error("Ready() = true after Close")
	}
}

func TestTransport_StartRequiresInitialize(t *testing.T) {
	t.Parallel()

	tr := newTransport(t, "http://127.0.0.1:1")
	if err := tr.Start(context.Background()); !errors.Is(err, avatar.ErrNotInitialized) {
		t.Fatalf("Start = %v, want ErrNotInitialized", err)
	}
}

func TestTransport_InitializeValidates(t *testing.T) {
	t.Parallel()

	tr := newTransport(t, "http://127.0.0.1:1")
	if err := tr.Initialize(avatar.Descriptor{FaceID: "face"}); err == nil {
		t.Fatal("Initialize without api key succeeded")
	}
}

func TestTransport_OfferRejected(t *testing.T) {
	t.Parallel()

	svc := newFakeService(t)
	svc.failWebRTC = true
	tr := newTransport(t, svc.srv.URL)
	if err := tr.Initialize(avatar.Descriptor{APIKey: "k", FaceID: "f"}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	err := tr.Start(context.Background())
	if !errors.Is(err, avatar.ErrTransport) {
		t.Fatalf("Start = %v, want ErrTransport", err)
	}
	if tr.Ready() {
		t.Error("Ready() = true after failed start")
	}
}

func TestTransport_SessionTokenFailureReported(t *testing.T) {
	t.Parallel()

	svc := newFakeService(t)
	svc.failSession = true
	tr := newTransport(t, svc.srv.URL)
	if err := tr.Initialize(avatar.Descriptor{APIKey: "k", FaceID: "f"}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	failed := make(chan error, 1)
	tr.OnFailure(func(err error) { failed <- err })

	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case err := <-failed:
		if !errors.Is(err, avatar.ErrTransport) {
			t.Errorf("failure = %v, want ErrTransport", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("OnFailure never fired")
	}
	if tr.Ready() {
		t.Error("Ready() = true without a session token")
	}
}
