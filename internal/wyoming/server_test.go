package wyoming

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/chatterbox-labs/chatterboxd/internal/config"
)

func testWyomingConfig() config.WyomingConfig {
	return config.WyomingConfig{
		Enabled:      true,
		Bind:         "127.0.0.1",
		Port:         0, // ephemeral
		DefaultVoice: "default",
	}
}

func startServer(t *testing.T, synth *scriptedSynth) *Server {
	t.Helper()
	library := newTestLibrary(t)
	engine := newTestEngine(t, synth)
	s := NewServer(context.Background(), testWyomingConfig(), testAudioConfig(), testParams(),
		engine, library, DescribeInfo{Name: "chatterbox"}, nil, newTestLogger())
	if err := s.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func dial(t *testing.T, s *Server) (net.Conn, *bufio.Reader, *bufio.Writer) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", s.Addr().String(), 5*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	return conn, bufio.NewReader(conn), bufio.NewWriter(conn)
}

func TestServerServesDescribe(t *testing.T) {
	s := startServer(t, &scriptedSynth{pcm: []byte{1, 2}})
	if !s.Healthy() {
		t.Fatal("server not healthy after start")
	}

	_, r, w := dial(t, s)
	if err := WriteEvent(w, Event{Type: TypeDescribe}); err != nil {
		t.Fatalf("write describe: %v", err)
	}
	evt, err := ReadEvent(r)
	if err != nil {
		t.Fatalf("read info: %v", err)
	}
	if evt.Type != TypeInfo {
		t.Fatalf("expected info, got %q", evt.Type)
	}
}

func TestServerHandlesConcurrentClients(t *testing.T) {
	s := startServer(t, &scriptedSynth{pcm: []byte{9, 9, 9, 9}})

	done := make(chan error, 3)
	for i := 0; i < 3; i++ {
		conn, err := net.DialTimeout("tcp", s.Addr().String(), 5*time.Second)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		go func(conn net.Conn, text string) {
			defer conn.Close()
			_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
			r := bufio.NewReader(conn)
			w := bufio.NewWriter(conn)

			evt, err := SynthesizeEvent(Synthesize{Text: text, Voice: &SynthesizeVoice{Name: "emma"}})
			if err != nil {
				done <- err
				return
			}
			if err := WriteEvent(w, evt); err != nil {
				done <- err
				return
			}
			for {
				evt, err := ReadEvent(r)
				if err != nil {
					done <- err
					return
				}
				if evt.Type == TypeAudioStop {
					done <- nil
					return
				}
			}
		}(conn, "client "+string(rune('a'+i)))
	}
	for i := 0; i < 3; i++ {
		if err := <-done; err != nil {
			t.Fatalf("client %d: %v", i, err)
		}
	}
}

func TestServerCloseDisconnectsIdleClients(t *testing.T) {
	s := startServer(t, &scriptedSynth{pcm: []byte{1}})
	conn, r, _ := dial(t, s)

	closed := make(chan struct{})
	go func() {
		s.Close()
		close(closed)
	}()

	// The idle connection is poked and closed during shutdown.
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	if _, err := ReadEvent(r); err == nil {
		t.Fatal("expected read to fail after server close")
	}
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("server close did not return")
	}
}

func TestServerDisabledDoesNotListen(t *testing.T) {
	cfg := testWyomingConfig()
	cfg.Enabled = false
	library := newTestLibrary(t)
	engine := newTestEngine(t, &scriptedSynth{pcm: []byte{1}})
	s := NewServer(context.Background(), cfg, testAudioConfig(), testParams(),
		engine, library, DescribeInfo{Name: "chatterbox"}, nil, newTestLogger())
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Close()
	if s.Addr() != nil {
		t.Fatal("disabled server bound a listener")
	}
	if !s.Healthy() {
		t.Fatal("disabled server should report healthy")
	}
}

func TestServerBindFailure(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer taken.Close()

	cfg := testWyomingConfig()
	cfg.Port = taken.Addr().(*net.TCPAddr).Port
	library := newTestLibrary(t)
	engine := newTestEngine(t, &scriptedSynth{pcm: []byte{1}})
	s := NewServer(context.Background(), cfg, testAudioConfig(), testParams(),
		engine, library, DescribeInfo{Name: "chatterbox"}, nil, newTestLogger())
	if err := s.Start(); err == nil {
		s.Close()
		t.Fatal("expected bind failure on occupied port")
	}
}
