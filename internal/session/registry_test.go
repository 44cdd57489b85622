package session

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/chriscow/streamscribe/internal/metrics"
	"github.com/chriscow/streamscribe/pkg/ai/stt"
	"github.com/chriscow/streamscribe/pkg/ai/stt/fake"
	"github.com/chriscow/streamscribe/pkg/audio"
	"github.com/chriscow/streamscribe/pkg/audio/codec"
	"github.com/chriscow/streamscribe/pkg/audio/normalize"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// recorder is an Emitter that keeps every event.
type recorder struct {
	mu     sync.Mutex
	events []stt.SpeechEvent
}

func (r *recorder) Emit(_ context.Context, ev stt.SpeechEvent) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *recorder) Events() []stt.SpeechEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]stt.SpeechEvent(nil), r.events...)
}

func (r *recorder) For(id string) []stt.SpeechEvent {
	var out []stt.SpeechEvent
	for _, ev := range r.Events() {
		if ev.SessionID == id {
			out = append(out, ev)
		}
	}
	return out
}

// transcriberFunc adapts a function to Transcriber.
type transcriberFunc func(ctx context.Context, data []byte, mimeType, lang string) stt.Outcome

func (f transcriberFunc) Run(ctx context.Context, data []byte, mimeType, lang string) stt.Outcome {
	return f(ctx, data, mimeType, lang)
}

// webmOnly decodes anything as one second of silence when asked for WebM and
// fails every other format.
var webmOnly = codec.DecoderFunc(func(_ context.Context, data []byte, f audio.Format) (*audio.PCM, error) {
	if f != audio.FormatWebM || bytes.HasPrefix(data, []byte("CORRUPT")) {
		return nil, errors.New("not webm")
	}
	return audio.NewPCM(make([]int16, 16000), 16000, 1)
})

func newPipeline(t *testing.T, engine *fake.Engine) *stt.Pipeline {
	t.Helper()
	return &stt.Pipeline{
		Normalizer: normalize.New(webmOnly, normalize.WithTempDir(t.TempDir()), normalize.WithLogger(quietLogger)),
		Client:     stt.NewClient(engine, stt.ClientConfig{Language: "ja"}, quietLogger),
	}
}

func newTestRegistry(t *testing.T, cfg Config, tr Transcriber, em Emitter) *Registry {
	t.Helper()
	if cfg.TickInterval == 0 {
		cfg.TickInterval = time.Hour // watchdog effectively idle unless a test opts in
	}
	r := NewRegistry(cfg, tr, em, WithLogger(quietLogger), WithMetrics(metrics.New()))
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func b64(n int, fill byte) string {
	return base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{fill}, n))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRegistry_AppendSumsChunkLengths(t *testing.T) {
	is := is.New(t)

	r := newTestRegistry(t, Config{}, newPipeline(t, fake.NewEngine()), &recorder{})
	_, err := r.Connect("a")
	is.NoErr(err)

	total := 0
	for _, n := range []int{1, 10, 333, 4096, 7} {
		is.NoErr(r.Chunk("a", b64(n, 0x1a), "audio/webm"))
		total += n
	}

	st := r.Get("a").Stats()
	is.Equal(st.BufferedBytes, total) // buffer length is the sum of decoded chunk lengths
	is.Equal(st.Chunks, 5)
	is.True(st.WatchdogActive) // first chunk starts the watchdog
}

func TestRegistry_ConnectDuplicate(t *testing.T) {
	is := is.New(t)

	r := newTestRegistry(t, Config{}, newPipeline(t, fake.NewEngine()), &recorder{})
	_, err := r.Connect("a")
	is.NoErr(err)
	_, err = r.Connect("a")
	is.True(errors.Is(err, ErrSessionExists))
}

func TestRegistry_FinalTranscript(t *testing.T) {
	is := is.New(t)

	engine := fake.NewEngine("こんにちは")
	em := &recorder{}
	r := newTestRegistry(t, Config{Language: "ja"}, newPipeline(t, engine), em)
	_, _ = r.Connect("a")

	for i := 0; i < 3; i++ {
		is.NoErr(r.Chunk("a", b64(200, byte(i)), "audio/webm;codecs=opus"))
	}
	is.NoErr(r.EndOfStream(context.Background(), "a"))

	events := em.For("a")
	is.Equal(len(events), 1) // exactly one terminal emission
	is.Equal(events[0].Type, stt.SpeechEventFinal)
	is.Equal(events[0].Text, "こんにちは")
	is.Equal(engine.Calls(), 1)

	st := r.Get("a").Stats()
	is.Equal(st.BufferedBytes, 0) // buffer drained
	is.True(!st.WatchdogActive)   // watchdog stopped
	is.True(!st.Processing)       // guard released
}

// An undecodable interim run fails quietly and the session keeps working.
func TestRegistry_UndecodableSegment(t *testing.T) {
	is := is.New(t)

	engine := fake.NewEngine()
	em := &recorder{}
	r := newTestRegistry(t, Config{}, newPipeline(t, engine), em)
	_, _ = r.Connect("a")

	corrupt := append([]byte("CORRUPT"), make([]byte, 600)...)
	is.NoErr(r.Append("a", corrupt, "audio/webm"))
	is.NoErr(r.Process(context.Background(), "a", false))

	is.Equal(len(em.Events()), 0) // interim failure is silent
	is.Equal(engine.Calls(), 0)

	is.NoErr(r.Chunk("a", b64(300, 1), "audio/webm"))
	st := r.Get("a").Stats()
	is.Equal(st.BufferedBytes, 300) // new chunk starts a fresh buffer
	is.Equal(st.Failures, 1)

	is.NoErr(r.Chunk("a", b64(300, 2), "audio/webm"))
	is.NoErr(r.EndOfStream(context.Background(), "a"))
	events := em.For("a")
	is.Equal(len(events), 1)
	is.Equal(events[0].Type, stt.SpeechEventFinal) // session still works
}

// Anything under the input gate finishes with an empty transcript.
func TestRegistry_TooSmallFinal(t *testing.T) {
	is := is.New(t)

	engine := fake.NewEngine()
	em := &recorder{}
	r := newTestRegistry(t, Config{}, newPipeline(t, engine), em)
	_, _ = r.Connect("a")

	is.NoErr(r.Chunk("a", b64(200, 1), "audio/webm"))
	is.NoErr(r.EndOfStream(context.Background(), "a"))

	events := em.For("a")
	is.Equal(len(events), 1)
	is.Equal(events[0].Type, stt.SpeechEventFinal)
	is.Equal(events[0].Text, "") // empty transcript
	is.Equal(engine.Calls(), 0)  // no engine call
}

func TestRegistry_EmptyFinal(t *testing.T) {
	is := is.New(t)

	calls := 0
	tr := transcriberFunc(func(context.Context, []byte, string, string) stt.Outcome {
		calls++
		return stt.Success("x")
	})
	em := &recorder{}
	r := newTestRegistry(t, Config{}, tr, em)
	_, _ = r.Connect("a")

	is.NoErr(r.EndOfStream(context.Background(), "a"))
	is.NoErr(r.EndOfStream(context.Background(), "a"))

	events := em.For("a")
	is.Equal(len(events), 2) // one terminal emission per end-of-stream
	for _, ev := range events {
		is.Equal(ev.Type, stt.SpeechEventFinal)
		is.Equal(ev.Text, "")
	}
	is.Equal(calls, 0) // nothing to transcribe

	is.NoErr(r.Process(context.Background(), "a", false))
	is.Equal(len(em.For("a")), 2) // empty interim emits nothing
}

func TestRegistry_SessionIsolation(t *testing.T) {
	is := is.New(t)

	tr := transcriberFunc(func(_ context.Context, data []byte, mimeType, _ string) stt.Outcome {
		time.Sleep(5 * time.Millisecond)
		return stt.Success(fmt.Sprintf("%s:%d:%c", mimeType, len(data), data[0]))
	})
	em := &recorder{}
	r := newTestRegistry(t, Config{}, tr, em)

	ids := map[string]string{"A": "audio/webm", "B": "audio/ogg"}
	var wg sync.WaitGroup
	for id, mime := range ids {
		_, err := r.Connect(id)
		is.NoErr(err)
		wg.Add(1)
		go func(id, mime string) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				_ = r.Append(id, bytes.Repeat([]byte(id), 70), mime)
			}
			_ = r.EndOfStream(context.Background(), id)
		}(id, mime)
	}
	wg.Wait()

	for id, mime := range ids {
		events := em.For(id)
		is.Equal(len(events), 1)
		is.Equal(events[0].Text, fmt.Sprintf("%s:700:%s", mime, id))
	}
}

func TestRegistry_AtMostOneRunPerSession(t *testing.T) {
	is := is.New(t)

	var inFlight, maxInFlight, runs int32
	tr := transcriberFunc(func(context.Context, []byte, string, string) stt.Outcome {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			m := atomic.LoadInt32(&maxInFlight)
			if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
				break
			}
		}
		atomic.AddInt32(&runs, 1)
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return stt.Success("ok")
	})
	r := newTestRegistry(t, Config{}, tr, &recorder{})
	_, _ = r.Connect("a")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = r.Append("a", []byte{1, 2, 3}, "audio/webm")
		}()
		go func(final bool) {
			defer wg.Done()
			_ = r.Process(context.Background(), "a", final)
		}(i%10 == 0)
	}
	wg.Wait()

	is.Equal(atomic.LoadInt32(&maxInFlight), int32(1)) // never two runs at once
	is.True(atomic.LoadInt32(&runs) >= 1)
}

func TestRegistry_FinalWaitsForInFlightRun(t *testing.T) {
	is := is.New(t)

	release := make(chan struct{})
	started := make(chan struct{})
	var calls int32
	tr := transcriberFunc(func(_ context.Context, data []byte, _, _ string) stt.Outcome {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(started)
			<-release
			return stt.Success("interim")
		}
		return stt.Success(fmt.Sprintf("final:%d", len(data)))
	})
	em := &recorder{}
	r := newTestRegistry(t, Config{}, tr, em)
	_, _ = r.Connect("a")

	is.NoErr(r.Append("a", make([]byte, 10), "audio/webm"))
	go func() { _ = r.Process(context.Background(), "a", false) }()
	<-started

	is.NoErr(r.Append("a", make([]byte, 20), "audio/webm"))
	done := make(chan struct{})
	go func() {
		_ = r.EndOfStream(context.Background(), "a")
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("final run must wait for the in-flight run")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	<-done

	events := em.For("a")
	is.Equal(len(events), 2)
	is.Equal(events[0].Type, stt.SpeechEventInterim)
	is.Equal(events[1].Type, stt.SpeechEventFinal)
	is.Equal(events[1].Text, "final:20") // final consumed only bytes after the interim snapshot
}

func TestRegistry_CutBoundsSegment(t *testing.T) {
	is := is.New(t)

	var sizes []int
	var mu sync.Mutex
	tr := transcriberFunc(func(_ context.Context, data []byte, _, _ string) stt.Outcome {
		mu.Lock()
		sizes = append(sizes, len(data))
		mu.Unlock()
		return stt.Success(fmt.Sprintf("%c", data[0]))
	})
	em := &recorder{}
	r := newTestRegistry(t, Config{}, tr, em)
	_, _ = r.Connect("a")

	is.NoErr(r.Append("a", bytes.Repeat([]byte{'A'}, 600), "audio/webm"))
	first, err := r.Cut("a")
	is.NoErr(err)
	is.Equal(r.Get("a").Stats().WatchdogActive, false)

	// the next recording starts before the first final runs
	is.NoErr(r.Append("a", bytes.Repeat([]byte{'B'}, 600), "audio/webm"))
	is.True(r.Get("a").Stats().WatchdogActive)
	second, err := r.Cut("a")
	is.NoErr(err)

	is.Equal(len(first.Data), 600)
	is.Equal(len(second.Data), 600)

	r.RunFinal(context.Background(), first)
	r.RunFinal(context.Background(), second)

	events := em.For("a")
	is.Equal(len(events), 2)
	is.Equal(events[0].Text, "A")
	is.Equal(events[1].Text, "B")
	is.Equal(sizes, []int{600, 600})

	_, err = r.Cut("ghost")
	is.True(errors.Is(err, ErrSessionNotFound))
}

func TestRegistry_InterimYieldsToPendingFinal(t *testing.T) {
	is := is.New(t)

	var calls int32
	tr := transcriberFunc(func(context.Context, []byte, string, string) stt.Outcome {
		atomic.AddInt32(&calls, 1)
		return stt.Success("ok")
	})
	em := &recorder{}
	r := newTestRegistry(t, Config{}, tr, em)
	_, _ = r.Connect("a")

	is.NoErr(r.Append("a", make([]byte, 600), "audio/webm"))
	seg, err := r.Cut("a")
	is.NoErr(err)
	is.NoErr(r.Append("a", make([]byte, 600), "audio/webm"))

	is.NoErr(r.Process(context.Background(), "a", false))
	is.Equal(atomic.LoadInt32(&calls), int32(0))    // interim skipped while a cut segment waits
	is.Equal(r.Get("a").Stats().BufferedBytes, 600) // and left the new recording alone

	r.RunFinal(context.Background(), seg)
	is.NoErr(r.Process(context.Background(), "a", false))
	is.Equal(atomic.LoadInt32(&calls), int32(2))
	is.Equal(len(em.For("a")), 2)
}

func TestRegistry_FailureVisibility(t *testing.T) {
	is := is.New(t)

	tr := transcriberFunc(func(context.Context, []byte, string, string) stt.Outcome {
		return stt.Fail(stt.FailureEngineAuth, errors.New("401 invalid key sk-secret"))
	})
	em := &recorder{}
	r := newTestRegistry(t, Config{}, tr, em)
	_, _ = r.Connect("a")

	_ = r.Append("a", make([]byte, 10), "audio/webm")
	is.NoErr(r.Process(context.Background(), "a", false))
	is.Equal(len(em.Events()), 0) // interim failure suppressed

	_ = r.Append("a", make([]byte, 10), "audio/webm")
	is.NoErr(r.EndOfStream(context.Background(), "a"))

	events := em.Events()
	is.Equal(len(events), 1)
	is.Equal(events[0].Type, stt.SpeechEventError)
	is.Equal(events[0].Reason, ReasonTranscriptionFailed) // no internal detail leaks
}

func TestRegistry_PanicIsInternalErrorAndReleasesGuard(t *testing.T) {
	is := is.New(t)

	var calls int32
	tr := transcriberFunc(func(context.Context, []byte, string, string) stt.Outcome {
		if atomic.AddInt32(&calls, 1) == 1 {
			panic("unexpected nil")
		}
		return stt.Success("recovered")
	})
	em := &recorder{}
	r := newTestRegistry(t, Config{}, tr, em)
	_, _ = r.Connect("a")

	_ = r.Append("a", make([]byte, 10), "audio/webm")
	is.NoErr(r.EndOfStream(context.Background(), "a"))

	_ = r.Append("a", make([]byte, 10), "audio/webm")
	is.NoErr(r.EndOfStream(context.Background(), "a"))

	events := em.Events()
	is.Equal(len(events), 2)
	is.Equal(events[0].Type, stt.SpeechEventError)
	is.Equal(events[0].Reason, ReasonInternal) // generic reason
	is.Equal(events[1].Text, "recovered")      // guard was released
}

func TestRegistry_ChunkValidation(t *testing.T) {
	is := is.New(t)

	r := newTestRegistry(t, Config{}, newPipeline(t, fake.NewEngine()), &recorder{})
	_, _ = r.Connect("a")

	is.True(errors.Is(r.Chunk("a", "", "audio/webm"), ErrInvalidChunk))
	is.True(errors.Is(r.Chunk("a", b64(10, 1), ""), ErrInvalidChunk))
	is.True(errors.Is(r.Chunk("a", "!!!not base64!!!", "audio/webm"), ErrInvalidChunk))
	is.True(errors.Is(r.Chunk("ghost", b64(10, 1), "audio/webm"), ErrSessionNotFound))
	is.True(errors.Is(r.EndOfStream(context.Background(), "ghost"), ErrSessionNotFound))

	is.NoErr(r.Chunk("a", b64(10, 1), "audio/webm")) // session survives bad chunks
	is.Equal(r.Get("a").Stats().BufferedBytes, 10)
}

func TestRegistry_MIMETypeFixedByFirstChunk(t *testing.T) {
	is := is.New(t)

	r := newTestRegistry(t, Config{}, newPipeline(t, fake.NewEngine()), &recorder{})
	_, _ = r.Connect("a")

	is.NoErr(r.Append("a", []byte{1}, "audio/webm;codecs=opus"))
	is.NoErr(r.Append("a", []byte{2}, "audio/ogg"))
	is.Equal(r.Get("a").MIMEType(), "audio/webm;codecs=opus")

	is.NoErr(r.EndOfStream(context.Background(), "a"))
	is.Equal(r.Get("a").MIMEType(), "audio/webm;codecs=opus") // kept until the session ends
}

func TestRegistry_DisconnectIdempotent(t *testing.T) {
	is := is.New(t)

	r := newTestRegistry(t, Config{}, newPipeline(t, fake.NewEngine()), &recorder{})
	s, _ := r.Connect("a")
	_ = r.Append("a", []byte{1, 2, 3}, "audio/webm")

	r.Disconnect("a")
	r.Disconnect("a")
	r.Disconnect("never-existed")

	is.Equal(r.Len(), 0)
	is.True(s.isClosed())
	is.True(errors.Is(r.Append("a", []byte{1}, "audio/webm"), ErrSessionNotFound)) // late chunk ignored
}

func TestRegistry_DisconnectDropsTrailingEmission(t *testing.T) {
	is := is.New(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	tr := transcriberFunc(func(context.Context, []byte, string, string) stt.Outcome {
		once.Do(func() { close(entered) })
		<-release
		return stt.Success("too late")
	})
	em := &recorder{}
	m := metrics.New()
	r := NewRegistry(Config{TickInterval: 5 * time.Millisecond, SilenceThreshold: 10 * time.Millisecond, InterimOnSilence: true},
		tr, em, WithLogger(quietLogger), WithMetrics(m))
	_, _ = r.Connect("a")
	_ = r.Append("a", make([]byte, 10), "audio/webm")

	<-entered // watchdog triggered an interim run
	r.Disconnect("a")
	close(release)

	closed := make(chan struct{})
	go func() {
		_ = r.Close() // waits for watchdog and run goroutines
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("background work did not stop after disconnect")
	}

	is.Equal(len(em.Events()), 0) // nothing emitted after disconnect
}

func TestWatchdog_ResetsTimerWithoutProcessing(t *testing.T) {
	is := is.New(t)

	var calls int32
	tr := transcriberFunc(func(context.Context, []byte, string, string) stt.Outcome {
		atomic.AddInt32(&calls, 1)
		return stt.Success("x")
	})
	em := &recorder{}
	m := metrics.New()
	r := NewRegistry(Config{TickInterval: 5 * time.Millisecond, SilenceThreshold: 20 * time.Millisecond},
		tr, em, WithLogger(quietLogger), WithMetrics(m))
	t.Cleanup(func() { _ = r.Close() })

	_, _ = r.Connect("a")
	_ = r.Append("a", make([]byte, 10), "audio/webm")

	first := r.Get("a").Stats().LastChunkAt
	waitFor(t, "silence reset", func() bool {
		return r.Get("a").Stats().LastChunkAt.After(first)
	})

	is.Equal(atomic.LoadInt32(&calls), int32(0))   // policy off: timer reset only
	is.Equal(r.Get("a").Stats().BufferedBytes, 10) // buffer untouched
	is.Equal(len(em.Events()), 0)
}

func TestWatchdog_InterimOnSilence(t *testing.T) {
	is := is.New(t)

	tr := transcriberFunc(func(context.Context, []byte, string, string) stt.Outcome {
		return stt.Success("partial")
	})
	em := &recorder{}
	r := newTestRegistry(t, Config{TickInterval: 5 * time.Millisecond, SilenceThreshold: 20 * time.Millisecond}, tr, em)
	r.SetInterimOnSilence(true)
	is.True(r.InterimOnSilence())

	_, _ = r.Connect("a")
	_ = r.Append("a", make([]byte, 10), "audio/webm")

	waitFor(t, "interim emission", func() bool { return len(em.Events()) > 0 })

	ev := em.Events()[0]
	is.Equal(ev.Type, stt.SpeechEventInterim)
	is.Equal(ev.Text, "partial")
	is.Equal(r.Get("a").Stats().BufferedBytes, 0)
}

func TestWatchdog_StopsOnEndOfStream(t *testing.T) {
	is := is.New(t)

	r := newTestRegistry(t, Config{TickInterval: 5 * time.Millisecond}, newPipeline(t, fake.NewEngine()), &recorder{})
	_, _ = r.Connect("a")
	_ = r.Append("a", []byte{1}, "audio/webm")

	is.NoErr(r.EndOfStream(context.Background(), "a"))
	is.True(!r.Get("a").Stats().WatchdogActive)

	_ = r.Append("a", []byte{1}, "audio/webm")
	is.True(r.Get("a").Stats().WatchdogActive) // next chunk restarts it
}

func TestRegistry_CloseTearsDownAll(t *testing.T) {
	is := is.New(t)

	r := NewRegistry(Config{TickInterval: 5 * time.Millisecond}, newPipeline(t, fake.NewEngine()), &recorder{}, WithLogger(quietLogger))
	for _, id := range []string{"a", "b", "c"} {
		_, _ = r.Connect(id)
		_ = r.Append(id, []byte{1}, "audio/webm")
	}
	is.Equal(len(r.Stats()), 3)
	is.Equal(r.Stats()[0].ID, "a") // sorted

	is.NoErr(r.Close())
	is.Equal(r.Len(), 0)
	_, err := r.Connect("d")
	is.True(errors.Is(err, ErrClosed))
	is.NoErr(r.Close()) // idempotent
}

func TestDecodePayload(t *testing.T) {
	raw := []byte("\x1aE\xdf\xa3 webm header")
	std := base64.StdEncoding.EncodeToString(raw)

	tests := []struct {
		name    string
		payload string
		want    []byte
		wantErr bool
	}{
		{"plain", std, raw, false},
		{"data url", "data:audio/webm;codecs=opus;base64," + std, raw, false},
		{"unpadded", base64.RawStdEncoding.EncodeToString(raw), raw, false},
		{"empty", "", nil, true},
		{"empty after prefix", "data:audio/webm;base64,", nil, true},
		{"garbage", "%%%", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			is := is.New(t)
			got, err := DecodePayload(tt.payload)
			if tt.wantErr {
				is.True(errors.Is(err, ErrInvalidChunk))
				return
			}
			is.NoErr(err)
			is.Equal(got, tt.want)
		})
	}
}
