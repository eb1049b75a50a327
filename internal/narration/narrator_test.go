package narration

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/kalambet/echoes/internal/echo"
	"github.com/kalambet/echoes/internal/gemini"
)

type fakeSynth struct {
	fn func(ctx context.Context, text string) (gemini.Audio, error)
}

func (f *fakeSynth) Speech(ctx context.Context, text string) (gemini.Audio, error) {
	return f.fn(ctx, text)
}

func TestNarrate_WritesWAV(t *testing.T) {
	pcm := []byte{1, 2, 3, 4}
	n := New(&fakeSynth{fn: func(context.Context, string) (gemini.Audio, error) {
		return gemini.Audio{PCM: pcm, SampleRate: 24000}, nil
	}}, 0, nil, nil)

	var buf bytes.Buffer
	if err := n.Narrate(context.Background(), "hello", &buf); err != nil {
		t.Fatalf("Narrate: %v", err)
	}
	b := buf.Bytes()
	if len(b) != 44+len(pcm) {
		t.Fatalf("len = %d, want %d", len(b), 44+len(pcm))
	}
	if string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" || string(b[36:40]) != "data" {
		t.Errorf("bad header %q", b[:44])
	}
	if rate := binary.LittleEndian.Uint32(b[24:28]); rate != 24000 {
		t.Errorf("sample rate = %d", rate)
	}
	if byteRate := binary.LittleEndian.Uint32(b[28:32]); byteRate != 48000 {
		t.Errorf("byte rate = %d", byteRate)
	}
	if !bytes.Equal(b[44:], pcm) {
		t.Error("pcm data mangled")
	}
	if n.Active() {
		t.Error("narrator still active")
	}
}

func TestNarrate_Busy(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	n := New(&fakeSynth{fn: func(context.Context, string) (gemini.Audio, error) {
		close(started)
		<-release
		return gemini.Audio{PCM: []byte{0, 0}, SampleRate: 24000}, nil
	}}, 0, nil, nil)

	done := make(chan error, 1)
	go func() { done <- n.Narrate(context.Background(), "first", &bytes.Buffer{}) }()
	<-started

	if err := n.Narrate(context.Background(), "second", &bytes.Buffer{}); !errors.Is(err, ErrBusy) {
		t.Errorf("concurrent Narrate err = %v, want ErrBusy", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first Narrate: %v", err)
	}
}

func TestNarrate_Failure(t *testing.T) {
	n := New(&fakeSynth{fn: func(context.Context, string) (gemini.Audio, error) {
		return gemini.Audio{}, errors.New("Audio synthesis failed.")
	}}, 0, nil, nil)
	err := n.Narrate(context.Background(), "x", &bytes.Buffer{})
	if !errors.Is(err, echo.ErrNarrationFailed) {
		t.Fatalf("err = %v, want NarrationFailed", err)
	}
}

func TestNarrate_Timeout(t *testing.T) {
	n := New(&fakeSynth{fn: func(ctx context.Context, _ string) (gemini.Audio, error) {
		<-ctx.Done()
		return gemini.Audio{}, ctx.Err()
	}}, 10*time.Millisecond, nil, nil)
	err := n.Narrate(context.Background(), "x", &bytes.Buffer{})
	if !errors.Is(err, &echo.Error{Kind: echo.KindNarrationFailed, Cause: echo.CauseTimeout}) {
		t.Fatalf("err = %v, want timeout", err)
	}
}

func TestText(t *testing.T) {
	r := echo.Result{
		EventTitle: "Yellowstone founded",
		Scripture:  echo.Scripture{Verse: "Be still, and know that I am God.", Reference: "Psalm 46:10"},
	}
	want := "Yellowstone founded. Be still, and know that I am God. Psalm 46:10."
	if got := Text(r); got != want {
		t.Errorf("Text = %q, want %q", got, want)
	}
}
