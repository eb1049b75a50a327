// Package narration turns a finished echo into spoken audio.
package narration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kalambet/echoes/internal/echo"
	"github.com/kalambet/echoes/internal/gemini"
)

// DefaultTimeout bounds one synthesis call.
const DefaultTimeout = 60 * time.Second

// ErrBusy is returned when a narration is requested while another is active.
var ErrBusy = errors.New("narration already in progress")

// Synthesizer produces PCM audio for text. Implemented by gemini.Client.
type Synthesizer interface {
	Speech(ctx context.Context, text string) (gemini.Audio, error)
}

// Recorder receives the outcome of every synthesis call.
type Recorder interface {
	ObservePhase(phase string, elapsed time.Duration, err error)
}

// Narrator runs at most one synthesis at a time.
type Narrator struct {
	synth    Synthesizer
	timeout  time.Duration
	recorder Recorder
	logger   *slog.Logger
	active   atomic.Bool
}

// New creates a Narrator. timeout <= 0 uses DefaultTimeout; rec may be nil.
func New(synth Synthesizer, timeout time.Duration, rec Recorder, logger *slog.Logger) *Narrator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Narrator{synth: synth, timeout: timeout, recorder: rec, logger: logger}
}

// Active reports whether a narration is in progress.
func (n *Narrator) Active() bool { return n.active.Load() }

// Narrate synthesises text and writes it to w as a WAV file. Failures are
// returned as echo errors of kind NarrationFailed.
func (n *Narrator) Narrate(ctx context.Context, text string, w io.Writer) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("narrating: empty text")
	}
	if !n.active.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer n.active.Store(false)

	callCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	start := time.Now()
	audio, err := n.synth.Speech(callCtx, text)
	if n.recorder != nil {
		n.recorder.ObservePhase("narration", time.Since(start), err)
	}
	if err != nil {
		e := echo.ProviderFailure(echo.KindNarrationFailed, err)
		n.logger.Warn("narration failed", "cause", e.Cause, "error", err)
		return e
	}
	if len(audio.PCM) == 0 {
		return &echo.Error{
			Kind:    echo.KindNarrationFailed,
			Cause:   echo.CauseInvalid,
			Message: "Audio synthesis failed.",
			Err:     errors.New("empty audio"),
		}
	}
	if err := WriteWAV(w, audio.PCM, audio.SampleRate); err != nil {
		return err
	}
	n.logger.Debug("narration complete", "bytes", len(audio.PCM), "sample_rate", audio.SampleRate)
	return nil
}

// Text builds the spoken script for a result: the event, its description,
// then the verse and its reference.
func Text(r echo.Result) string {
	var parts []string
	if t := r.Title(); t != "" {
		parts = append(parts, sentence(t))
	}
	if d := r.EventDescription; d != "" {
		parts = append(parts, sentence(d))
	}
	if v := r.Scripture.Verse; v != "" {
		parts = append(parts, sentence(v))
	}
	if ref := r.Scripture.Reference; ref != "" {
		parts = append(parts, sentence(ref))
	}
	return strings.Join(parts, " ")
}

func sentence(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}
	switch s[len(s)-1] {
	case '.', '!', '?':
		return s
	}
	return s + "."
}
