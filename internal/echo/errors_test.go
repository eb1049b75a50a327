package echo

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

type friendlyErr struct{ msg string }

func (e friendlyErr) Error() string       { return "raw: " + e.msg }
func (e friendlyErr) UserMessage() string { return e.msg }

func TestProviderFailure_UsesUserMessage(t *testing.T) {
	err := ProviderFailure(KindContentFetchFailed, fmt.Errorf("content: %w", friendlyErr{"Failed to weave the narrative threads."}))
	if err.Message != "Failed to weave the narrative threads." {
		t.Errorf("Message = %q", err.Message)
	}
	if err.Cause != CauseProvider {
		t.Errorf("Cause = %q, want provider", err.Cause)
	}
	if !errors.Is(err, ErrContentFetchFailed) {
		t.Error("expected errors.Is(err, ErrContentFetchFailed)")
	}
	if errors.Is(err, ErrImageFetchFailed) {
		t.Error("content failure must not match image failure")
	}
}

func TestProviderFailure_Timeout(t *testing.T) {
	err := ProviderFailure(KindImageFetchFailed, fmt.Errorf("image: %w", context.DeadlineExceeded))
	if err.Cause != CauseTimeout {
		t.Errorf("Cause = %q, want timeout", err.Cause)
	}
	if !errors.Is(err, &Error{Kind: KindImageFetchFailed, Cause: CauseTimeout}) {
		t.Error("expected match on kind and timeout cause")
	}
	if errors.Is(err, &Error{Kind: KindImageFetchFailed, Cause: CauseProvider}) {
		t.Error("timeout must not match provider cause")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("expected wrapped deadline error to be reachable")
	}
}

func TestProviderFailure_FallbackMessage(t *testing.T) {
	err := ProviderFailure(KindRecommendationFetchFailed, errors.New(""))
	if err.Message != FallbackMessage {
		t.Errorf("Message = %q, want %q", err.Message, FallbackMessage)
	}
}

func TestResultValidate(t *testing.T) {
	r := Result{
		Scripture:   Scripture{Verse: "v", Reference: "r"},
		ImagePrompt: "p",
		Posts: map[Platform]Post{
			PlatformLong:   {Body: "long"},
			PlatformMedium: {Body: "medium"},
		},
	}
	if err := r.ValidateContent(); err == nil {
		t.Fatal("expected missing short post to fail validation")
	}
	r.Posts[PlatformShort] = Post{Body: "short"}
	if err := r.ValidateContent(); err != nil {
		t.Fatalf("ValidateContent: %v", err)
	}
	if err := r.Validate(); err == nil {
		t.Fatal("expected missing image to fail validation")
	}
	r.ImageURL = "data:image/png;base64,AAAA"
	if err := r.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestResultClone_IsDeep(t *testing.T) {
	r := Result{Posts: map[Platform]Post{PlatformShort: {Body: "a"}}}
	c := r.Clone()
	c.Posts[PlatformShort] = Post{Body: "b"}
	if r.Posts[PlatformShort].Body != "a" {
		t.Error("Clone shares the posts map")
	}
}

func TestParseFilterValues(t *testing.T) {
	if e, err := ParseEra("medieval"); err != nil || e != EraMedieval {
		t.Errorf("ParseEra = %q, %v", e, err)
	}
	if _, err := ParseEra("jurassic"); err == nil {
		t.Error("expected unknown era error")
	}
	if c, err := ParseCategory(""); err != nil || c != CategoryAll {
		t.Errorf("ParseCategory(\"\") = %q, %v", c, err)
	}
	if !(Filter{Era: EraAll}).IsZero() {
		t.Error("All filter should be zero")
	}
}
