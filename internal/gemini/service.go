package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"sort"
	"strconv"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/kalambet/echoes/internal/echo"
	"github.com/kalambet/echoes/internal/pipeline"
)

const (
	msgRecommend = "Failed to fetch historical archives."
	msgContent   = "Failed to weave the narrative threads."
	msgImage     = "Visual manifestation failed."
	msgSpeech    = "Audio synthesis failed."

	defaultSampleRate = 24000
)

// textPolicy strips all markup from generated post text.
var textPolicy = bluemonday.StrictPolicy()

// failure attaches a display message to a transport or API error. An API
// error's own message takes precedence.
type failure struct {
	msg string
	err error
}

func (f *failure) Error() string { return f.msg + ": " + f.err.Error() }
func (f *failure) Unwrap() error { return f.err }

func (f *failure) UserMessage() string {
	var apiErr *APIError
	if errors.As(f.err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return f.msg
}

func invalid(kind echo.Kind, msg string, err error) *echo.Error {
	return &echo.Error{Kind: kind, Cause: echo.CauseInvalid, Message: msg, Err: err}
}

// Recommend implements pipeline.Recommender.
func (c *Client) Recommend(ctx context.Context, req pipeline.RecommendRequest) ([]echo.Candidate, error) {
	label := req.DateContext.DisplayDate
	if label == "" {
		label = req.DateContext.FullDate
	}
	resp, err := c.generate(ctx, c.models.recommend, generateRequest{
		Contents:         userText(BuildRecommendPrompt(label, req.Count, req.Filter, req.Exclude)),
		GenerationConfig: &generationConfig{ResponseMimeType: "application/json"},
	})
	if err != nil {
		return nil, &failure{msg: msgRecommend, err: err}
	}
	cands, err := ParseCandidates(resp.text())
	if err != nil {
		return nil, invalid(echo.KindRecommendationFetchFailed, msgRecommend, err)
	}
	return cands, nil
}

// ParseCandidates decodes a model's candidate list. It accepts a bare array
// or an object wrapping one, fills in missing or duplicate ids, and drops
// entries without a title.
func ParseCandidates(raw string) ([]echo.Candidate, error) {
	raw = stripFences(raw)
	var payload []candidatePayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		var wrapped map[string]json.RawMessage
		if werr := json.Unmarshal([]byte(raw), &wrapped); werr != nil {
			return nil, fmt.Errorf("parsing candidates: %w", err)
		}
		list, werr := unwrapCandidates(wrapped)
		if werr != nil {
			return nil, fmt.Errorf("parsing candidates: %w", werr)
		}
		payload = list
	}

	out := make([]echo.Candidate, 0, len(payload))
	seen := make(map[string]bool, len(payload))
	for i, p := range payload {
		title := strings.TrimSpace(plain(p.Title))
		if title == "" {
			continue
		}
		id := strings.TrimSpace(string(p.ID))
		if id == "" || seen[id] {
			id = "evt_" + strconv.Itoa(i+1)
		}
		for seen[id] {
			id += "_"
		}
		seen[id] = true

		c := echo.Candidate{
			ID:          id,
			Title:       title,
			Description: strings.TrimSpace(plain(p.Description)),
			Year:        strings.TrimSpace(string(p.Year)),
		}
		if e, err := echo.ParseEra(p.Era); err == nil && p.Era != "" {
			c.Era = e
		}
		if cat, err := echo.ParseCategory(p.Category); err == nil && p.Category != "" {
			c.Category = cat
		}
		out = append(out, c)
	}
	return out, nil
}

// candidateKeys are the wrapper keys models use for the list, in preference order.
var candidateKeys = []string{"events", "candidates", "recommendations"}

// unwrapCandidates finds the list inside an object payload: a known key
// first, otherwise the only array-valued member.
func unwrapCandidates(wrapped map[string]json.RawMessage) ([]candidatePayload, error) {
	for _, k := range candidateKeys {
		if v, ok := wrapped[k]; ok {
			var list []candidatePayload
			if err := json.Unmarshal(v, &list); err != nil {
				return nil, fmt.Errorf("decoding %q: %w", k, err)
			}
			return list, nil
		}
	}
	var (
		found []candidatePayload
		keys  []string
	)
	for k, v := range wrapped {
		var list []candidatePayload
		if json.Unmarshal(v, &list) == nil {
			found = list
			keys = append(keys, k)
		}
	}
	switch len(keys) {
	case 0:
		return nil, errors.New("no candidate list in object")
	case 1:
		return found, nil
	default:
		sort.Strings(keys)
		return nil, fmt.Errorf("ambiguous candidate lists %v", keys)
	}
}

// Content implements pipeline.ContentGenerator.
func (c *Client) Content(ctx context.Context, req pipeline.ContentRequest) (echo.Result, error) {
	resp, err := c.generate(ctx, c.models.content, generateRequest{
		Contents:         userText(BuildContentPrompt(req, c.limits)),
		GenerationConfig: &generationConfig{ResponseMimeType: "application/json"},
	})
	if err != nil {
		return echo.Result{}, &failure{msg: msgContent, err: err}
	}
	r, err := ParseContent(resp.text())
	if err != nil {
		return echo.Result{}, invalid(echo.KindContentFetchFailed, msgContent, err)
	}
	if n := len([]rune(r.Posts[echo.PlatformShort].Body)); n > c.limits.Short {
		c.logger.Warn("short post exceeds limit", "length", n, "limit", c.limits.Short)
	}
	return r, nil
}

// ParseContent decodes and validates the content model's JSON object.
func ParseContent(raw string) (echo.Result, error) {
	var p contentPayload
	if err := json.Unmarshal([]byte(stripFences(raw)), &p); err != nil {
		return echo.Result{}, fmt.Errorf("parsing content: %w", err)
	}
	r := echo.Result{
		EventTitle:       plain(p.EventTitle),
		EventDescription: plain(p.EventDescription),
		ReflectionPrompt: plain(p.ReflectionPrompt),
		ImageOverlayText: plain(p.ImageOverlayText),
		ImagePrompt:      strings.TrimSpace(p.ImagePrompt),
		Scripture: echo.Scripture{
			Verse:     plain(p.BibleVerse),
			Reference: plain(p.BibleReference),
		},
		Posts: map[echo.Platform]echo.Post{
			echo.PlatformLong: {
				Body:     plain(firstNonEmpty(p.LinkedInPost, p.LongPost)),
				Hashtags: plain(firstNonEmpty(p.LinkedInHashtags, p.LongHashtags)),
			},
			echo.PlatformMedium: {
				Body:     plain(firstNonEmpty(p.InstaThreadsPost, p.MediumPost)),
				Hashtags: plain(firstNonEmpty(p.InstaHashtags, p.MediumHashtags)),
			},
			echo.PlatformShort: {
				Body:     plain(firstNonEmpty(p.TwitterWhatsAppPost, p.ShortPost)),
				Hashtags: plain(firstNonEmpty(p.TwitterHashtags, p.ShortHashtags)),
			},
		},
	}
	if err := r.ValidateContent(); err != nil {
		return echo.Result{}, err
	}
	return r, nil
}

// Image implements pipeline.ImageGenerator. The image is returned as a data URI.
func (c *Client) Image(ctx context.Context, r echo.Result, aspect echo.AspectRatio) (string, error) {
	if aspect == "" {
		aspect = echo.Aspect3x4
	}
	resp, err := c.generate(ctx, c.models.image, generateRequest{
		Contents: userText(BuildImagePrompt(r)),
		GenerationConfig: &generationConfig{
			ResponseModalities: []string{"IMAGE"},
			ImageConfig:        &imageConfig{AspectRatio: string(aspect)},
		},
	})
	if err != nil {
		return "", &failure{msg: msgImage, err: err}
	}
	data := resp.inline()
	if data == nil {
		return "", invalid(echo.KindImageFetchFailed, msgImage, errors.New("response has no image data"))
	}
	mime := data.MimeType
	if mime == "" {
		mime = "image/png"
	}
	return "data:" + mime + ";base64," + data.Data, nil
}

// Audio is raw 16-bit little-endian mono PCM.
type Audio struct {
	PCM        []byte
	SampleRate int
}

// Speech synthesises text with the configured voice.
func (c *Client) Speech(ctx context.Context, text string) (Audio, error) {
	resp, err := c.generate(ctx, c.models.tts, generateRequest{
		Contents: userText(text),
		GenerationConfig: &generationConfig{
			ResponseModalities: []string{"AUDIO"},
			SpeechConfig: &speechConfig{VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: c.voice},
			}},
		},
	})
	if err != nil {
		return Audio{}, &failure{msg: msgSpeech, err: err}
	}
	data := resp.inline()
	if data == nil {
		return Audio{}, invalid(echo.KindNarrationFailed, msgSpeech, errors.New("response has no audio data"))
	}
	pcm, err := base64.StdEncoding.DecodeString(data.Data)
	if err != nil {
		return Audio{}, invalid(echo.KindNarrationFailed, msgSpeech, fmt.Errorf("decoding audio: %w", err))
	}
	return Audio{PCM: pcm, SampleRate: sampleRate(data.MimeType)}, nil
}

// sampleRate reads "rate=N" from a mime type such as
// "audio/L16;codec=pcm;rate=24000".
func sampleRate(mime string) int {
	for _, param := range strings.Split(mime, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
		if ok && strings.EqualFold(k, "rate") {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				return n
			}
		}
	}
	return defaultSampleRate
}

// plain removes markup and surrounding space from generated text.
func plain(s string) string {
	return strings.TrimSpace(html.UnescapeString(textPolicy.Sanitize(s)))
}

// stripFences removes a surrounding ```json fence some models add even in
// JSON mode.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
