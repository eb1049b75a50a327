package gemini

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Wire types for the generateContent endpoint. Only the fields this package
// uses are modelled.

type generateRequest struct {
	Contents         []content         `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type generationConfig struct {
	ResponseMimeType   string        `json:"responseMimeType,omitempty"`
	ResponseModalities []string      `json:"responseModalities,omitempty"`
	ImageConfig        *imageConfig  `json:"imageConfig,omitempty"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type imageConfig struct {
	AspectRatio string `json:"aspectRatio,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason,omitempty"`
	} `json:"candidates"`
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func userText(s string) []content {
	return []content{{Role: "user", Parts: []part{{Text: s}}}}
}

// text concatenates the text parts of the first candidate.
func (r *generateResponse) text() string {
	if len(r.Candidates) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range r.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	return sb.String()
}

// inline returns the first inline data part of the first candidate.
func (r *generateResponse) inline() *inlineData {
	if len(r.Candidates) == 0 {
		return nil
	}
	for _, p := range r.Candidates[0].Content.Parts {
		if p.InlineData != nil && p.InlineData.Data != "" {
			return p.InlineData
		}
	}
	return nil
}

// flexString accepts a JSON string or number; models are inconsistent about
// quoting years.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

type candidatePayload struct {
	ID          flexString `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Year        flexString `json:"year"`
	Era         string     `json:"era"`
	Category    string     `json:"category"`
}

// contentPayload is the JSON object the content model is asked to return.
// Both the per-network and the per-length field names are accepted.
type contentPayload struct {
	EventTitle       string `json:"eventTitle"`
	EventDescription string `json:"eventDescription"`
	ImageOverlayText string `json:"imageOverlayText"`
	BibleVerse       string `json:"bibleVerse"`
	BibleReference   string `json:"bibleReference"`
	ReflectionPrompt string `json:"reflectionPrompt"`
	ImagePrompt      string `json:"imagePrompt"`

	LinkedInPost        string `json:"linkedInPost"`
	LinkedInHashtags    string `json:"linkedInHashtags"`
	InstaThreadsPost    string `json:"instaThreadsPost"`
	InstaHashtags       string `json:"instaHashtags"`
	TwitterWhatsAppPost string `json:"twitterWhatsAppPost"`
	TwitterHashtags     string `json:"twitterHashtags"`

	LongPost       string `json:"longPost"`
	LongHashtags   string `json:"longHashtags"`
	MediumPost     string `json:"mediumPost"`
	MediumHashtags string `json:"mediumHashtags"`
	ShortPost      string `json:"shortPost"`
	ShortHashtags  string `json:"shortHashtags"`
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
