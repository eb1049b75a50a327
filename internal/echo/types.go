// Package echo holds the value types shared by the generation pipeline, the
// history archive and the provider adapters.
package echo

import (
	"fmt"
	"strings"
	"time"
)

// DateContext describes the target date of a generation run. It is derived
// from a calendar date and never mutated afterwards.
type DateContext struct {
	OrdinalDay  int    `json:"ordinal_day"`
	TotalDays   int    `json:"total_days"`
	DisplayDate string `json:"display_date"` // "March 1"
	ISODate     string `json:"iso_date"`     // "2026-03-01"
	FullDate    string `json:"full_date"`    // "March 1, 2026"
}

// Formatted returns the "day/total" counter shown on the card.
func (d DateContext) Formatted() string {
	return fmt.Sprintf("%d/%d", d.OrdinalDay, d.TotalDays)
}

// Era narrows recommendations to a historical period.
type Era string

const (
	EraAll          Era = "All"
	EraAncient      Era = "Ancient"
	EraMedieval     Era = "Medieval"
	EraRenaissance  Era = "Renaissance"
	EraIndustrial   Era = "Industrial"
	EraModern       Era = "Modern"
	EraContemporary Era = "Contemporary"
)

// Eras lists every valid Era, All first.
var Eras = []Era{EraAll, EraAncient, EraMedieval, EraRenaissance, EraIndustrial, EraModern, EraContemporary}

// Category narrows recommendations to a kind of impact.
type Category string

const (
	CategoryAll       Category = "All"
	CategoryScience   Category = "Science"
	CategoryArts      Category = "Arts"
	CategoryPolitics  Category = "Politics"
	CategoryReligion  Category = "Religion"
	CategoryDiscovery Category = "Discovery"
	CategoryConflict  Category = "Conflict"
)

// Categories lists every valid Category, All first.
var Categories = []Category{CategoryAll, CategoryScience, CategoryArts, CategoryPolitics, CategoryReligion, CategoryDiscovery, CategoryConflict}

// ParseEra matches s case-insensitively against the known eras.
// The empty string parses as EraAll.
func ParseEra(s string) (Era, error) {
	if s == "" {
		return EraAll, nil
	}
	for _, e := range Eras {
		if strings.EqualFold(string(e), s) {
			return e, nil
		}
	}
	return "", fmt.Errorf("unknown era %q", s)
}

// ParseCategory matches s case-insensitively against the known categories.
// The empty string parses as CategoryAll.
func ParseCategory(s string) (Category, error) {
	if s == "" {
		return CategoryAll, nil
	}
	for _, c := range Categories {
		if strings.EqualFold(string(c), s) {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown category %q", s)
}

// Filter scopes a recommendation scan. Zero values and All mean unfiltered.
type Filter struct {
	Era      Era      `json:"era,omitempty"`
	Category Category `json:"category,omitempty"`
}

// IsZero reports whether the filter places no restriction on the scan.
func (f Filter) IsZero() bool {
	return (f.Era == "" || f.Era == EraAll) && (f.Category == "" || f.Category == CategoryAll)
}

// Candidate is one historical event suggested for a date.
type Candidate struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Year        string   `json:"year"`
	Era         Era      `json:"era,omitempty"`
	Category    Category `json:"category,omitempty"`
}

// Platform identifies one group of social networks sharing a post body.
type Platform string

const (
	PlatformLong   Platform = "long"   // LinkedIn, Facebook, WeChat
	PlatformMedium Platform = "medium" // Instagram, Threads
	PlatformShort  Platform = "short"  // X, WhatsApp
)

// RequiredPlatforms must all carry a non-empty body in a finished Result.
var RequiredPlatforms = []Platform{PlatformLong, PlatformMedium, PlatformShort}

// Post is the text published on one platform group.
type Post struct {
	Body     string `json:"body"`
	Hashtags string `json:"hashtags"`
}

// Scripture pairs a verse with its reference.
type Scripture struct {
	Verse     string `json:"verse"`
	Reference string `json:"reference"`
}

// Result is the complete echo for one historical event.
type Result struct {
	DateContext         DateContext       `json:"date_context"`
	DayNumber           int               `json:"day_number"`
	TotalDays           int               `json:"total_days"`
	SelectedEvent       Candidate         `json:"selected_event"`
	EventTitle          string            `json:"event_title"`
	EventDescription    string            `json:"event_description"`
	ReflectionPrompt    string            `json:"reflection_prompt,omitempty"`
	Scripture           Scripture         `json:"scripture"`
	Posts               map[Platform]Post `json:"posts"`
	ImageOverlayText    string            `json:"image_overlay_text,omitempty"`
	ImagePrompt         string            `json:"image_prompt"`
	ImageURL            string            `json:"image_url,omitempty"`
	NarratorAuthorName  string            `json:"narrator_author_name"`
	CustomBackgroundURL string            `json:"custom_background_url,omitempty"`
}

// Title returns the event title, falling back to the selected candidate.
func (r Result) Title() string {
	if r.EventTitle != "" {
		return r.EventTitle
	}
	return r.SelectedEvent.Title
}

// Clone returns a deep copy of r.
func (r Result) Clone() Result {
	out := r
	if r.Posts != nil {
		out.Posts = make(map[Platform]Post, len(r.Posts))
		for k, v := range r.Posts {
			out.Posts[k] = v
		}
	}
	return out
}

// ValidateContent checks the fields the content phase must produce.
func (r Result) ValidateContent() error {
	var missing []string
	for _, p := range RequiredPlatforms {
		if strings.TrimSpace(r.Posts[p].Body) == "" {
			missing = append(missing, string(p)+" post")
		}
	}
	if strings.TrimSpace(r.Scripture.Verse) == "" {
		missing = append(missing, "verse")
	}
	if strings.TrimSpace(r.Scripture.Reference) == "" {
		missing = append(missing, "reference")
	}
	if strings.TrimSpace(r.ImagePrompt) == "" {
		missing = append(missing, "image prompt")
	}
	if len(missing) > 0 {
		return fmt.Errorf("content missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// Validate checks a finished Result: content fields plus the image.
func (r Result) Validate() error {
	if err := r.ValidateContent(); err != nil {
		return err
	}
	if r.ImageURL == "" {
		return fmt.Errorf("result has no image")
	}
	return nil
}

// HistoryEntry is the lightweight index record pointing at a stored Result.
type HistoryEntry struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	DateLabel    string    `json:"date_label"`
	ThumbnailURL string    `json:"thumbnail_url,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// AspectRatio of a generated image.
type AspectRatio string

const (
	Aspect1x1  AspectRatio = "1:1"
	Aspect3x4  AspectRatio = "3:4"
	Aspect4x3  AspectRatio = "4:3"
	Aspect9x16 AspectRatio = "9:16"
	Aspect16x9 AspectRatio = "16:9"
)

// ParseAspectRatio validates s as one of the supported ratios.
func ParseAspectRatio(s string) (AspectRatio, error) {
	switch a := AspectRatio(s); a {
	case Aspect1x1, Aspect3x4, Aspect4x3, Aspect9x16, Aspect16x9:
		return a, nil
	}
	return "", fmt.Errorf("unsupported aspect ratio %q", s)
}
