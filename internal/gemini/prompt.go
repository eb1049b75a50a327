package gemini

import (
	"fmt"
	"strings"

	"github.com/kalambet/echoes/internal/echo"
	"github.com/kalambet/echoes/internal/pipeline"
)

const recommendPromptTemplate = `List exactly %d significant historical events that happened on %s in any year.%s%s
Respond with ONLY a JSON array. Each element is an object with:
- "id": a short unique string
- "title": at most 5 words
- "description": at most 12 words
- "year": the year it happened
- "era": one of Ancient, Medieval, Renaissance, Industrial, Modern, Contemporary
- "category": one of Science, Arts, Politics, Religion, Discovery, Conflict
Prefer events with lasting global consequence.`

// BuildRecommendPrompt asks for count events on the date, narrowed by filter
// and avoiding the excluded titles.
func BuildRecommendPrompt(dateLabel string, count int, filter echo.Filter, exclude []string) string {
	var scope string
	if !filter.IsZero() {
		var parts []string
		if filter.Era != "" && filter.Era != echo.EraAll {
			parts = append(parts, fmt.Sprintf("from the %s era", filter.Era))
		}
		if filter.Category != "" && filter.Category != echo.CategoryAll {
			parts = append(parts, fmt.Sprintf("in the category %s", filter.Category))
		}
		scope = "\nOnly include events " + strings.Join(parts, " and ") + "."
	}
	var excl string
	if len(exclude) > 0 {
		excl = "\nDo not include these events: " + strings.Join(exclude, "; ") + "."
	}
	return fmt.Sprintf(recommendPromptTemplate, count, dateLabel, scope, excl)
}

const contentPromptTemplate = `Date: %s (day %d of %d).
Historical focus: %s (%s). %s
Author: %s

Write a short devotional reflection connecting this event to a Bible verse, as
three social posts and supporting material:
1. "linkedInPost": long-form story for LinkedIn, Facebook and WeChat, at most %d characters.
2. "instaThreadsPost": caption for Instagram and Threads, at most %d characters.
3. "twitterWhatsAppPost": status for X and WhatsApp, at most %d characters.
4. "linkedInHashtags", "instaHashtags", "twitterHashtags": a hashtag string for each post.
5. "bibleVerse" and "bibleReference": a verse closely related to the event.
6. "imageOverlayText": at most 8 words to overlay on the image.
7. "reflectionPrompt": one question for the reader.
8. "eventTitle" and "eventDescription": the event in a few words and one sentence.
9. "imagePrompt": a photographic scene description with no text in the image.

Respond with ONLY a JSON object containing exactly these keys. Plain text only, no HTML or markdown.`

// BuildContentPrompt asks for the full text bundle for the selected event.
func BuildContentPrompt(req pipeline.ContentRequest, limits PlatformLimits) string {
	author := req.UserName
	if author == "" {
		author = "anonymous"
	}
	return fmt.Sprintf(contentPromptTemplate,
		req.FullDate, req.DayNumber, req.TotalDays,
		req.SelectedEvent.Title, req.SelectedEvent.Year, req.SelectedEvent.Description,
		author,
		limits.Long, limits.Medium, limits.Short,
	)
}

// BuildImagePrompt wraps the generated scene description.
func BuildImagePrompt(r echo.Result) string {
	return fmt.Sprintf("Photorealistic photograph, cinematic natural light, sharp detail. Subject: %s. Scene: %s. No text, letters or watermarks in the image.",
		r.Title(), r.ImagePrompt)
}
