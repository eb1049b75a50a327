package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/kalambet/echoes/internal/echo"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorCyan, "→ "+msg))
}

var platformLabels = map[echo.Platform]string{
	echo.PlatformLong:   "LinkedIn / Facebook / WeChat",
	echo.PlatformMedium: "Instagram / Threads",
	echo.PlatformShort:  "X / WhatsApp",
}

// writeCandidates lists scan results with their pick index.
func writeCandidates(w io.Writer, cands []echo.Candidate) {
	for i, c := range cands {
		year := c.Year
		if year == "" {
			year = "?"
		}
		fmt.Fprintf(w, "%s  %s  %s\n", colorize(colorCyan, fmt.Sprintf("[%2d]", i)), colorize(colorBold, year), c.Title)
		if c.Description != "" {
			fmt.Fprintf(w, "       %s\n", c.Description)
		}
	}
}

// writeCard renders a finished echo as plain text. Image data is summarised,
// not printed.
func writeCard(w io.Writer, r echo.Result) {
	fmt.Fprintf(w, "%s  %s\n", colorize(colorCyan, r.DateContext.Formatted()), r.DateContext.FullDate)
	fmt.Fprintln(w, colorize(colorBold, r.Title()))
	if r.EventDescription != "" {
		fmt.Fprintf(w, "%s\n", r.EventDescription)
	}
	fmt.Fprintf(w, "\n  \"%s\"\n  %s\n", r.Scripture.Verse, r.Scripture.Reference)
	if r.ReflectionPrompt != "" {
		fmt.Fprintf(w, "\n%s\n", r.ReflectionPrompt)
	}

	for _, p := range echo.RequiredPlatforms {
		post, ok := r.Posts[p]
		if !ok {
			continue
		}
		fmt.Fprintf(w, "\n%s\n%s\n", colorize(colorBold, platformLabels[p]), post.Body)
		if post.Hashtags != "" {
			fmt.Fprintln(w, colorize(colorCyan, post.Hashtags))
		}
	}

	if r.ImageOverlayText != "" {
		fmt.Fprintf(w, "\nOverlay: %s\n", r.ImageOverlayText)
	}
	fmt.Fprintf(w, "Image: %s\n", imageSummary(r.ImageURL))
	if r.NarratorAuthorName != "" {
		fmt.Fprintf(w, "Signed: %s\n", r.NarratorAuthorName)
	}
}

func imageSummary(url string) string {
	if url == "" {
		return "none"
	}
	if strings.HasPrefix(url, "data:") {
		mime, _, _ := strings.Cut(strings.TrimPrefix(url, "data:"), ";")
		return fmt.Sprintf("%s, %d bytes inline", mime, len(url))
	}
	return url
}
