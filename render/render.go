// Package render turns canonical messages into inline-styled HTML fragments for email.
package render

import (
	"fmt"
	"regexp"
	"strings"

	"forum-notifier/pkg/notifier"
)

// Default colours used when a thread has none configured, or an unusable one.
const (
	DefaultMessageColor = "#eafaf1"
	DefaultQuoteColor   = "#eaf6ff"
	DefaultSpoilerColor = "#fdedec"
)

// colorPattern accepts hex colours, named colours and rgb()/rgba() values.
// Anything else could break out of the style attribute.
var colorPattern = regexp.MustCompile(`^(#[0-9a-fA-F]{3,8}|[a-zA-Z]{3,20}|rgba?\(\s*[0-9.%]+\s*(,\s*[0-9.%]+\s*){2,3}\))$`)

// ResolveColors fills in defaults for empty or invalid colours.
func ResolveColors(c notifier.Colors) notifier.Colors {
	return notifier.Colors{
		Message: pick(c.Message, DefaultMessageColor),
		Quote:   pick(c.Quote, DefaultQuoteColor),
		Spoiler: pick(c.Spoiler, DefaultSpoilerColor),
	}
}

func pick(color, fallback string) string {
	color = strings.TrimSpace(color)
	if colorPattern.MatchString(color) {
		return color
	}
	return fallback
}

// Message renders one message as an HTML fragment. Block text is escaped and
// line breaks become <br>. Returns "" for a message without blocks.
func Message(msg notifier.Message, colors notifier.Colors) string {
	colors = ResolveColors(colors)
	hasQuote := false
	for _, blk := range msg.Blocks {
		if blk.Kind == notifier.KindQuote {
			hasQuote = true
			break
		}
	}

	var b strings.Builder
	for _, blk := range msg.Blocks {
		switch blk.Kind {
		case notifier.KindQuote:
			fmt.Fprintf(&b, "<div dir=\"auto\" style=\"border: 1px solid #99d6ff; border-radius: 10px; padding: 10px; margin-bottom: 10px; background: %s;\">", colors.Quote)
			fmt.Fprintf(&b, "<b>Quote from %s:</b><br>", EscapeHTML(blk.Author))
			fmt.Fprintf(&b, "<i>%s</i>", lines(blk.Text))
			b.WriteString("</div>\n")
		case notifier.KindBody:
			fmt.Fprintf(&b, "<div dir=\"auto\" style=\"border: 1px solid #a9dfbf; border-radius: 10px; padding: 10px; background: %s;\">", colors.Message)
			if hasQuote {
				b.WriteString("<b>Reply:</b><br>")
			}
			b.WriteString(lines(blk.Text))
			b.WriteString("</div>\n")
		case notifier.KindSpoiler:
			fmt.Fprintf(&b, "<div dir=\"auto\" style=\"margin-top: 10px; border: 1px solid #f5b7b1; border-radius: 10px; padding: 10px; background: %s;\">", colors.Spoiler)
			fmt.Fprintf(&b, "<b>%s:</b><br>", EscapeHTML(blk.Title))
			fmt.Fprintf(&b, "<span style=\"color: #333;\">%s</span>", lines(blk.Text))
			b.WriteString("</div>\n")
		}
	}
	return b.String()
}

// Failure renders the notice sent when a thread's last page cannot be determined.
func Failure(threadTitle string) string {
	return fmt.Sprintf("<div dir=\"auto\" style=\"color: red; font-weight: bold;\">Could not determine the last page of thread: %s</div>\n",
		EscapeHTML(threadTitle))
}

func lines(s string) string {
	return strings.ReplaceAll(EscapeHTML(s), "\n", "<br>")
}

// EscapeHTML escapes text for use in HTML content and attribute values.
func EscapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")
	return s
}
