package email

import (
	"fmt"
	"strings"

	"forum-notifier/pkg/notifier"
	"forum-notifier/render"
)

// Subject returns the email subject for a batch.
func Subject(batch *notifier.Batch) string {
	title := batch.ThreadTitle
	if title == "" {
		title = batch.ThreadURL
	}
	if batch.Failure {
		return "Could not read thread: " + title
	}
	return "New messages: " + title
}

func formatBatchBody(batch *notifier.Batch) string {
	var b strings.Builder

	b.WriteString("<!DOCTYPE html>\n<html>\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString("<style>\n")
	b.WriteString("body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; max-width: 800px; margin: 0 auto; padding: 20px; background: #fff; }\n")
	b.WriteString(".message { border: 1px solid #ccc; border-radius: 10px; padding: 10px; margin-bottom: 15px; }\n")
	b.WriteString(".footer { margin-top: 30px; padding-top: 15px; font-size: 0.9em; color: #7f8c8d; border-top: 1px solid #ddd; }\n")
	b.WriteString("a { color: #e67e22; text-decoration: none; }\n")
	b.WriteString("@media (prefers-color-scheme: dark) {\n")
	b.WriteString("body { background: #1a1a1a; color: #e0e0e0; }\n")
	b.WriteString(".message { border-color: #444; }\n")
	b.WriteString(".footer { color: #a0a0a0; border-top-color: #444; }\n")
	b.WriteString("a { color: #ff8c42; }\n")
	b.WriteString("}\n")
	b.WriteString("</style>\n</head>\n<body dir=\"auto\">\n")

	// Fragments are already escaped and styled by the renderer
	for _, msg := range batch.Messages {
		b.WriteString("<div class=\"message\" style=\"border: 1px solid #ccc; border-radius: 10px; padding: 10px; margin-bottom: 15px;\">\n")
		b.WriteString(msg)
		b.WriteString("</div>\n")
	}

	if batch.ThreadURL != "" {
		b.WriteString("<div class=\"footer\">\n")
		fmt.Fprintf(&b, "<a href=\"%s\">View thread</a>\n", render.EscapeHTML(batch.ThreadURL))
		b.WriteString("</div>\n")
	}

	b.WriteString("</body>\n</html>")

	return b.String()
}
