package scraper

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"forum-notifier/pkg/notifier"

	"github.com/PuerkitoBio/goquery"
)

// DefaultBoilerplate is the moderation notice the forum repeats in update threads.
const DefaultBoilerplate = "כללים למשתתפים באשכול עדכונים זה"

const defaultSpoilerTitle = "spoiler"

// Selectors for the XenForo message layout.
const (
	selWrapper     = "div.bbWrapper"
	selMessageBody = "article.message-body.js-selectToQuote"
	selSignature   = "aside.message-signature"
	selAdMarker    = ".perek"
	selQuote       = "blockquote.bbCodeBlock--quote"
	selExpandLink  = "div.bbCodeBlock-expandLink"
	selSpoiler     = "div.bbCodeBlock.bbCodeBlock--spoiler"
	selBlockTitle  = ".bbCodeBlock-title"
	selBlockBody   = ".bbCodeBlock-content"
)

// Extractor turns thread page HTML into canonical messages.
type Extractor struct {
	logger      *slog.Logger
	boilerplate []string
}

// NewExtractor creates an extractor that drops messages containing any of the boilerplate phrases.
func NewExtractor(boilerplate []string, logger *slog.Logger) *Extractor {
	var phrases []string
	for _, p := range boilerplate {
		if p = collapseSpace(p); p != "" {
			phrases = append(phrases, p)
		}
	}
	return &Extractor{
		logger:      logger,
		boilerplate: phrases,
	}
}

// Extract parses one page and returns its messages in page order.
func (e *Extractor) Extract(r io.Reader) ([]notifier.Message, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	var messages []notifier.Message
	doc.Find(selWrapper).Each(func(i int, w *goquery.Selection) {
		if reason := e.skipReason(w); reason != "" {
			e.logger.Debug("Skipping candidate", "index", i, "reason", reason)
			return
		}

		msg := reconstruct(w)
		if len(msg.Blocks) == 0 {
			e.logger.Debug("Skipping empty candidate", "index", i)
			return
		}
		messages = append(messages, msg)
	})

	return messages, nil
}

// skipReason applies the candidate filters in order and names the first that matches.
func (e *Extractor) skipReason(w *goquery.Selection) string {
	if !w.Parent().Is(selMessageBody) {
		return "not_message_body"
	}
	if w.Find(selSignature).Length() > 0 || w.Closest(selSignature).Length() > 0 {
		return "signature"
	}
	if len(e.boilerplate) > 0 {
		text := collapseSpace(selectionText(w, nil))
		for _, phrase := range e.boilerplate {
			if strings.Contains(text, phrase) {
				return "boilerplate"
			}
		}
	}
	if w.Find(selAdMarker).Length() > 0 {
		return "advertisement"
	}
	return ""
}

// collapseSpace joins the words of s with single spaces so line breaks never split a phrase.
func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// reconstruct builds the block sequence of one message wrapper without modifying the tree.
func reconstruct(w *goquery.Selection) notifier.Message {
	var msg notifier.Message

	quote := w.Find(selQuote).First()
	expand := w.Find(selExpandLink).First()
	spoilers := w.Find(selSpoiler)

	// Spoilers never leak into quote or body text
	exclude := nodeSet{}
	exclude.add(spoilers)

	if quote.Length() > 0 && expand.Length() > 0 {
		exclude.add(expand)

		author, _ := quote.Attr("data-quote")
		msg.Blocks = append(msg.Blocks, notifier.Block{
			Kind:   notifier.KindQuote,
			Author: strings.TrimSpace(author),
			Text:   selectionText(quote.Find(selBlockBody).First(), exclude),
		})

		exclude.add(quote)
	}

	if body := selectionText(w, exclude); body != "" {
		msg.Blocks = append(msg.Blocks, notifier.Block{
			Kind: notifier.KindBody,
			Text: body,
		})
	}

	spoilers.Each(func(_ int, sp *goquery.Selection) {
		title := defaultSpoilerTitle
		if t := sp.Find(selBlockTitle).First(); t.Length() > 0 {
			if text := selectionText(t, nil); text != "" {
				title = text
			}
		}

		// Nested spoilers are emitted on their own
		inner := nodeSet{}
		inner.add(sp.Find(selSpoiler))

		text := selectionText(sp.Find(selBlockBody).First(), inner)
		if text == "" {
			return
		}
		msg.Blocks = append(msg.Blocks, notifier.Block{
			Kind:  notifier.KindSpoiler,
			Title: title,
			Text:  text,
		})
	})

	return msg
}
