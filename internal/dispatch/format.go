package dispatch

import (
	"strings"

	"postpilot/internal/model"
)

// Formatter prepares content for a specific platform. The default covers
// plain text platforms; deployments with richer formatting needs supply
// their own.
type Formatter interface {
	Format(platform model.Platform, content model.Content) (Payload, error)
}

// TextFormatter assembles a simple text rendering: title, body, source link.
type TextFormatter struct{}

// Format implements Formatter.
func (TextFormatter) Format(_ model.Platform, content model.Content) (Payload, error) {
	var b strings.Builder
	b.WriteString(content.Title)
	if content.Body != "" {
		b.WriteString("\n\n")
		b.WriteString(content.Body)
	}
	if content.SourceURL != "" {
		b.WriteString("\n\n")
		b.WriteString(content.SourceURL)
	}
	return Payload{
		Title: content.Title,
		Body:  content.Body,
		URL:   content.SourceURL,
		Tags:  content.Tags,
		Text:  b.String(),
	}, nil
}
