package email

import (
	"fmt"
	"html"
	"strings"

	"github.com/mangalytics/mangalytics/internal/types"
)

// DigestSubject builds the subject line for a topic's digest.
func DigestSubject(topic string) string {
	return fmt.Sprintf("Your manga research digest: %s", topic)
}

// DigestHTML renders the generated panels as the email body. Panel images
// travel as attachments, so the body carries the narrative text only.
func DigestHTML(topic string, panels []types.MangaPanel) string {
	var b strings.Builder

	b.WriteString(`<div style="font-family: sans-serif; max-width: 640px; margin: 0 auto;">`)
	fmt.Fprintf(&b, `<h1>Today's research, as a manga</h1>`)
	fmt.Fprintf(&b, `<p>A four panel story from the latest papers on <strong>%s</strong>.</p>`, html.EscapeString(topic))

	for _, panel := range panels {
		fmt.Fprintf(&b, `<h2>Panel %d: %s</h2>`, panel.PanelNumber, html.EscapeString(panel.Title))
		fmt.Fprintf(&b, `<p>%s</p>`, html.EscapeString(panel.Description))
		if panel.Dialogue != "" {
			fmt.Fprintf(&b, `<blockquote style="border-left: 3px solid #888; padding-left: 12px;">%s</blockquote>`,
				html.EscapeString(panel.Dialogue))
		}
	}

	b.WriteString(`<p style="color: #888; font-size: 12px;">Source figures are attached.</p>`)
	b.WriteString(`</div>`)
	return b.String()
}
