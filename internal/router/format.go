package router

import (
	"fmt"
	"strings"

	"github.com/linkerlin/tgclaw/internal/types"
)

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

// EscapeXML replaces XML special characters in s.
func EscapeXML(s string) string {
	return xmlEscaper.Replace(s)
}

// FormatMessages renders messages as the prompt block a worker receives.
func FormatMessages(messages []types.NewMessage) string {
	if len(messages) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("<messages>\n")
	for _, m := range messages {
		fmt.Fprintf(&sb, "<message sender=\"%s\" time=\"%s\">%s</message>\n",
			EscapeXML(m.SenderName), EscapeXML(m.Timestamp), EscapeXML(m.Content))
	}
	sb.WriteString("</messages>")
	return sb.String()
}

// FormatOutbound prefixes a worker reply with the assistant's name.
func FormatOutbound(assistantName, rawText string) string {
	return assistantName + ": " + strings.TrimSpace(rawText)
}
