package chatgateway

import (
	"fmt"
	"regexp"
	"strings"
)

// maxMessageChunkSize bounds a single outgoing chat message, matching
// Testable Property 15 (a 3601-rune output splits as [3500, 101]). The real
// Telegram limit is higher (4096); this package's chunk size is deliberately
// conservative so a reply still has headroom once a "[n/m]" continuation
// marker is appended by the caller.
const maxMessageChunkSize = 3500

// maxInlineCodeBlockBytes bounds a fenced code block rendered inline in a
// chat message; a larger block is detached into its own document attachment
// instead (§4.8's "oversized code blocks become attached documents"), the
// same size-triggered escape hatch the teacher's telegram.go applies to
// chat text itself.
const maxInlineCodeBlockBytes = 2000

// chunkText splits s on rune boundaries (never inside a multi-byte
// character) into pieces no longer than maxMessageChunkSize runes,
// concatenating back to the original with no separators inserted.
func chunkText(s string) []string {
	runes := []rune(s)
	if len(runes) == 0 {
		return []string{""}
	}
	chunks := make([]string, 0, len(runes)/maxMessageChunkSize+1)
	for len(runes) > 0 {
		n := maxMessageChunkSize
		if n > len(runes) {
			n = len(runes)
		}
		chunks = append(chunks, string(runes[:n]))
		runes = runes[n:]
	}
	return chunks
}

// workingIndicatorText is the placeholder progress message sent when a run
// is ingested, before any progress frame or terminal result has arrived.
const workingIndicatorText = "⏳ Working…"

// cancelAckText is the exact acknowledgement the user sees for a /cancel,
// per Scenario S5; the chat loop suppresses the subsequent terminal-failure
// text for the same run id.
const cancelAckText = "🛑 Stopped the active run. Session context is preserved."

func terminalFailureText(errMsg string) string {
	return "❌ " + errMsg
}

// documentAttachment is a piece of run output detached from the chat text
// and sent as a standalone file, per §4.8.
type documentAttachment struct {
	Filename string
	Content  []byte
}

var (
	fencedCodeBlockRe = regexp.MustCompile("(?s)```([a-zA-Z0-9_+-]*)\n(.*?)```")
	inlineCodeRe      = regexp.MustCompile("`([^`\n]+)`")
	boldRe            = regexp.MustCompile(`\*\*([^*]+)\*\*`)
)

// renderMarkdown translates the agent's markdown output into Telegram's
// MarkdownV2 dialect (§4.8's "markdown is rendered to the chat API's
// entities model" — MarkdownV2 is what drives Telegram's server-side
// entity parser, the same mechanism the teacher's
// internal/channels/telegram.go drives with ParseMode="MarkdownV2" and
// escapeMarkdownV2). Fenced code blocks over maxInlineCodeBlockBytes are
// pulled out as document attachments and replaced with a short pointer
// line; everything else keeps its formatting (bold, inline/fenced code)
// and has MarkdownV2's reserved characters escaped around it.
func renderMarkdown(text string) (string, []documentAttachment) {
	var attachments []documentAttachment
	var placeholders []string

	placeholder := func(rendered string) string {
		idx := len(placeholders)
		placeholders = append(placeholders, rendered)
		return fmt.Sprintf("\x00%d\x00", idx)
	}

	body := fencedCodeBlockRe.ReplaceAllStringFunc(text, func(block string) string {
		m := fencedCodeBlockRe.FindStringSubmatch(block)
		lang, code := m[1], m[2]
		if len(code) > maxInlineCodeBlockBytes {
			filename := fmt.Sprintf("snippet_%d%s", len(attachments)+1, codeFileExtension(lang))
			attachments = append(attachments, documentAttachment{Filename: filename, Content: []byte(code)})
			return placeholder(fmt.Sprintf("📎 _code block attached as %s \\(%d bytes\\)_", escapeMarkdownV2(filename), len(code)))
		}
		return placeholder("```" + lang + "\n" + escapeCodeSpan(code) + "```")
	})

	body = inlineCodeRe.ReplaceAllStringFunc(body, func(span string) string {
		return placeholder("`" + escapeCodeSpan(span[1:len(span)-1]) + "`")
	})

	body = boldRe.ReplaceAllStringFunc(body, func(span string) string {
		return placeholder("*" + escapeMarkdownV2(span[2:len(span)-2]) + "*")
	})

	body = escapeMarkdownV2(body)

	for idx, rendered := range placeholders {
		body = strings.ReplaceAll(body, fmt.Sprintf("\x00%d\x00", idx), rendered)
	}

	return body, attachments
}

// escapeMarkdownV2 escapes MarkdownV2's reserved characters in plain text,
// grounded on the teacher's escapeMarkdownV2 (internal/channels/telegram.go)
// with backslash added to the reserved set per Telegram's own
// documentation, which the teacher's version omits.
func escapeMarkdownV2(s string) string {
	const specialChars = `_*[]()~` + "`" + `>#+-=|{}.!\`
	var b strings.Builder
	b.Grow(len(s) + 8)
	for _, r := range s {
		if strings.ContainsRune(specialChars, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// escapeCodeSpan escapes the two characters MarkdownV2 treats specially
// inside a `code`/```pre``` entity: backslash and backtick.
func escapeCodeSpan(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "`", "\\`")
	return s
}

// codeFileExtension maps a fenced code block's language tag to a file
// extension for its detached document attachment; unrecognized or empty
// tags fall back to .txt.
func codeFileExtension(lang string) string {
	switch strings.ToLower(lang) {
	case "go":
		return ".go"
	case "python", "py":
		return ".py"
	case "javascript", "js":
		return ".js"
	case "typescript", "ts":
		return ".ts"
	case "json":
		return ".json"
	case "yaml", "yml":
		return ".yaml"
	case "bash", "sh", "shell":
		return ".sh"
	case "sql":
		return ".sql"
	default:
		return ".txt"
	}
}
