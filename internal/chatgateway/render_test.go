package chatgateway

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEscapeMarkdownV2_EscapesReservedChars(t *testing.T) {
	got := escapeMarkdownV2("Done! (100%) [ok]")
	require.Equal(t, `Done\! \(100%\) \[ok\]`, got)
}

func TestEscapeMarkdownV2_EscapesBackslash(t *testing.T) {
	require.Equal(t, `a\\b`, escapeMarkdownV2(`a\b`))
}

func TestRenderMarkdown_PlainTextEscapedNoAttachments(t *testing.T) {
	body, attachments := renderMarkdown("Build failed: step 2 (compile).")
	require.Empty(t, attachments)
	require.Equal(t, `Build failed: step 2 \(compile\)\.`, body)
}

func TestRenderMarkdown_SmallCodeBlockKeptInline(t *testing.T) {
	body, attachments := renderMarkdown("result:\n```go\nfmt.Println(1)\n```\ndone")
	require.Empty(t, attachments)
	require.Contains(t, body, "```go\nfmt.Println(1)\n```")
}

func TestRenderMarkdown_OversizedCodeBlockBecomesAttachment(t *testing.T) {
	code := strings.Repeat("x", maxInlineCodeBlockBytes+1)
	body, attachments := renderMarkdown("```go\n" + code + "\n```")
	require.Len(t, attachments, 1)
	require.Equal(t, "snippet_1.go", attachments[0].Filename)
	require.Equal(t, code+"\n", string(attachments[0].Content))
	require.Contains(t, body, "attached as")
	require.NotContains(t, body, code)
}

func TestRenderMarkdown_BoldAndInlineCodePreserved(t *testing.T) {
	body, attachments := renderMarkdown("**warning**: run `go build` first.")
	require.Empty(t, attachments)
	require.Contains(t, body, "*warning*")
	require.Contains(t, body, "`go build`")
}

func TestCodeFileExtension(t *testing.T) {
	require.Equal(t, ".go", codeFileExtension("go"))
	require.Equal(t, ".py", codeFileExtension("Python"))
	require.Equal(t, ".txt", codeFileExtension(""))
	require.Equal(t, ".txt", codeFileExtension("cobol"))
}
