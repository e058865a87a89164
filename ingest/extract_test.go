package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rag.evalgo.org/common"
)

func TestExtractPlainText(t *testing.T) {
	out, err := ExtractText([]byte("hello world\n"), "text/plain")
	require.NoError(t, err)
	assert.Equal(t, "hello world\n", out)
}

func TestExtractMarkdownWithCharset(t *testing.T) {
	out, err := ExtractText([]byte("# Title\n\nbody"), "text/markdown; charset=utf-8")
	require.NoError(t, err)
	assert.Equal(t, "# Title\n\nbody", out)
}

func TestExtractHTMLStripsMarkup(t *testing.T) {
	html := `<html><head><style>.x{color:red}</style>
<script>alert("no")</script></head>
<body><h1>Heading</h1><p>First   paragraph.</p><p>Second.</p></body></html>`

	out, err := ExtractText([]byte(html), "text/html")
	require.NoError(t, err)
	assert.Contains(t, out, "Heading")
	assert.Contains(t, out, "First paragraph.")
	assert.Contains(t, out, "Second.")
	assert.NotContains(t, out, "alert")
	assert.NotContains(t, out, "color:red")
	assert.NotContains(t, out, "<p>")
}

func TestExtractJSONFlattens(t *testing.T) {
	doc := `{"title":"Report","count":100,"tags":["a","b"],"nested":{"ok":true}}`

	out, err := ExtractText([]byte(doc), "application/json")
	require.NoError(t, err)
	assert.Contains(t, out, "title: Report")
	assert.Contains(t, out, "count: 100")
	assert.Contains(t, out, "a")
	assert.Contains(t, out, "nested: ok: true")
}

func TestExtractInvalidJSON(t *testing.T) {
	_, err := ExtractText([]byte("{not json"), "application/json")
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindValidation))
	assert.Equal(t, "UNPARSEABLE", common.CodeOf(err))
}

func TestExtractInvalidUTF8(t *testing.T) {
	_, err := ExtractText([]byte{0xff, 0xfe, 0x00}, "text/plain")
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindValidation))
}

func TestExtractUnsupportedType(t *testing.T) {
	_, err := ExtractText([]byte("%PDF-1.4"), "application/zip")
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindValidation))
	assert.Equal(t, "UNSUPPORTED_TYPE", common.CodeOf(err))
}

func TestExtractUnknownTextSubtype(t *testing.T) {
	out, err := ExtractText([]byte("key=value"), "text/x-ini")
	require.NoError(t, err)
	assert.Equal(t, "key=value", out)
}
