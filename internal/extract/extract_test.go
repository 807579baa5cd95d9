package extract

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractHTML(t *testing.T) {
	html := `<html><head><style>body { color: red; }</style>
<script>alert("hi")</script></head>
<body><h1>Annual Report</h1><p>Revenue grew &amp; margins improved.</p>
<!-- generated --><div>Risk&nbsp;factors</div></body></html>`

	text := ExtractHTML(html)
	assert.Equal(t, "Annual Report Revenue grew & margins improved. Risk factors", text)
}

func TestExtractHTMLEntities(t *testing.T) {
	text := ExtractHTML(`<p>&lt;10% &mdash; &ldquo;stable&rdquo;</p>`)
	assert.Equal(t, `<10% - "stable"`, text)
}

func TestExtractFileText(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "filing.txt")
	require.NoError(t, os.WriteFile(path, []byte("plain contents\n"), 0o644))

	x := NewExtractor()
	text, err := x.ExtractFile(path)
	require.NoError(t, err)
	assert.Equal(t, "plain contents\n", text)
}

func TestExtractFileHTML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "filing.HTM")
	require.NoError(t, os.WriteFile(path, []byte("<p>hello <b>world</b></p>"), 0o644))

	x := NewExtractor()
	text, err := x.ExtractFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello world", text)
}

func TestExtractFileMissing(t *testing.T) {
	x := NewExtractor()
	_, err := x.ExtractFile(filepath.Join(t.TempDir(), "absent.txt"))
	assert.Error(t, err)
}

func TestExtractFileUnsupported(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "filing.docx")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	x := NewExtractor()
	_, err := x.ExtractFile(path)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}
