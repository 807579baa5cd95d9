package extract

import (
	"regexp"
	"strings"
)

var (
	scriptRe  = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	styleRe   = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	commentRe = regexp.MustCompile(`(?s)<!--.*?-->`)
	tagRe     = regexp.MustCompile(`<[^>]+>`)
	spaceRe   = regexp.MustCompile(`\s+`)
)

var entities = strings.NewReplacer(
	"&nbsp;", " ",
	"&#160;", " ",
	"&amp;", "&",
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
	"&#39;", "'",
	"&apos;", "'",
	"&mdash;", "-",
	"&ndash;", "-",
	"&rsquo;", "'",
	"&lsquo;", "'",
	"&rdquo;", `"`,
	"&ldquo;", `"`,
)

// ExtractHTML strips markup from an HTML document: script and style blocks
// go first, then remaining tags, then entities are decoded and whitespace
// runs collapse to a single space. Filing HTML is machine-generated and
// deeply nested, so a tolerant regex pass beats a strict parser here.
func ExtractHTML(html string) string {
	text := scriptRe.ReplaceAllString(html, " ")
	text = styleRe.ReplaceAllString(text, " ")
	text = commentRe.ReplaceAllString(text, " ")
	text = tagRe.ReplaceAllString(text, " ")
	text = entities.Replace(text)
	text = spaceRe.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}
