// Package transcode は生成された HTML を Next.js 用の TSX コンポーネントへ変換します。
package transcode

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const (
	DefaultTitleTemplate       = "IT-Dienstleistungen in {city} | {domain}"
	DefaultDescriptionTemplate = "Entdecken Sie die innovativen IT-Lösungen in {city}. Steigern Sie die Effizienz Ihres Unternehmens durch maßgeschneiderte Softwareentwicklungen und IT-Beratung."
)

var (
	codeFence   = regexp.MustCompile("(?i)\\n?```[a-z]*\\n?")
	bodyContent = regexp.MustCompile(`(?is)<body[^>]*>(.*?)</body>`)
	docChrome   = []*regexp.Regexp{
		regexp.MustCompile(`(?is)<!DOCTYPE[^>]*>`),
		regexp.MustCompile(`(?is)<head[^>]*>.*?</head>`),
		regexp.MustCompile(`(?is)</?html[^>]*>`),
		regexp.MustCompile(`(?is)</?body[^>]*>`),
	}
	openTag     = regexp.MustCompile(`<[a-zA-Z][^>]*>`)
	classAttr   = regexp.MustCompile(`(\s)class=`)
	forAttr     = regexp.MustCompile(`(\s)for=`)
	voidElement = regexp.MustCompile(`(?i)<(meta|link|input|img|br|hr)\b([^>]*?)\s*/?>`)
	nonAlnum    = regexp.MustCompile(`[^a-zA-Z0-9]`)
	whitespace  = regexp.MustCompile(`\s+`)
	pathUnsafe  = regexp.MustCompile(`[/\\]+`)

	jsString        = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\r", `\r`, "\n", `\n`)
	templateLiteral = strings.NewReplacer(`\`, `\\`, "`", "\\`", "${", "\\${")
)

// Transcoder は既定のメタデータ文言を差し替え可能な変換器です。
// テンプレートでは {city} と {domain}（プロトコルなし）が置換されます。
type Transcoder struct {
	TitleTemplate       string
	DescriptionTemplate string
}

// New は既定の文言を使う Transcoder を返します。
func New() *Transcoder {
	return &Transcoder{
		TitleTemplate:       DefaultTitleTemplate,
		DescriptionTemplate: DefaultDescriptionTemplate,
	}
}

// Transcode は既定の文言で変換します。
func Transcode(raw, city, domain string) string {
	return New().Transcode(raw, city, domain)
}

// Transcode は raw を TSX モジュールのソースに変換します。同じ入力には常に同じ出力を返します。
func (t *Transcoder) Transcode(raw, city, domain string) string {
	title, description := t.metadata(raw, city, domain)

	content := bodyMarkup(codeFence.ReplaceAllString(raw, ""))
	content = strings.ReplaceAll(content, "[object Object]", city)
	content = openTag.ReplaceAllStringFunc(content, func(tag string) string {
		tag = classAttr.ReplaceAllString(tag, "${1}className=")
		return forAttr.ReplaceAllString(tag, "${1}htmlFor=")
	})
	content = voidElement.ReplaceAllString(content, "<${1}${2} />")
	content = templateLiteral.Replace(content)

	var b strings.Builder
	b.WriteString("import React from 'react';\n\n")
	b.WriteString("interface SubpageProps {\n  city?: string;\n  domain?: string;\n}\n\n")
	fmt.Fprintf(&b, "export default function %s({\n", ComponentName(city))
	fmt.Fprintf(&b, "  city = \"%s\",\n", jsString.Replace(city))
	fmt.Fprintf(&b, "  domain = \"%s\"\n", jsString.Replace(domain))
	b.WriteString("}: SubpageProps) {\n  return (\n    <>\n")
	fmt.Fprintf(&b, "      %s\n", content)
	b.WriteString("    </>\n  );\n}\n\n")
	b.WriteString("// Export metadata for Next.js\n")
	b.WriteString("export const metadata = {\n")
	fmt.Fprintf(&b, "  title: \"%s\",\n", jsString.Replace(title))
	fmt.Fprintf(&b, "  description: \"%s\"\n", jsString.Replace(description))
	b.WriteString("};")
	return b.String()
}

// ComponentName は都市名から [A-Za-z0-9] 以外を除いて "Subpage" を付けます。
// 識別子として使えない場合（空・数字始まり）は "City" を前置します。
func ComponentName(city string) string {
	name := nonAlnum.ReplaceAllString(city, "")
	if name == "" || (name[0] >= '0' && name[0] <= '9') {
		name = "City" + name
	}
	return name + "Subpage"
}

// FileName はダウンロード用のファイル名（例: bad-homburg-subpage.tsx）を返します。
func FileName(city string) string {
	base := strings.ToLower(strings.TrimSpace(city))
	base = pathUnsafe.ReplaceAllString(base, "-")
	base = whitespace.ReplaceAllString(base, "-")
	if base == "" {
		return "subpage.tsx"
	}
	return base + "-subpage.tsx"
}

func bodyMarkup(html string) string {
	if m := bodyContent.FindStringSubmatch(html); m != nil {
		return strings.TrimSpace(m[1])
	}
	for _, re := range docChrome {
		html = re.ReplaceAllString(html, "")
	}
	return strings.TrimSpace(html)
}

func (t *Transcoder) metadata(raw, city, domain string) (string, string) {
	host := strings.TrimPrefix(strings.TrimPrefix(domain, "https://"), "http://")
	vars := strings.NewReplacer("{city}", city, "{domain}", host)

	title := vars.Replace(t.TitleTemplate)
	description := vars.Replace(t.DescriptionTemplate)

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return title, description
	}
	if found := strings.TrimSpace(doc.Find("title").First().Text()); found != "" {
		title = found
	}
	doc.Find("meta").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		name, _ := s.Attr("name")
		if !strings.EqualFold(strings.TrimSpace(name), "description") {
			return true
		}
		if content, ok := s.Attr("content"); ok && strings.TrimSpace(content) != "" {
			description = strings.TrimSpace(content)
			return false
		}
		return true
	})
	return title, description
}
