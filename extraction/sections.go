package extraction

import (
	"regexp"
	"strings"
)

// DocumentSectionRef is used when a document has no SECTION headings
const DocumentSectionRef = "document"

var sectionHeading = regexp.MustCompile(`^\s*(?:#{1,6}\s*)?(?:\*\*)?SECTION\s+([A-Z]?\d+(?:\.\d+)*[A-Z]?)\.?\s*(.*)$`)

// Section is one "SECTION <ref>" block of a code document
type Section struct {
	Ref   string
	Title string
	Text  string // heading line and body
}

// SplitSections breaks a document at lines starting with "SECTION <ref>",
// including markdown headings produced from HTML ("## SECTION R301").
// Text before the first heading is dropped. A document with no headings is
// returned whole as one section.
func SplitSections(doc string) []Section {
	var out []Section
	var cur *Section
	var body strings.Builder

	flush := func() {
		if cur == nil {
			return
		}
		cur.Text = strings.TrimSpace(body.String())
		out = append(out, *cur)
		body.Reset()
	}

	for _, line := range strings.Split(doc, "\n") {
		if m := sectionHeading.FindStringSubmatch(line); m != nil {
			flush()
			cur = &Section{Ref: strings.ToUpper(m[1]), Title: strings.TrimSpace(m[2])}
		}
		if cur != nil {
			body.WriteString(line)
			body.WriteByte('\n')
		}
	}
	flush()

	if len(out) == 0 && strings.TrimSpace(doc) != "" {
		return []Section{{Ref: DocumentSectionRef, Text: strings.TrimSpace(doc)}}
	}
	return out
}
