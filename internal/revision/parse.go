package revision

import (
	"strings"
	"unicode"
)

// Phrases that carry no visual content of their own.
var leadIns = []string{
	"please ",
	"try to ",
	"try ",
	"consider adding ",
	"consider ",
	"it needs ",
	"it should have ",
	"it should be ",
	"the image needs ",
	"the image should have ",
	"the image should be ",
	"needs ",
	"should have ",
	"should be ",
	"make it ",
	"make the image ",
	"add ",
	"include ",
	"use ",
}

// ParseClauses splits free-form critique into short directive clauses. When
// the text has a Suggestions section its items are used; otherwise every
// sentence, list item or semicolon-separated part is a candidate.
func ParseClauses(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var all, suggestions []string
	section := ""
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)
		if heading, rest, ok := strings.Cut(lower, ":"); ok && isHeading(heading) {
			section = strings.TrimSpace(heading)
			if strings.TrimSpace(rest) == "" {
				continue
			}
			line = strings.TrimSpace(line[len(heading)+1:])
		}

		for _, part := range splitSentences(trimBullet(line)) {
			c := normalize(part)
			if c == "" {
				continue
			}
			all = append(all, c)
			if section == "suggestions" {
				suggestions = append(suggestions, c)
			}
		}
	}

	if len(suggestions) > 0 {
		return suggestions
	}
	return all
}

func isHeading(s string) bool {
	switch strings.TrimSpace(s) {
	case "issues", "problems", "suggestions", "improvements", "notes":
		return true
	}
	return false
}

func trimBullet(line string) string {
	if strings.HasPrefix(line, "-") || strings.HasPrefix(line, "•") || strings.HasPrefix(line, "*") {
		return strings.TrimSpace(strings.TrimLeft(line, "-•* "))
	}
	if len(line) > 2 && line[0] >= '0' && line[0] <= '9' && (line[1] == '.' || line[1] == ')') {
		return strings.TrimSpace(line[2:])
	}
	return line
}

func splitSentences(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == '.' || r == ';' || r == '!' || r == '?'
	})
}

func normalize(clause string) string {
	c := strings.TrimSpace(clause)
	c = strings.TrimRightFunc(c, func(r rune) bool { return unicode.IsPunct(r) || unicode.IsSpace(r) })
	c = strings.ToLower(strings.Join(strings.Fields(c), " "))

	for _, lead := range leadIns {
		c = strings.TrimPrefix(c, lead)
	}
	if len(strings.Fields(c)) < 2 && len(c) < 4 {
		return ""
	}
	return c
}
