package ldap

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Styles used by Highlight.
var (
	ParenStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7D56F4")).
			Bold(true)

	LogicStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF79C6")).
			Bold(true)

	AttrStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#8BE9FD"))

	OperatorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFB86C"))

	ValueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#50FA7B"))

	WildcardStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F1FA8C")).
			Bold(true)
)

// Highlight colours filter text for terminal display. It scans the raw text
// rather than the parsed tree so partial and invalid filters keep their
// original form; unstyled output equals the input.
func Highlight(filter string) string {
	if filter == "" {
		return ""
	}

	var out strings.Builder
	inValue := false
	depth := 0 // paren depth inside a value
	i := 0
	for i < len(filter) {
		ch := filter[i]

		if inValue {
			switch {
			case ch == '\\' && i+1 < len(filter):
				out.WriteString(ValueStyle.Render(filter[i : i+2]))
				i += 2
				continue
			case ch == '*':
				out.WriteString(WildcardStyle.Render("*"))
			case ch == '(':
				depth++
				out.WriteString(ValueStyle.Render("("))
			case ch == ')' && depth > 0:
				depth--
				out.WriteString(ValueStyle.Render(")"))
			case ch == ')':
				inValue = false
				out.WriteString(ParenStyle.Render(")"))
			default:
				j := i
				for j < len(filter) && !strings.ContainsRune("\\*()", rune(filter[j])) {
					j++
				}
				out.WriteString(ValueStyle.Render(filter[i:j]))
				i = j
				continue
			}
			i++
			continue
		}

		switch {
		case ch == '(' || ch == ')':
			out.WriteString(ParenStyle.Render(string(ch)))
		case ch == '&' || ch == '|' || ch == '!':
			out.WriteString(LogicStyle.Render(string(ch)))
		case isSpace(ch):
			out.WriteByte(ch)
		case ch == '=':
			out.WriteString(OperatorStyle.Render("="))
			inValue = true
		case (ch == '<' || ch == '>' || ch == '~') && i+1 < len(filter) && filter[i+1] == '=':
			out.WriteString(OperatorStyle.Render(filter[i : i+2]))
			inValue = true
			i += 2
			continue
		default:
			j := i
			for j < len(filter) && !strings.ContainsRune("()<>=~", rune(filter[j])) {
				j++
			}
			if j == i {
				j = i + 1
			}
			out.WriteString(AttrStyle.Render(filter[i:j]))
			i = j
			continue
		}
		i++
	}
	return out.String()
}
