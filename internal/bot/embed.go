package bot

import (
	"fmt"
	"strings"
)

// Embed colours.
const (
	ColorInfo    = 0x3498db
	ColorSuccess = 0x2ecc71
	ColorWarn    = 0xf1c40f
	ColorError   = 0xe74c3c
)

// maxDescription is the chat platform's limit on an embed description.
const maxDescription = 4096

// Field is a titled value inside an Embed.
type Field struct {
	Name   string
	Value  string
	Inline bool
}

// Embed is a platform-neutral rich message.
type Embed struct {
	Title       string
	Description string
	Color       int
	Fields      []Field
}

// AddField appends a field.
func (e *Embed) AddField(name, value string, inline bool) {
	e.Fields = append(e.Fields, Field{Name: name, Value: value, Inline: inline})
}

// SetField replaces field i, appending when i is past the end.
func (e *Embed) SetField(i int, name, value string) {
	if i >= len(e.Fields) {
		e.AddField(name, value, false)
		return
	}
	e.Fields[i].Name = name
	e.Fields[i].Value = value
}

// Field returns the value of the first field called name.
func (e Embed) Field(name string) (string, bool) {
	for _, f := range e.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

// bulletList renders items one per line, cut to fit an embed description.
func bulletList(items []string) string {
	var b strings.Builder
	for i, it := range items {
		line := "• " + it + "\n"
		more := fmt.Sprintf("…and %d more", len(items)-i)
		if b.Len()+len(line)+len(more) > maxDescription {
			b.WriteString(more)
			return b.String()
		}
		b.WriteString(line)
	}
	return strings.TrimSuffix(b.String(), "\n")
}
