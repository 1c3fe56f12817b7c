// Package render formats transcript entries, documents and usage for a terminal.
package render

import (
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"

	"github.com/user/docchat/internal/docs"
	"github.com/user/docchat/internal/protocol"
	"github.com/user/docchat/internal/transcript"
	"github.com/user/docchat/internal/usage"
)

var htmlTag = regexp.MustCompile(`</?[a-zA-Z][a-zA-Z0-9]*[^<>]*>`)

// Answer converts an HTML answer to markdown. Plain text is returned as is.
func Answer(content string) string {
	if !htmlTag.MatchString(content) {
		return content
	}
	md, err := htmltomarkdown.ConvertString(content)
	if err != nil {
		slog.Debug("answer is not convertible html", "error", err)
		return content
	}
	return strings.TrimSpace(md)
}

// Citation formats a chunk as "source p.N" without the .pdf extension.
func Citation(c protocol.Chunk) string {
	name := strings.TrimSuffix(c.Source, ".pdf")
	return fmt.Sprintf("%s p.%d", name, c.Page())
}

func prefix(k transcript.Kind) string {
	switch k {
	case transcript.KindUser:
		return "you> "
	case transcript.KindAI:
		return "ai> "
	case transcript.KindError:
		return "! "
	case transcript.KindSystem:
		return "* "
	}
	return ""
}

// Entry writes one entry followed by its citations.
func Entry(w io.Writer, e transcript.Entry) error {
	content := e.Content
	if e.Kind == transcript.KindAI {
		content = Answer(content)
	}
	if e.Italic && content != "" {
		content = "_" + content + "_"
	}
	if _, err := fmt.Fprintf(w, "%s%s\n", prefix(e.Kind), content); err != nil {
		return err
	}

	seen := make(map[string]bool)
	for _, c := range e.Citations {
		line := Citation(c)
		if seen[line] {
			continue
		}
		seen[line] = true
		if _, err := fmt.Fprintf(w, "     [%d] %s\n", len(seen), line); err != nil {
			return err
		}
	}
	return nil
}

// Transcript writes every entry in order.
func Transcript(w io.Writer, entries []transcript.Entry) error {
	for _, e := range entries {
		if err := Entry(w, e); err != nil {
			return err
		}
	}
	return nil
}

// Documents lists cited documents with their links.
func Documents(w io.Writer, list []docs.Document) error {
	if len(list) == 0 {
		_, err := fmt.Fprintln(w, "No documents cited yet.")
		return err
	}
	for _, d := range list {
		if _, err := fmt.Fprintf(w, "  %s  %s\n", d.Name, d.URL); err != nil {
			return err
		}
	}
	return nil
}

// Usage writes the token meter and the thread list.
func Usage(w io.Writer, s usage.Snapshot) error {
	if _, err := fmt.Fprintf(w, "Tokens: %d / %d (%.0f%%), %d remaining\n",
		s.TokensUsed, s.TokensTotal, s.Percent(), s.Remaining()); err != nil {
		return err
	}
	if len(s.Threads) == 0 {
		_, err := fmt.Fprintln(w, "No threads yet.")
		return err
	}
	for _, th := range s.Threads {
		date := "-"
		if !th.CreatedAt.IsZero() {
			date = th.CreatedAt.Format("2006-01-02 15:04")
		}
		if _, err := fmt.Fprintf(w, "  %-36s  %s  %s\n", th.ID, date, th.InitialMessage); err != nil {
			return err
		}
	}
	return nil
}

// Printer streams a changing transcript, writing entries that are new or whose
// content changed since the last call.
type Printer struct {
	w       io.Writer
	printed map[string]string
}

// NewPrinter creates a printer writing to w.
func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w, printed: make(map[string]string)}
}

// Update writes what changed in entries.
func (p *Printer) Update(entries []transcript.Entry) error {
	for _, e := range entries {
		if prev, ok := p.printed[e.ID]; ok && prev == e.Content {
			continue
		}
		p.printed[e.ID] = e.Content
		if err := Entry(p.w, e); err != nil {
			return err
		}
	}
	return nil
}
