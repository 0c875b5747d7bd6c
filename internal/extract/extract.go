// Package extract turns uploaded document bytes into plain text plus a few
// structural hints used by the ingestion pipeline.
package extract

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gen2brain/go-fitz"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported document format")
	ErrEmpty             = errors.New("no text content found in document")
	ErrCorrupt           = errors.New("document could not be parsed")
)

type Hints struct {
	HasTables bool
	HasImages bool
	Sections  []string
}

type Result struct {
	Text  string
	Pages int
	Hints Hints
}

type Extractor interface {
	Extract(ctx context.Context, data []byte, mimeType string) (*Result, error)
}

// Router picks an extraction strategy from the mime type, sniffing the bytes
// when the declared type is missing or generic.
type Router struct{}

func NewRouter() *Router { return &Router{} }

func (r *Router) Extract(ctx context.Context, data []byte, mimeType string) (*Result, error) {
	if len(data) == 0 {
		return nil, ErrEmpty
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mt := normalize(mimeType)
	if mt == "" || mt == "application/octet-stream" {
		mt = normalize(mimetype.Detect(data).String())
	}

	var (
		res *Result
		err error
	)
	switch {
	case strings.HasPrefix(mt, "text/"):
		res, err = plainText(data)
	case mt == "application/pdf", mt == "application/epub+zip", mt == "application/oxps", mt == "application/vnd.ms-xpsdocument":
		res, err = paged(ctx, data)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, mt)
	}
	if err != nil {
		return nil, err
	}

	res.Text = strings.TrimSpace(res.Text)
	if res.Text == "" {
		return nil, ErrEmpty
	}
	res.Hints = DetectHints(res.Text)
	return res, nil
}

func plainText(data []byte) (*Result, error) {
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("%w: text is not valid UTF-8", ErrCorrupt)
	}
	return &Result{Text: strings.TrimPrefix(string(data), "\ufeff"), Pages: 1}, nil
}

func paged(ctx context.Context, data []byte) (*Result, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	defer doc.Close()

	n := doc.NumPage()
	parts := make([]string, 0, n)
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		text, err := doc.Text(i)
		if err == nil && strings.TrimSpace(text) != "" {
			parts = append(parts, strings.TrimSpace(text))
		}
	}
	return &Result{Text: strings.Join(parts, "\n\n"), Pages: n}, nil
}

func normalize(mt string) string {
	mt = strings.ToLower(strings.TrimSpace(mt))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	return mt
}

var (
	markdownHeading = regexp.MustCompile(`^#{1,6}\s+(.+?)\s*#*$`)
	numberedHeading = regexp.MustCompile(`^(\d+(?:\.\d+)*)\.?\s+([A-Z][^.!?]{1,80})$`)
	markdownImage   = regexp.MustCompile(`!\[[^\]]*\]\([^)]+\)`)
)

const maxSections = 50

// DetectHints scans extracted text for tables, images and section headings.
func DetectHints(text string) Hints {
	var h Hints
	tableRows := 0
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			tableRows = 0
			continue
		}

		if strings.Count(line, "|") >= 2 || strings.Count(line, "\t") >= 2 {
			tableRows++
			if tableRows >= 2 {
				h.HasTables = true
			}
		} else {
			tableRows = 0
		}

		if markdownImage.MatchString(line) {
			h.HasImages = true
		}

		if len(h.Sections) >= maxSections {
			continue
		}
		if m := markdownHeading.FindStringSubmatch(line); m != nil {
			h.Sections = append(h.Sections, m[1])
		} else if m := numberedHeading.FindStringSubmatch(line); m != nil {
			h.Sections = append(h.Sections, m[1]+" "+m[2])
		}
	}
	return h
}
