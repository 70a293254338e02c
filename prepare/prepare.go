// Package prepare produces the per-document text of each preparation
// variant from rendered page images: plain OCR, vision-LLM transcription,
// LLM rewriting of OCR text, or combinations of these.
package prepare

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bbiangul/hybrideval/llm"
	"github.com/bbiangul/hybrideval/ocr"
	"github.com/bbiangul/hybrideval/pages"
)

// Variant names.
const (
	Tess          = "Tess"
	Ourswoocr     = "Ourswoocr"
	Ourswomllm    = "Ourswomllm"
	Oursworewrite = "Oursworewrite"
	Ours          = "Ours"
)

// Variants lists every preparation variant in pipeline order; Tess comes
// first because the others read its output.
var Variants = []string{Tess, Ourswoocr, Ourswomllm, Oursworewrite, Ours}

// ErrorText is written in place of a page that failed when errors are kept.
const ErrorText = "ERROR"

var (
	ErrUnknownVariant   = errors.New("prepare: unknown variant")
	ErrProviderRequired = errors.New("prepare: variant needs a provider that is not configured")
)

// Deps are the collaborators a strategy may call.
type Deps struct {
	OCR       ocr.Engine
	Vision    llm.VisionProvider
	Chat      llm.Provider
	MaxTokens int
}

// Strategy turns one page (or one whole document) into text.
type Strategy struct {
	Name string
	// UsesOCR strategies receive the document's Tess output.
	UsesOCR bool
	// PerDocument strategies ignore the page image, so they run once per
	// document instead of once per page.
	PerDocument bool

	run func(ctx context.Context, image []byte, ocrText string) (string, error)
}

// Page runs the strategy on one input.
func (s Strategy) Page(ctx context.Context, image []byte, ocrText string) (string, error) {
	return s.run(ctx, image, ocrText)
}

// NewStrategy returns the strategy for variant.
func NewStrategy(variant string, d Deps) (Strategy, error) {
	switch variant {
	case Tess:
		if d.OCR == nil {
			return Strategy{}, fmt.Errorf("%w: %s needs OCR", ErrProviderRequired, variant)
		}
		return Strategy{Name: variant, run: func(ctx context.Context, image []byte, _ string) (string, error) {
			return d.OCR.Recognize(ctx, image)
		}}, nil

	case Ourswoocr:
		if d.Vision == nil {
			return Strategy{}, fmt.Errorf("%w: %s needs a vision model", ErrProviderRequired, variant)
		}
		return Strategy{Name: variant, run: func(ctx context.Context, image []byte, _ string) (string, error) {
			return askVision(ctx, d, image, promptVisionOnly)
		}}, nil

	case Ourswomllm:
		if d.Chat == nil {
			return Strategy{}, fmt.Errorf("%w: %s needs a chat model", ErrProviderRequired, variant)
		}
		return Strategy{Name: variant, UsesOCR: true, PerDocument: true, run: func(ctx context.Context, _ []byte, ocrText string) (string, error) {
			resp, err := d.Chat.Chat(ctx, llm.ChatRequest{
				Messages:  []llm.Message{{Role: "user", Content: withOCR(promptTextOnly, ocrText)}},
				MaxTokens: d.MaxTokens,
			})
			if err != nil {
				return "", err
			}
			return strings.TrimSpace(resp.Content), nil
		}}, nil

	case Oursworewrite, Ours:
		if d.Vision == nil {
			return Strategy{}, fmt.Errorf("%w: %s needs a vision model", ErrProviderRequired, variant)
		}
		prompt := promptFull
		if variant == Oursworewrite {
			prompt = promptCorrectOnly
		}
		return Strategy{Name: variant, UsesOCR: true, run: func(ctx context.Context, image []byte, ocrText string) (string, error) {
			return askVision(ctx, d, image, withOCR(prompt, ocrText))
		}}, nil
	}
	return Strategy{}, fmt.Errorf("%w: %q", ErrUnknownVariant, variant)
}

// askVision sends the page image followed by the prompt.
func askVision(ctx context.Context, d Deps, image []byte, prompt string) (string, error) {
	resp, err := d.Vision.ChatWithImages(ctx, llm.VisionChatRequest{
		Messages: []llm.VisionMessage{{
			Role: "user",
			Content: []llm.ContentPart{
				llm.PNGPart(base64.StdEncoding.EncodeToString(image)),
				llm.TextPart(prompt),
			},
		}},
		MaxTokens: d.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

// Pipeline writes <ResultDir>/<variant>/<doc>.txt for every page folder
// under ImageDir.
type Pipeline struct {
	ImageDir  string
	ResultDir string
	// OCRDir holds the Tess output read by OCR-based strategies. Defaults
	// to <ResultDir>/Tess.
	OCRDir     string
	Workers    int
	KeepErrors bool
	Deps       Deps
}

// Summary reports a Run.
type Summary struct {
	Variant    string        `json:"variant"`
	Documents  int           `json:"documents"`
	Pages      int           `json:"pages"`
	PageErrors int           `json:"page_errors"`
	Failed     []string      `json:"failed,omitempty"`
	Elapsed    time.Duration `json:"elapsed"`
}

// Run prepares every document for variant. A failing document is logged
// and recorded in Summary.Failed; the run continues with the next one.
func (p *Pipeline) Run(ctx context.Context, variant string) (Summary, error) {
	strategy, err := NewStrategy(variant, p.Deps)
	if err != nil {
		return Summary{}, err
	}
	start := time.Now()
	sum := Summary{Variant: variant}

	outDir := filepath.Join(p.ResultDir, variant)
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return sum, err
	}
	docs, err := documentDirs(p.ImageDir)
	if err != nil {
		return sum, err
	}

	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		n, pageErrs, err := p.document(ctx, strategy, doc, outDir)
		sum.PageErrors += pageErrs
		if err != nil {
			if ctx.Err() != nil {
				return sum, ctx.Err()
			}
			slog.Error("prepare: document failed", "variant", variant, "doc", doc, "error", err)
			sum.Failed = append(sum.Failed, doc)
			continue
		}
		sum.Documents++
		sum.Pages += n
		slog.Info("prepare: document done", "variant", variant, "doc", doc, "pages", n)
	}

	sum.Elapsed = time.Since(start)
	return sum, nil
}

func (p *Pipeline) document(ctx context.Context, s Strategy, doc, outDir string) (int, int, error) {
	list, err := pages.ListPages(filepath.Join(p.ImageDir, doc))
	if err != nil {
		return 0, 0, err
	}
	if len(list) == 0 {
		return 0, 0, pages.ErrNoPages
	}

	var ocrText string
	if s.UsesOCR {
		ocrText = p.ocrText(doc)
	}

	var outputs []string
	pageErrs := 0
	if s.PerDocument {
		text, err := s.Page(ctx, nil, ocrText)
		if err != nil {
			if !p.KeepErrors {
				return 0, 1, err
			}
			slog.Warn("prepare: document error kept", "doc", doc, "error", err)
			text, pageErrs = ErrorText, 1
		}
		outputs = []string{text}
	} else {
		outputs, pageErrs, err = p.runPages(ctx, s, doc, list, ocrText)
		if err != nil {
			return 0, pageErrs, err
		}
	}

	path := filepath.Join(outDir, doc+".txt")
	if err := os.WriteFile(path, []byte(strings.Join(outputs, "\n\n")), 0644); err != nil {
		return 0, pageErrs, err
	}
	return len(list), pageErrs, nil
}

// runPages runs s over every page with bounded concurrency and returns the
// outputs in page order.
func (p *Pipeline) runPages(ctx context.Context, s Strategy, doc string, list []pages.Page, ocrText string) ([]string, int, error) {
	outputs := make([]string, len(list))
	failed := make([]bool, len(list))

	workers := p.Workers
	if workers <= 0 {
		workers = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, pg := range list {
		g.Go(func() error {
			image, err := os.ReadFile(pg.Path)
			if err != nil {
				return err
			}
			text, err := s.Page(gctx, image, ocrText)
			if err != nil {
				if !p.KeepErrors || gctx.Err() != nil {
					return fmt.Errorf("page %d: %w", pg.Number, err)
				}
				slog.Warn("prepare: page error kept", "doc", doc, "page", pg.Number, "error", err)
				text = ErrorText
				failed[i] = true
			}
			outputs[i] = text
			return nil
		})
	}
	err := g.Wait()

	n := 0
	for _, f := range failed {
		if f {
			n++
		}
	}
	return outputs, n, err
}

func (p *Pipeline) ocrText(doc string) string {
	dir := p.OCRDir
	if dir == "" {
		dir = filepath.Join(p.ResultDir, Tess)
	}
	b, err := os.ReadFile(filepath.Join(dir, doc+".txt"))
	if err != nil {
		slog.Warn("prepare: no OCR text for document", "doc", doc, "error", err)
		return ""
	}
	return string(b)
}

// documentDirs lists the page folders under dir.
func documentDirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}
