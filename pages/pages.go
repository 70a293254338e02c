// Package pages turns PDFs into per-page PNG images named 1.png, 2.png, ...
// and lists them back in page order.
package pages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/sync/errgroup"
)

// ErrNoPages is returned when a PDF produced no page images.
var ErrNoPages = errors.New("pages: no pages rendered")

// Rasterizer renders every page of a PDF into outDir and returns the image
// paths in page order.
type Rasterizer interface {
	Rasterize(ctx context.Context, pdfPath, outDir string) ([]string, error)
}

// Poppler rasterizes with the pdftoppm binary.
type Poppler struct {
	Bin string // defaults to "pdftoppm"
	DPI int    // defaults to 200
}

// Rasterize runs pdftoppm into a scratch directory and renames its
// zero-padded output (p-01.png) to <n>.png in outDir.
func (p Poppler) Rasterize(ctx context.Context, pdfPath, outDir string) ([]string, error) {
	bin := p.Bin
	if bin == "" {
		bin = "pdftoppm"
	}
	dpi := p.DPI
	if dpi <= 0 {
		dpi = 200
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, err
	}
	tmp, err := os.MkdirTemp(outDir, ".render-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmp)

	cmd := exec.CommandContext(ctx, bin, "-png", "-r", strconv.Itoa(dpi), pdfPath, filepath.Join(tmp, "p"))
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("pages: %s %s: %w: %s", bin, filepath.Base(pdfPath), err, strings.TrimSpace(string(out)))
	}

	entries, err := os.ReadDir(tmp)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		n, ok := popplerPageNumber(e.Name())
		if !ok {
			continue
		}
		if err := os.Rename(filepath.Join(tmp, e.Name()), filepath.Join(outDir, strconv.Itoa(n)+".png")); err != nil {
			return nil, err
		}
	}

	list, err := ListPages(outDir)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoPages, pdfPath)
	}
	paths := make([]string, len(list))
	for i, pg := range list {
		paths[i] = pg.Path
	}
	return paths, nil
}

// popplerPageNumber parses "p-007.png" into 7.
func popplerPageNumber(name string) (int, bool) {
	stem, ok := strings.CutSuffix(name, ".png")
	if !ok {
		return 0, false
	}
	i := strings.LastIndexByte(stem, '-')
	if i < 0 {
		return 0, false
	}
	n, err := strconv.Atoi(stem[i+1:])
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// Page is one rendered page image.
type Page struct {
	Number int
	Path   string
}

// ListPages returns the <n>.png images in dir sorted by page number, so
// 2.png comes before 10.png. Other files are ignored.
func ListPages(dir string) ([]Page, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []Page
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		stem, ok := strings.CutSuffix(strings.ToLower(e.Name()), ".png")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(stem)
		if err != nil || n <= 0 {
			continue
		}
		out = append(out, Page{Number: n, Path: filepath.Join(dir, e.Name())})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

// ConvertResult summarises a ConvertDir run.
type ConvertResult struct {
	Documents int
	Pages     int
	Failed    []string
}

// ConvertDir rasterizes every *.pdf in pdfDir into imgDir/<stem>/ using at
// most workers concurrent conversions. A failing PDF is logged and listed
// in Failed; the others still run.
func ConvertDir(ctx context.Context, r Rasterizer, pdfDir, imgDir string, workers int) (ConvertResult, error) {
	matches, err := filepath.Glob(filepath.Join(pdfDir, "*.pdf"))
	if err != nil {
		return ConvertResult{}, err
	}
	sort.Strings(matches)
	if workers <= 0 {
		workers = 1
	}

	counts := make([]int, len(matches))
	errs := make([]error, len(matches))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, path := range matches {
		g.Go(func() error {
			stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
			imgs, err := r.Rasterize(gctx, path, filepath.Join(imgDir, stem))
			if err != nil {
				slog.Warn("pages: rasterize failed", "pdf", path, "error", err)
				errs[i] = err
				return nil
			}
			counts[i] = len(imgs)
			slog.Debug("pages: rasterized", "pdf", path, "pages", len(imgs))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ConvertResult{}, err
	}

	res := ConvertResult{}
	for i, path := range matches {
		if errs[i] != nil {
			res.Failed = append(res.Failed, filepath.Base(path))
			continue
		}
		res.Documents++
		res.Pages += counts[i]
	}
	return res, ctx.Err()
}

// TextLayer returns the embedded text of each page of the PDF at path.
// Pages without a text layer yield "".
func TextLayer(path string) ([]string, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer f.Close()

	n := reader.NumPage()
	out := make([]string, n)
	for i := 1; i <= n; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// Skip pages that fail to extract
			continue
		}
		out[i-1] = strings.TrimSpace(text)
	}
	return out, nil
}
