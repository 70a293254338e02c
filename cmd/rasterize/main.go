// Command rasterize renders every PDF of the source folder into per-page
// PNG images, one folder per document.
//
//	go run ./cmd/rasterize --pdf-dir data/reference/finance_source \
//	  --img-dir data/reference/finance_source_img
//
// With --text-layer-dir it also dumps the embedded PDF text of each
// document, which shows which sources are scans without a text layer.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/bbiangul/hybrideval"
	"github.com/bbiangul/hybrideval/pages"
)

func main() {
	var (
		configPath   = flag.String("config", "", "Path to config file (YAML)")
		pdfDir       = flag.String("pdf-dir", "", "Folder of source PDFs (default: config pdf_dir)")
		imgDir       = flag.String("img-dir", "", "Output folder for page images (default: config image_dir)")
		dpi          = flag.Int("dpi", 0, "Render resolution (default: config dpi)")
		workers      = flag.Int("workers", 0, "Concurrent conversions (default: config page_workers)")
		textLayerDir = flag.String("text-layer-dir", "", "Also write each PDF's text layer to <dir>/<stem>.txt")
		verbose      = flag.Bool("v", false, "Debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := hybrideval.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if *pdfDir == "" {
		*pdfDir = cfg.PDFDir
	}
	if *imgDir == "" {
		*imgDir = cfg.ImageDir
	}
	if *dpi <= 0 {
		*dpi = cfg.DPI
	}
	if *workers <= 0 {
		*workers = cfg.PageWorkers
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	res, err := pages.ConvertDir(ctx, pages.Poppler{DPI: *dpi}, *pdfDir, *imgDir, *workers)
	if err != nil {
		log.Fatalf("rasterizing %s: %v", *pdfDir, err)
	}
	slog.Info("rasterize complete", "documents", res.Documents, "pages", res.Pages,
		"failed", len(res.Failed), "elapsed", time.Since(start).Round(time.Millisecond))
	for _, f := range res.Failed {
		slog.Warn("rasterize failed", "pdf", f)
	}

	if *textLayerDir != "" {
		if err := dumpTextLayers(*pdfDir, *textLayerDir); err != nil {
			log.Fatalf("text layers: %v", err)
		}
	}
}

// dumpTextLayers writes the embedded text of every PDF, pages joined by a
// blank line, and logs documents that have none.
func dumpTextLayers(pdfDir, outDir string) error {
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return err
	}
	matches, err := filepath.Glob(filepath.Join(pdfDir, "*.pdf"))
	if err != nil {
		return err
	}
	empty := 0
	for _, path := range matches {
		layer, err := pages.TextLayer(path)
		if err != nil {
			slog.Warn("reading text layer", "pdf", path, "error", err)
			continue
		}
		text := strings.TrimSpace(strings.Join(layer, "\n\n"))
		if text == "" {
			empty++
			slog.Debug("no text layer", "pdf", filepath.Base(path))
		}
		stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		if err := os.WriteFile(filepath.Join(outDir, stem+".txt"), []byte(text), 0644); err != nil {
			return err
		}
	}
	slog.Info("text layers written", "documents", len(matches), "without_text", empty, "dir", outDir)
	return nil
}
