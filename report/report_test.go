package report

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/xuri/excelize/v2"

	"github.com/bbiangul/hybrideval/eval"
)

func sample() []eval.AlphaResult {
	return []eval.AlphaResult{
		{Alpha: 0.3, Variants: []eval.VariantResult{
			{Variant: "tess", Alpha: 0.3, Metrics: &eval.Metrics{Alpha: 0.3, APAt1: 0.5, MRR: 0.625, Scored: 4, Total: 4}},
			{Variant: "ours", Alpha: 0.3, Metrics: &eval.Metrics{Alpha: 0.3, APAt1: 0.75, MRR: 0.8, Scored: 4, Total: 5, Failed: 1}},
			{Variant: "broken", Alpha: 0.3, Error: "backend unreachable"},
		}},
		{Alpha: 0.7, Variants: []eval.VariantResult{
			{Variant: "tess", Alpha: 0.7, Metrics: &eval.Metrics{Alpha: 0.7, APAt1: 0.5, MRR: 0.7, Scored: 4, Total: 4}},
			{Variant: "ours", Alpha: 0.7, Metrics: &eval.Metrics{Alpha: 0.7, APAt1: 0.75, MRR: 0.8, Scored: 4, Total: 5, Failed: 1}},
			{Variant: "broken", Alpha: 0.7, Error: "backend unreachable"},
		}},
	}
}

func TestRunArtifacts(t *testing.T) {
	r, err := NewRun(t.TempDir())
	if err != nil {
		t.Fatalf("NewRun: %v", err)
	}
	r.Set("alphas", []float64{0.3, 0.7})
	if err := r.WriteMetadata(); err != nil {
		t.Fatalf("WriteMetadata: %v", err)
	}
	if err := r.WriteResults(sample()); err != nil {
		t.Fatalf("WriteResults: %v", err)
	}

	var meta map[string]any
	data, err := os.ReadFile(r.Path(MetadataFile))
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"run_id", "git_commit", "go_version", "timestamp", "elapsed", "alphas"} {
		if _, ok := meta[key]; !ok {
			t.Errorf("metadata missing %q", key)
		}
	}
	if meta["run_id"] != r.ID {
		t.Errorf("run_id = %v, want %s", meta["run_id"], r.ID)
	}

	var got []eval.AlphaResult
	data, err = os.ReadFile(r.Path(ResultsFile))
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Variants[1].Metrics.APAt1 != 0.75 || got[1].Variants[2].Error != "backend unreachable" {
		t.Errorf("results round trip mismatch: %+v", got)
	}
}

func TestSetupLogTee(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var stderr bytes.Buffer
	path := t.TempDir() + "/eval.log"
	f, err := SetupLogTee(path, &stderr, slog.LevelInfo)
	if err != nil {
		t.Fatalf("SetupLogTee: %v", err)
	}
	slog.Info("eval: variant complete", "variant", "ours")
	slog.Debug("hidden")
	f.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for name, out := range map[string]string{"file": string(data), "writer": stderr.String()} {
		if !strings.Contains(out, "variant=ours") {
			t.Errorf("%s output missing record: %q", name, out)
		}
		if strings.Contains(out, "hidden") {
			t.Errorf("%s output contains debug record", name)
		}
	}
}

func TestWriteWorkbook(t *testing.T) {
	path := t.TempDir() + "/results.xlsx"
	if err := WriteWorkbook(path, sample()); err != nil {
		t.Fatalf("WriteWorkbook: %v", err)
	}

	f, err := excelize.OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) != 2 || sheets[0] != "alpha 0.3" || sheets[1] != "alpha 0.7" {
		t.Fatalf("sheets = %v", sheets)
	}
	rows, err := f.GetRows("alpha 0.3")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 4 {
		t.Fatalf("rows = %d, want header + 3 variants", len(rows))
	}
	if rows[0][0] != "Variant" || rows[1][0] != "tess" || rows[3][0] != "broken" {
		t.Errorf("unexpected first column: %v", rows)
	}
	raw, err := f.GetCellValue("alpha 0.3", "B3", excelize.Options{RawCellValue: true})
	if err != nil {
		t.Fatal(err)
	}
	if raw != "0.75" {
		t.Errorf("B3 = %q, want 0.75", raw)
	}
	msg, _ := f.GetCellValue("alpha 0.3", "H4")
	if msg != "backend unreachable" {
		t.Errorf("H4 = %q", msg)
	}
}

func TestWriteWorkbookEmpty(t *testing.T) {
	if err := WriteWorkbook(t.TempDir()+"/x.xlsx", nil); err == nil {
		t.Fatal("expected error for empty results")
	}
}

func TestPrintTable(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	defer func() { color.NoColor = prev }()

	var buf bytes.Buffer
	PrintTable(&buf, sample())
	out := buf.String()

	for _, want := range []string{"=== alpha 0.3 ===", "62.5%", "75.0%", "4/5", "error: backend unreachable", "best alpha per variant"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestBest(t *testing.T) {
	best := Best(sample())
	if len(best) != 2 {
		t.Fatalf("best = %d variants, want 2 (broken left out)", len(best))
	}
	// equal AP@1, higher MRR wins
	if best[0].Variant != "tess" || best[0].Alpha != 0.7 {
		t.Errorf("tess best = %+v", best[0])
	}
	// full tie keeps the lower alpha
	if best[1].Variant != "ours" || best[1].Alpha != 0.3 {
		t.Errorf("ours best = %+v", best[1])
	}
}
