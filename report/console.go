package report

import (
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/bbiangul/hybrideval/eval"
)

var (
	good = color.New(color.FgGreen).SprintfFunc()
	fair = color.New(color.FgYellow).SprintfFunc()
	poor = color.New(color.FgRed).SprintfFunc()
	head = color.New(color.Bold).SprintfFunc()
)

// percent renders v as a fixed-width percentage, green from 80%, yellow
// from 50%, red below.
func percent(v float64) string {
	switch {
	case v >= 0.8:
		return good("%6.1f%%", v*100)
	case v >= 0.5:
		return fair("%6.1f%%", v*100)
	default:
		return poor("%6.1f%%", v*100)
	}
}

// PrintTable writes a per-alpha table of variant metrics to w.
func PrintTable(w io.Writer, results []eval.AlphaResult) {
	for _, ar := range results {
		fmt.Fprintln(w, head("=== alpha %g ===", ar.Alpha))
		fmt.Fprintf(w, "  %-16s %7s %7s %9s %7s %7s\n", "variant", "AP@1", "MRR", "scored", "failed", "timeout")
		for _, vr := range ar.Variants {
			if vr.Metrics == nil {
				fmt.Fprintf(w, "  %-16s %s\n", vr.Variant, poor("error: %s", vr.Error))
				continue
			}
			m := vr.Metrics
			fmt.Fprintf(w, "  %-16s %s %s %4d/%-4d %7d %7d\n",
				vr.Variant, percent(m.APAt1), percent(m.MRR), m.Scored, m.Total, m.Failed, m.TimedOut)
		}
		fmt.Fprintln(w)
	}

	best := Best(results)
	if len(best) == 0 {
		return
	}
	fmt.Fprintln(w, head("=== best alpha per variant ==="))
	for _, vr := range best {
		fmt.Fprintf(w, "  %-16s alpha %-5g AP@1 %s MRR %s\n",
			vr.Variant, vr.Alpha, percent(vr.Metrics.APAt1), percent(vr.Metrics.MRR))
	}
}

// Best returns, per variant in first-seen order, the result with the
// highest AP@1, breaking ties by MRR and then by the lower alpha. Variants
// that failed at every alpha are left out.
func Best(results []eval.AlphaResult) []eval.VariantResult {
	var order []string
	best := make(map[string]eval.VariantResult)
	for _, ar := range results {
		for _, vr := range ar.Variants {
			if _, seen := best[vr.Variant]; !seen {
				order = append(order, vr.Variant)
				best[vr.Variant] = eval.VariantResult{Variant: vr.Variant}
			}
			if vr.Metrics == nil {
				continue
			}
			cur := best[vr.Variant]
			if cur.Metrics == nil || better(vr, cur) {
				best[vr.Variant] = vr
			}
		}
	}
	out := make([]eval.VariantResult, 0, len(order))
	for _, v := range order {
		if best[v].Metrics != nil {
			out = append(out, best[v])
		}
	}
	return out
}

func better(a, b eval.VariantResult) bool {
	if a.Metrics.APAt1 != b.Metrics.APAt1 {
		return a.Metrics.APAt1 > b.Metrics.APAt1
	}
	if a.Metrics.MRR != b.Metrics.MRR {
		return a.Metrics.MRR > b.Metrics.MRR
	}
	return a.Alpha < b.Alpha
}
