package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
)

// Show prints the latest stored rate of every symbol, or of one symbol.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.requireStore(ctx, "show rates")
	if err != nil {
		return err
	}
	defer closeStore()

	engine, err := a.newEngine(store)
	if err != nil {
		return err
	}

	rates, err := engine.Latest(ctx, opts.Symbol)
	if err != nil {
		return err
	}
	if len(rates) == 0 {
		fmt.Fprintln(os.Stdout, "no rates found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Symbol\tRate\tObserved (%s)\n", engine.Location())
	for _, rate := range rates {
		fmt.Fprintf(writer, "%s\t%s\t%s\n", rate.Symbol, rate.Rate.String(), rate.LastUpdate)
	}
	return writer.Flush()
}

// Summary prints the window statistics of one symbol.
func (a *App) Summary(ctx context.Context, symbol, rng string) error {
	store, closeStore, err := a.requireStore(ctx, "summarise rates")
	if err != nil {
		return err
	}
	defer closeStore()

	engine, err := a.newEngine(store)
	if err != nil {
		return err
	}

	summary, err := engine.Summary(ctx, symbol, rng)
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	writeRow(writer, "Symbol", summary.Symbol)
	writeRow(writer, "Range", summary.Range)
	writeRow(writer, "Samples", fmt.Sprint(summary.Samples))
	writeRow(writer, "Max", summary.Max.String())
	writeRow(writer, "Min", summary.Min.String())
	writeRow(writer, "Avg", summary.Avg.StringFixed(2))
	writeRow(writer, "Change", summary.Change.StringFixed(2))
	writeRow(writer, "Change %", summary.ChangePercent)
	return writer.Flush()
}

// Explain prints the 24 hour market commentary of one symbol.
func (a *App) Explain(ctx context.Context, symbol string) error {
	store, closeStore, err := a.requireStore(ctx, "explain the market")
	if err != nil {
		return err
	}
	defer closeStore()

	engine, err := a.newEngine(store)
	if err != nil {
		return err
	}

	report, err := engine.ExplainMarket(ctx, symbol)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, sanitizeInline(report.Report))
	return nil
}

func writeRow(w io.Writer, label, value string) {
	fmt.Fprintf(w, "%s\t%s\n", label, value)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
