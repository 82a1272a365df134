package main

import (
	"io"

	"github.com/fatih/color"

	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/buyback"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/drift"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/options"
)

var (
	accent  = color.New(color.FgCyan, color.Bold)
	success = color.New(color.FgGreen, color.Bold)
	warn    = color.New(color.FgYellow, color.Bold)
	danger  = color.New(color.FgRed, color.Bold)
	neutral = color.New(color.FgHiWhite)
)

func printDrift(w io.Writer, rep *drift.Report) {
	accent.Fprintf(w, "drift run finished in %s\n", elapsed(rep.StartedAt, rep.FinishedAt))
	for _, o := range rep.Outcomes {
		if !o.OK {
			danger.Fprintf(w, "  %-36s  failed: %s\n", o.StockID, o.Error)
			continue
		}
		c := neutral
		switch {
		case o.NewPrice.GreaterThan(o.OldPrice):
			c = success
		case o.NewPrice.LessThan(o.OldPrice):
			c = warn
		}
		c.Fprintf(w, "  %-36s  %10s -> %-10s (%+.2f%%)\n", o.StockID, o.OldPrice.StringFixed(2), o.NewPrice.StringFixed(2), o.Drift*100)
	}
	summary(w, rep.Succeeded, rep.Failed)
}

func printSweep(w io.Writer, rep *buyback.SweepReport) {
	accent.Fprintln(w, "buyback sweep finished")
	for _, id := range rep.Closed {
		neutral.Fprintf(w, "  closed %s\n", id)
	}
	summary(w, rep.Expired, rep.Failed)
}

func printSettle(w io.Writer, rep *options.SettleReport) {
	accent.Fprintln(w, "bet settlement finished")
	neutral.Fprintf(w, "  won %d of %d, paid out %s\n", rep.Won, rep.Settled, rep.PaidOut.StringFixed(2))
	summary(w, rep.Settled, rep.Failed)
}

func summary(w io.Writer, ok, failed int) {
	success.Fprintf(w, "%d succeeded", ok)
	if failed > 0 {
		danger.Fprintf(w, ", %d failed\n", failed)
		return
	}
	neutral.Fprintln(w)
}
