package progress

import (
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/dhcgn/dmarc-inbox/state"
	"github.com/dhcgn/dmarc-inbox/stats"
	"github.com/dhcgn/dmarc-inbox/summary"
)

// Bar is a progress bar advanced by pipeline events. A disabled bar ignores
// every event, so callers need not check the log level themselves.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	total   int
	current int
	mu      sync.Mutex
	enabled bool
}

// New starts a bar over total messages when enabled is true.
func New(total int, enabled bool) *Bar {
	bar := &Bar{total: total, enabled: enabled}
	if !enabled {
		return bar
	}

	pterm.Info.Printf("Messages in archive: %d\n", total)
	pb, err := pterm.DefaultProgressbar.
		WithTotal(max(total, 1)).
		WithTitle("Importing reports").
		Start()
	if err != nil {
		bar.enabled = false
		return bar
	}
	bar.pb = pb
	return bar
}

// Record implements stats.Recorder.
func (b *Bar) Record(evt stats.Event) {
	if !b.enabled || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case evt.Type == stats.EventTypeFetched:
		b.current++
		b.pb.Increment()
	case evt.Type == stats.EventTypeMerged && evt.Detail != "":
		b.pb.UpdateTitle("Merged " + truncate(evt.Detail, 40))
	case evt.Type == stats.EventTypeError && evt.Err != nil:
		pterm.Error.Printf("%s: %v\n", evt.MessageRef, evt.Err)
	}
}

// Stop completes the bar.
func (b *Bar) Stop() {
	if !b.enabled || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pb.Current < b.pb.Total {
		b.pb.Current = b.pb.Total
	}
	_, _ = b.pb.Stop()
	pterm.Success.Println("Import complete!")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// PrintSummary renders the import totals, the domain table and the top
// reporting organisations to w.
func PrintSummary(w io.Writer, run stats.Summary, duration time.Duration, s summary.Summary, top int) error {
	fmt.Fprintln(w)
	fmt.Fprintln(w, pterm.DefaultSection.Sprint("Import"))
	fmt.Fprintf(w, "Duration: %v\n", duration.Round(time.Millisecond))
	fmt.Fprintf(w, "Messages: %d, skipped: %d, payloads: %d, merged: %d, duplicates: %d, errors: %d\n",
		run.Fetched, run.Skipped, run.Payloads, run.Merged, run.Duplicates, run.Errors)
	if run.LastError != "" {
		fmt.Fprintln(w, pterm.Error.Sprintf("Last error: %s", run.LastError))
	}

	fmt.Fprintln(w, pterm.DefaultSection.Sprint("Domains"))
	table, err := DomainTable(s)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, table)

	fmt.Fprintln(w, pterm.DefaultSection.Sprintf("Top %d reporters", top))
	orgs := make(map[string]int, len(s.Orgs))
	for org, c := range s.Orgs {
		orgs[org] = c.Messages
	}
	for i, p := range summary.Top(orgs, top) {
		fmt.Fprintf(w, "%d. %s (%d)\n", i+1, p.Key, p.Value)
	}
	return nil
}

// DomainTable renders one row per domain.
func DomainTable(s summary.Summary) (string, error) {
	data := pterm.TableData{{"Domain", "Reports", "Messages", "Pass %", "DKIM fail", "SPF fail", "Rejected", "Quarantined"}}
	for _, name := range s.DomainNames() {
		c := s.Domains[name].Counts
		data = append(data, []string{
			name,
			strconv.Itoa(c.Reports),
			strconv.Itoa(c.Messages),
			strconv.FormatFloat(c.PassRate(), 'f', 1, 64),
			strconv.Itoa(c.DKIMFail),
			strconv.Itoa(c.SPFFail),
			strconv.Itoa(c.Dispositions["reject"]),
			strconv.Itoa(c.Dispositions["quarantine"]),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
}

// FailureTable renders the messages that could not be processed.
func FailureTable(failures []state.Failure) (string, error) {
	data := pterm.TableData{{"Message", "Subject", "Attempts", "Last error"}}
	for _, f := range failures {
		data = append(data, []string{f.Ref, truncate(f.Subject, 40), strconv.Itoa(f.Count), truncate(f.LastError, 80)})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
}
