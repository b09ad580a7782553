// Package summary aggregates stored reports into per-domain and per-organisation
// totals for the HTTP API and the CLI tables.
package summary

import (
	"cmp"
	"slices"
	"strings"
	"time"

	"github.com/dhcgn/dmarc-inbox/model"
	"github.com/dhcgn/dmarc-inbox/store"
)

// Counts are message totals; every record contributes its count.
type Counts struct {
	Reports      int            `json:"reports"`
	Messages     int            `json:"messages"`
	Passed       int            `json:"passed"`
	Failed       int            `json:"failed"`
	DKIMPass     int            `json:"dkim_pass"`
	DKIMFail     int            `json:"dkim_fail"`
	SPFPass      int            `json:"spf_pass"`
	SPFFail      int            `json:"spf_fail"`
	Dispositions map[string]int `json:"dispositions"`
}

// PassRate is the share of messages passing DMARC, in percent.
func (c Counts) PassRate() float64 {
	if c.Messages == 0 {
		return 0
	}
	return float64(c.Passed) / float64(c.Messages) * 100
}

func (c *Counts) addReport(r *model.Report) {
	if c.Dispositions == nil {
		c.Dispositions = make(map[string]int)
	}
	c.Reports++
	for _, rec := range r.Records {
		c.addRecord(rec)
	}
}

func (c *Counts) addRecord(rec model.Record) {
	n := rec.Count
	c.Messages += n
	if rec.Passed() {
		c.Passed += n
	} else {
		c.Failed += n
	}
	switch rec.PolicyEvaluated.DKIM {
	case model.ResultPass:
		c.DKIMPass += n
	case model.ResultFail:
		c.DKIMFail += n
	}
	switch rec.PolicyEvaluated.SPF {
	case model.ResultPass:
		c.SPFPass += n
	case model.ResultFail:
		c.SPFFail += n
	}
	disposition := string(rec.PolicyEvaluated.Disposition)
	if disposition == "" {
		disposition = "unknown"
	}
	c.Dispositions[disposition] += n
}

// Domain aggregates the reports for one policy domain.
type Domain struct {
	Domain      string         `json:"domain"`
	Counts      Counts         `json:"counts"`
	Orgs        map[string]int `json:"orgs"`
	Sources     map[string]int `json:"sources"`
	PeriodStart time.Time      `json:"period_start,omitzero"`
	PeriodEnd   time.Time      `json:"period_end,omitzero"`
}

// Summary is the overall view over every stored report.
type Summary struct {
	Mails       int               `json:"mails"`
	Total       Counts            `json:"total"`
	Orgs        map[string]Counts `json:"orgs"`
	Domains     map[string]Domain `json:"domains"`
	PeriodStart time.Time         `json:"period_start,omitzero"`
	PeriodEnd   time.Time         `json:"period_end,omitzero"`
}

// DomainNames lists the summarised domains alphabetically.
func (s Summary) DomainNames() []string {
	names := make([]string, 0, len(s.Domains))
	for name := range s.Domains {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Build aggregates entries. Mails counts the distinct messages the reports
// arrived in.
func Build(entries []store.Entry) Summary {
	s := Summary{
		Total:   Counts{Dispositions: make(map[string]int)},
		Orgs:    make(map[string]Counts),
		Domains: make(map[string]Domain),
	}
	mails := make(map[string]struct{})

	for _, e := range entries {
		r := e.Report
		if e.Source != "" {
			mails[e.Source] = struct{}{}
		}
		s.Total.addReport(r)
		s.PeriodStart, s.PeriodEnd = widen(s.PeriodStart, s.PeriodEnd, r.Metadata.DateRange)

		org := s.Orgs[r.Metadata.OrgName]
		org.addReport(r)
		s.Orgs[r.Metadata.OrgName] = org

		name := strings.ToLower(r.Policy.Domain)
		d, ok := s.Domains[name]
		if !ok {
			d = newDomain(name)
		}
		d.add(r)
		s.Domains[name] = d
	}

	s.Mails = len(mails)
	return s
}

// ForDomain aggregates the entries whose policy domain or one of whose
// header-from domains is domain. The second result is false when no entry
// matched.
func ForDomain(entries []store.Entry, domain string) (Domain, bool) {
	name := strings.ToLower(domain)
	d := newDomain(name)
	for _, e := range entries {
		if strings.EqualFold(e.Report.Policy.Domain, name) || slices.Contains(e.Report.HeaderFromDomains(), name) {
			d.add(e.Report)
		}
	}
	return d, d.Counts.Reports > 0
}

func newDomain(name string) Domain {
	return Domain{
		Domain:  name,
		Counts:  Counts{Dispositions: make(map[string]int)},
		Orgs:    make(map[string]int),
		Sources: make(map[string]int),
	}
}

func (d *Domain) add(r *model.Report) {
	d.Counts.addReport(r)
	d.Orgs[r.Metadata.OrgName]++
	for _, rec := range r.Records {
		if rec.SourceIP.IsValid() {
			d.Sources[rec.SourceIP.String()] += rec.Count
		}
	}
	d.PeriodStart, d.PeriodEnd = widen(d.PeriodStart, d.PeriodEnd, r.Metadata.DateRange)
}

func widen(start, end time.Time, dr model.DateRange) (time.Time, time.Time) {
	if !dr.Begin.IsZero() && (start.IsZero() || dr.Begin.Before(start)) {
		start = dr.Begin
	}
	if dr.End.After(end) {
		end = dr.End
	}
	return start, end
}

// Pair is one ranked map entry.
type Pair struct {
	Key   string
	Value int
}

// Top returns the limit largest entries of m, highest first. Ties are ordered
// by key so the result is stable.
func Top(m map[string]int, limit int) []Pair {
	pairs := make([]Pair, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, Pair{k, v})
	}
	slices.SortFunc(pairs, func(a, b Pair) int {
		if c := cmp.Compare(b.Value, a.Value); c != 0 {
			return c
		}
		return cmp.Compare(a.Key, b.Key)
	})
	if limit >= 0 && len(pairs) > limit {
		pairs = pairs[:limit]
	}
	return pairs
}
