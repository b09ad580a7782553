package summary

import (
	"encoding/csv"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-msgauth/dmarc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/dmarc-inbox/model"
	"github.com/dhcgn/dmarc-inbox/store"
)

func record(ip string, count int, disposition dmarc.Policy, dkim, spf model.Result) model.Record {
	return model.Record{
		SourceIP:        netip.MustParseAddr(ip),
		Count:           count,
		PolicyEvaluated: model.PolicyEvaluated{Disposition: disposition, DKIM: dkim, SPF: spf},
	}
}

func entry(org, id, domain, source string, begin time.Time, records ...model.Record) store.Entry {
	for i := range records {
		records[i].Identifiers.HeaderFrom = strings.ToLower(domain)
	}
	return store.Entry{
		Source: source,
		Report: &model.Report{
			Metadata: model.ReportMetadata{
				OrgName:   org,
				ReportID:  id,
				DateRange: model.DateRange{Begin: begin, End: begin.Add(24*time.Hour - time.Second)},
			},
			Policy:  model.PolicyPublished{Domain: domain},
			Records: records,
		},
	}
}

func fixtures() []store.Entry {
	day := time.Date(2024, 3, 6, 0, 0, 0, 0, time.UTC)
	return []store.Entry{
		entry("google.com", "1", "example.org", "INBOX/1/1", day,
			record("192.0.2.1", 10, dmarc.PolicyNone, model.ResultPass, model.ResultPass),
			record("198.51.100.7", 3, dmarc.PolicyReject, model.ResultFail, model.ResultFail),
		),
		entry("Enterprise Outlook", "2", "Example.ORG", "INBOX/1/2", day.Add(24*time.Hour),
			record("192.0.2.1", 5, dmarc.PolicyNone, model.ResultFail, model.ResultPass),
		),
		entry("google.com", "3", "example.net", "INBOX/1/2", day.Add(-24*time.Hour),
			record("203.0.113.9", 2, dmarc.PolicyQuarantine, model.ResultFail, model.ResultFail),
		),
	}
}

func TestBuild(t *testing.T) {
	s := Build(fixtures())

	assert.Equal(t, 2, s.Mails)
	assert.Equal(t, 3, s.Total.Reports)
	assert.Equal(t, 20, s.Total.Messages)
	assert.Equal(t, 15, s.Total.Passed)
	assert.Equal(t, 5, s.Total.Failed)
	assert.Equal(t, 10, s.Total.DKIMPass)
	assert.Equal(t, 10, s.Total.DKIMFail)
	assert.Equal(t, 15, s.Total.SPFPass)
	assert.Equal(t, map[string]int{"none": 15, "reject": 3, "quarantine": 2}, s.Total.Dispositions)
	assert.Equal(t, time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC), s.PeriodStart)
	assert.Equal(t, time.Date(2024, 3, 7, 23, 59, 59, 0, time.UTC), s.PeriodEnd)

	assert.Equal(t, []string{"example.net", "example.org"}, s.DomainNames())
	org := s.Domains["example.org"]
	assert.Equal(t, 2, org.Counts.Reports)
	assert.Equal(t, 18, org.Counts.Messages)
	assert.Equal(t, map[string]int{"google.com": 1, "Enterprise Outlook": 1}, org.Orgs)
	assert.Equal(t, map[string]int{"192.0.2.1": 15, "198.51.100.7": 3}, org.Sources)

	assert.Equal(t, 2, s.Orgs["google.com"].Reports)
	assert.Equal(t, 15, s.Orgs["google.com"].Messages)
	assert.Equal(t, 1, s.Orgs["Enterprise Outlook"].Reports)
}

func TestBuildEmpty(t *testing.T) {
	s := Build(nil)
	assert.Zero(t, s.Mails)
	assert.Zero(t, s.Total.Messages)
	assert.Empty(t, s.Domains)
	assert.Zero(t, s.Total.PassRate())
}

func TestForDomain(t *testing.T) {
	d, ok := ForDomain(fixtures(), "EXAMPLE.org")
	require.True(t, ok)
	assert.Equal(t, "example.org", d.Domain)
	assert.Equal(t, 2, d.Counts.Reports)
	assert.InDelta(t, 83.33, d.Counts.PassRate(), 0.01)

	_, ok = ForDomain(fixtures(), "unknown.test")
	assert.False(t, ok)

	// Header-from domains match as well as the policy domain.
	entries := fixtures()
	entries[2].Report.Records[0].Identifiers.HeaderFrom = "mail.example.net"
	d, ok = ForDomain(entries, "mail.example.net")
	require.True(t, ok)
	assert.Equal(t, 1, d.Counts.Reports)
	assert.Equal(t, 2, d.Counts.Messages)
}

func TestTop(t *testing.T) {
	m := map[string]int{"b": 3, "a": 3, "c": 10, "d": 1}

	assert.Equal(t, []Pair{{"c", 10}, {"a", 3}, {"b", 3}}, Top(m, 3))
	assert.Len(t, Top(m, -1), 4)
	assert.Empty(t, Top(m, 0))
	assert.Empty(t, Top(nil, 5))
}

func TestWriteCSV(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	require.NoError(t, WriteCSV(dir, Build(fixtures()), 1))

	rows := readCSV(t, filepath.Join(dir, "domains.csv"))
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"domain", "reports", "messages", "passed", "failed", "pass_rate", "dkim_pass", "dkim_fail", "spf_pass", "spf_fail"}, rows[0])
	assert.Equal(t, []string{"example.net", "1", "2", "0", "2", "0.00", "0", "2", "0", "2"}, rows[1])
	assert.Equal(t, "example.org", rows[2][0])

	orgs := readCSV(t, filepath.Join(dir, "orgs.csv"))
	require.Len(t, orgs, 3)
	assert.Equal(t, "google.com", orgs[1][0])

	sources := readCSV(t, filepath.Join(dir, "sources_example_org.csv"))
	assert.Equal(t, [][]string{{"source_ip", "messages"}, {"192.0.2.1", "15"}}, sources)
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}
