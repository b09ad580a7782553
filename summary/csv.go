package summary

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

var countsHeader = []string{"reports", "messages", "passed", "failed", "pass_rate", "dkim_pass", "dkim_fail", "spf_pass", "spf_fail"}

func countsRow(c Counts) []string {
	return []string{
		strconv.Itoa(c.Reports),
		strconv.Itoa(c.Messages),
		strconv.Itoa(c.Passed),
		strconv.Itoa(c.Failed),
		strconv.FormatFloat(c.PassRate(), 'f', 2, 64),
		strconv.Itoa(c.DKIMPass),
		strconv.Itoa(c.DKIMFail),
		strconv.Itoa(c.SPFPass),
		strconv.Itoa(c.SPFFail),
	}
}

// WriteCSV writes domains.csv, orgs.csv and one sources_<domain>.csv per
// domain into dir, creating it if needed. Source files hold at most limit rows.
func WriteCSV(dir string, s Summary, limit int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	domains := make([][]string, 0, len(s.Domains))
	for _, name := range s.DomainNames() {
		domains = append(domains, append([]string{name}, countsRow(s.Domains[name].Counts)...))
	}
	if err := writeFile(filepath.Join(dir, "domains.csv"), append([]string{"domain"}, countsHeader...), domains); err != nil {
		return err
	}

	orgs := make([][]string, 0, len(s.Orgs))
	for _, p := range Top(orgReports(s), -1) {
		orgs = append(orgs, append([]string{p.Key}, countsRow(s.Orgs[p.Key])...))
	}
	if err := writeFile(filepath.Join(dir, "orgs.csv"), append([]string{"org"}, countsHeader...), orgs); err != nil {
		return err
	}

	for _, name := range s.DomainNames() {
		var rows [][]string
		for _, p := range Top(s.Domains[name].Sources, limit) {
			rows = append(rows, []string{p.Key, strconv.Itoa(p.Value)})
		}
		path := filepath.Join(dir, fmt.Sprintf("sources_%s.csv", normalizeName(name)))
		if err := writeFile(path, []string{"source_ip", "messages"}, rows); err != nil {
			return err
		}
	}
	return nil
}

func orgReports(s Summary) map[string]int {
	m := make(map[string]int, len(s.Orgs))
	for org, c := range s.Orgs {
		m[org] = c.Reports
	}
	return m
}

func writeFile(path string, header []string, rows [][]string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}

	writer := csv.NewWriter(file)
	if err := writer.Write(header); err != nil {
		file.Close()
		return err
	}
	if err := writer.WriteAll(rows); err != nil {
		file.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return file.Close()
}

func normalizeName(name string) string {
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, ".", "_")
	name = strings.ReplaceAll(name, "-", "_")
	name = strings.ReplaceAll(name, " ", "_")
	return name
}
