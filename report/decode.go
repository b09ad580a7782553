// Package report decodes DMARC aggregate feedback reports (RFC 7489 appendix C)
// into the validated model and renders them back to XML.
package report

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"math"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-msgauth/dmarc"
	"golang.org/x/net/html/charset"

	"github.com/dhcgn/dmarc-inbox/model"
)

var errNotNumeric = errors.New("not a number")

// DecodeError describes why a payload was rejected. Field names follow the XML
// paths, e.g. "report_metadata.report_id" or "record[3].row.count".
type DecodeError struct {
	Field    string
	Found    string
	Reason   string
	OrgName  string
	ReportID string
	Err      error
}

func (e *DecodeError) Error() string {
	var b strings.Builder
	b.WriteString("decode report")
	if e.OrgName != "" || e.ReportID != "" {
		fmt.Fprintf(&b, " %s!%s", e.OrgName, e.ReportID)
	}
	fmt.Fprintf(&b, ": %s: %s", e.Field, e.Reason)
	if e.Found != "" {
		fmt.Fprintf(&b, " (found %q)", truncate(e.Found, 64))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Decode parses an aggregate report. It returns a *DecodeError for malformed
// XML and for reports lacking the fields needed to identify or count them.
func Decode(data []byte) (*model.Report, error) {
	d := xml.NewDecoder(bytes.NewReader(data))
	d.CharsetReader = charset.NewReaderLabel

	var fb xmlFeedback
	if err := d.Decode(&fb); err != nil {
		return nil, &DecodeError{Field: "feedback", Reason: "malformed xml", Found: firstLine(data), Err: err}
	}

	return convert(&fb)
}

func convert(fb *xmlFeedback) (*model.Report, error) {
	md := fb.Metadata
	orgName := strings.TrimSpace(md.OrgName)
	reportID := strings.TrimSpace(md.ReportID)

	fail := func(field, reason, found string, err error) error {
		return &DecodeError{Field: field, Reason: reason, Found: found, OrgName: orgName, ReportID: reportID, Err: err}
	}

	if orgName == "" {
		return nil, fail("report_metadata.org_name", "missing", "", nil)
	}
	if reportID == "" {
		return nil, fail("report_metadata.report_id", "missing", "", nil)
	}
	if md.DateRange == nil {
		return nil, fail("report_metadata.date_range", "missing", "", nil)
	}
	begin, err := parseTimestamp(md.DateRange.Begin)
	if err != nil {
		return nil, fail("report_metadata.date_range.begin", "invalid timestamp", md.DateRange.Begin, err)
	}
	end, err := parseTimestamp(md.DateRange.End)
	if err != nil {
		return nil, fail("report_metadata.date_range.end", "invalid timestamp", md.DateRange.End, err)
	}
	if begin.After(end) {
		return nil, fail("report_metadata.date_range", "begin is after end", md.DateRange.Begin+"-"+md.DateRange.End, nil)
	}

	r := &model.Report{
		Version: strings.TrimSpace(fb.Version),
		Metadata: model.ReportMetadata{
			OrgName:          orgName,
			Email:            strings.TrimSpace(md.Email),
			ExtraContactInfo: strings.TrimSpace(md.ExtraContactInfo),
			ReportID:         reportID,
			DateRange:        model.DateRange{Begin: begin, End: end},
		},
	}

	for _, e := range md.Errors {
		if e = strings.TrimSpace(e); e != "" {
			r.Metadata.Errors = append(r.Metadata.Errors, e)
		}
	}

	if total := strings.TrimSpace(md.TotalCount); total != "" {
		n, err := parseInt(total)
		if err != nil || n < 0 {
			return nil, fail("report_metadata.total_count", "must be a non-negative integer", total, err)
		}
		r.Metadata.ClaimedTotal = &n
	}

	r.Policy = convertPolicy(fb.Policy)

	for i, xr := range fb.Records {
		rec, err := convertRecord(xr)
		if err != nil {
			var de *DecodeError
			if errors.As(err, &de) {
				de.Field = fmt.Sprintf("record[%d].%s", i, de.Field)
				de.OrgName, de.ReportID = orgName, reportID
			}
			return nil, err
		}
		r.Records = append(r.Records, rec)
	}

	return r, nil
}

func convertPolicy(p xmlPolicy) model.PolicyPublished {
	pol := model.PolicyPublished{
		Domain:          lowerTrim(p.Domain),
		ADKIM:           parseAlignment(p.ADKIM),
		ASPF:            parseAlignment(p.ASPF),
		Policy:          dmarc.Policy(lowerTrim(p.P)),
		SubdomainPolicy: dmarc.Policy(lowerTrim(p.SP)),
		Percentage:      100,
		FailureOptions:  strings.TrimSpace(p.FO),
	}
	if pol.Policy == "" {
		pol.Policy = dmarc.PolicyNone
	}
	if pct := strings.TrimSpace(p.Pct); pct != "" {
		if n, err := parseInt(pct); err == nil {
			pol.Percentage = min(max(n, 0), 100)
		}
	}
	pol.FailureMask = parseFailureOptions(pol.FailureOptions)
	return pol
}

func convertRecord(xr xmlRecord) (model.Record, error) {
	var rec model.Record

	ipText := strings.TrimSpace(xr.Row.SourceIP)
	ip, err := netip.ParseAddr(ipText)
	if err != nil {
		return rec, &DecodeError{Field: "row.source_ip", Reason: "invalid ip address", Found: ipText, Err: err}
	}
	rec.SourceIP = ip.Unmap()

	countText := strings.TrimSpace(xr.Row.Count)
	count, err := parseInt(countText)
	if err != nil {
		return rec, &DecodeError{Field: "row.count", Reason: "not a number", Found: countText, Err: err}
	}
	if count < 0 {
		return rec, &DecodeError{Field: "row.count", Reason: "negative count", Found: countText}
	}
	rec.Count = count

	pe := xr.Row.PolicyEvaluated
	disposition, ok := parseDisposition(pe.Disposition)
	if !ok {
		return rec, &DecodeError{Field: "row.policy_evaluated.disposition", Reason: "unknown disposition", Found: pe.Disposition}
	}
	rec.PolicyEvaluated = model.PolicyEvaluated{
		Disposition: disposition,
		DKIM:        model.Result(lowerTrim(pe.DKIM)),
		SPF:         model.Result(lowerTrim(pe.SPF)),
	}
	for _, reason := range pe.Reasons {
		rec.PolicyEvaluated.Reasons = append(rec.PolicyEvaluated.Reasons, model.PolicyOverrideReason{
			Type:    lowerTrim(reason.Type),
			Comment: strings.TrimSpace(reason.Comment),
		})
	}

	rec.Identifiers = model.Identifiers{
		HeaderFrom:   lowerTrim(xr.Identifiers.HeaderFrom),
		EnvelopeFrom: lowerTrim(xr.Identifiers.EnvelopeFrom),
		EnvelopeTo:   lowerTrim(xr.Identifiers.EnvelopeTo),
	}

	for _, d := range xr.AuthResults.DKIM {
		rec.DKIM = append(rec.DKIM, model.DKIMAuthResult{
			Domain:      lowerTrim(d.Domain),
			Selector:    strings.TrimSpace(d.Selector),
			Result:      model.AuthResult(lowerTrim(d.Result)),
			HumanResult: strings.TrimSpace(d.HumanResult),
		})
	}
	for _, s := range xr.AuthResults.SPF {
		rec.SPF = append(rec.SPF, model.SPFAuthResult{
			Domain: lowerTrim(s.Domain),
			Scope:  model.SPFScope(lowerTrim(s.Scope)),
			Result: model.AuthResult(lowerTrim(s.Result)),
		})
	}

	return rec, nil
}

func parseDisposition(s string) (dmarc.Policy, bool) {
	switch p := dmarc.Policy(lowerTrim(s)); p {
	case "":
		return dmarc.PolicyNone, true
	case dmarc.PolicyNone, dmarc.PolicyQuarantine, dmarc.PolicyReject:
		return p, true
	}
	return "", false
}

func parseAlignment(s string) dmarc.AlignmentMode {
	switch lowerTrim(s) {
	case "s", "strict":
		return dmarc.AlignmentStrict
	default:
		return dmarc.AlignmentRelaxed
	}
}

// parseFailureOptions maps the colon separated fo tag onto the go-msgauth bitmask.
// Unknown options are ignored.
func parseFailureOptions(fo string) dmarc.FailureOptions {
	var mask dmarc.FailureOptions
	for _, opt := range strings.Split(fo, ":") {
		switch strings.ToLower(strings.TrimSpace(opt)) {
		case "0":
			mask |= dmarc.FailureAll
		case "1":
			mask |= dmarc.FailureAny
		case "d":
			mask |= dmarc.FailureDKIM
		case "s":
			mask |= dmarc.FailureSPF
		}
	}
	return mask
}

func parseTimestamp(s string) (time.Time, error) {
	n, err := parseInt64(strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, err
	}
	if n < 0 {
		return time.Time{}, fmt.Errorf("negative timestamp %d", n)
	}
	return time.Unix(n, 0).UTC(), nil
}

func parseInt(s string) (int, error) {
	n, err := parseInt64(s)
	if err != nil {
		return 0, err
	}
	if n > math.MaxInt32 || n < math.MinInt32 {
		return 0, fmt.Errorf("%d out of range", n)
	}
	return int(n), nil
}

// parseInt64 accepts plain integers and integral floats such as "100.0".
func parseInt64(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errNotNumeric
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) || f != math.Trunc(f) {
		return 0, errNotNumeric
	}
	if f > math.MaxInt64 || f < math.MinInt64 {
		return 0, errNotNumeric
	}
	return int64(f), nil
}

func lowerTrim(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func firstLine(data []byte) string {
	data = bytes.TrimSpace(data)
	if idx := bytes.IndexByte(data, '\n'); idx >= 0 {
		data = data[:idx]
	}
	return truncate(string(data), 64)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
