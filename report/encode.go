package report

import (
	"encoding/xml"
	"fmt"
	"strconv"

	"github.com/dhcgn/dmarc-inbox/model"
)

// Encode renders a report as aggregate feedback XML. Decoding the result yields
// a report equal to r.
func Encode(r *model.Report) ([]byte, error) {
	if r == nil {
		return nil, fmt.Errorf("encode report: nil report")
	}

	md := r.Metadata
	fb := xmlFeedback{
		Version: r.Version,
		Metadata: xmlMetadata{
			OrgName:          md.OrgName,
			Email:            md.Email,
			ExtraContactInfo: md.ExtraContactInfo,
			ReportID:         md.ReportID,
			DateRange: &xmlDateRange{
				Begin: strconv.FormatInt(md.DateRange.Begin.Unix(), 10),
				End:   strconv.FormatInt(md.DateRange.End.Unix(), 10),
			},
			Errors: md.Errors,
		},
		Policy: xmlPolicy{
			Domain: r.Policy.Domain,
			ADKIM:  string(r.Policy.ADKIM),
			ASPF:   string(r.Policy.ASPF),
			P:      string(r.Policy.Policy),
			SP:     string(r.Policy.SubdomainPolicy),
			Pct:    strconv.Itoa(r.Policy.Percentage),
			FO:     r.Policy.FailureOptions,
		},
	}
	if md.ClaimedTotal != nil {
		fb.Metadata.TotalCount = strconv.Itoa(*md.ClaimedTotal)
	}

	for _, rec := range r.Records {
		xr := xmlRecord{
			Row: xmlRow{
				SourceIP: rec.SourceIP.String(),
				Count:    strconv.Itoa(rec.Count),
				PolicyEvaluated: xmlPolicyEvaluated{
					Disposition: string(rec.PolicyEvaluated.Disposition),
					DKIM:        string(rec.PolicyEvaluated.DKIM),
					SPF:         string(rec.PolicyEvaluated.SPF),
				},
			},
			Identifiers: xmlIdentifiers{
				EnvelopeTo:   rec.Identifiers.EnvelopeTo,
				EnvelopeFrom: rec.Identifiers.EnvelopeFrom,
				HeaderFrom:   rec.Identifiers.HeaderFrom,
			},
		}
		for _, reason := range rec.PolicyEvaluated.Reasons {
			xr.Row.PolicyEvaluated.Reasons = append(xr.Row.PolicyEvaluated.Reasons, xmlReason{Type: reason.Type, Comment: reason.Comment})
		}
		for _, d := range rec.DKIM {
			xr.AuthResults.DKIM = append(xr.AuthResults.DKIM, xmlDKIM{
				Domain:      d.Domain,
				Selector:    d.Selector,
				Result:      string(d.Result),
				HumanResult: d.HumanResult,
			})
		}
		for _, s := range rec.SPF {
			xr.AuthResults.SPF = append(xr.AuthResults.SPF, xmlSPF{
				Domain: s.Domain,
				Scope:  string(s.Scope),
				Result: string(s.Result),
			})
		}
		fb.Records = append(fb.Records, xr)
	}

	out, err := xml.MarshalIndent(&fb, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode report %s: %w", r.Key(), err)
	}
	return append([]byte(xml.Header), out...), nil
}
