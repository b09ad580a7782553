package report

import "encoding/xml"

// The wire structs keep every leaf as a string so that sender quirks (padding,
// casing, numbers written as "100.0") are handled during conversion rather than
// failing inside encoding/xml.

type xmlFeedback struct {
	XMLName  xml.Name    `xml:"feedback"`
	Version  string      `xml:"version,omitempty"`
	Metadata xmlMetadata `xml:"report_metadata"`
	Policy   xmlPolicy   `xml:"policy_published"`
	Records  []xmlRecord `xml:"record"`
}

type xmlMetadata struct {
	OrgName          string        `xml:"org_name"`
	Email            string        `xml:"email"`
	ExtraContactInfo string        `xml:"extra_contact_info,omitempty"`
	ReportID         string        `xml:"report_id"`
	DateRange        *xmlDateRange `xml:"date_range"`
	Errors           []string      `xml:"error"`
	TotalCount       string        `xml:"total_count,omitempty"`
}

type xmlDateRange struct {
	Begin string `xml:"begin"`
	End   string `xml:"end"`
}

type xmlPolicy struct {
	Domain string `xml:"domain"`
	ADKIM  string `xml:"adkim,omitempty"`
	ASPF   string `xml:"aspf,omitempty"`
	P      string `xml:"p"`
	SP     string `xml:"sp,omitempty"`
	Pct    string `xml:"pct,omitempty"`
	FO     string `xml:"fo,omitempty"`
}

type xmlRecord struct {
	Row         xmlRow         `xml:"row"`
	Identifiers xmlIdentifiers `xml:"identifiers"`
	AuthResults xmlAuthResults `xml:"auth_results"`
}

type xmlRow struct {
	SourceIP        string             `xml:"source_ip"`
	Count           string             `xml:"count"`
	PolicyEvaluated xmlPolicyEvaluated `xml:"policy_evaluated"`
}

type xmlPolicyEvaluated struct {
	Disposition string      `xml:"disposition"`
	DKIM        string      `xml:"dkim,omitempty"`
	SPF         string      `xml:"spf,omitempty"`
	Reasons     []xmlReason `xml:"reason"`
}

type xmlReason struct {
	Type    string `xml:"type"`
	Comment string `xml:"comment,omitempty"`
}

type xmlIdentifiers struct {
	EnvelopeTo   string `xml:"envelope_to,omitempty"`
	EnvelopeFrom string `xml:"envelope_from,omitempty"`
	HeaderFrom   string `xml:"header_from"`
}

type xmlAuthResults struct {
	DKIM []xmlDKIM `xml:"dkim"`
	SPF  []xmlSPF  `xml:"spf"`
}

type xmlDKIM struct {
	Domain      string `xml:"domain"`
	Selector    string `xml:"selector,omitempty"`
	Result      string `xml:"result"`
	HumanResult string `xml:"human_result,omitempty"`
}

type xmlSPF struct {
	Domain string `xml:"domain"`
	Scope  string `xml:"scope,omitempty"`
	Result string `xml:"result"`
}
