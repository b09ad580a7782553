// Package model holds the DMARC aggregate report data model and the mailbox
// message types shared by the ingestion pipeline.
package model

import (
	"net/netip"
	"strings"
	"time"

	"github.com/emersion/go-msgauth/dmarc"
)

// Key identifies a report independently of the mail that delivered it.
type Key struct {
	OrgName  string
	ReportID string
}

func (k Key) String() string {
	return k.OrgName + "!" + k.ReportID
}

// IsZero reports whether either half of the key is missing.
func (k Key) IsZero() bool {
	return k.OrgName == "" || k.ReportID == ""
}

// DateRange is the reporting period, both ends in UTC.
type DateRange struct {
	Begin time.Time `json:"begin"`
	End   time.Time `json:"end"`
}

type ReportMetadata struct {
	OrgName          string    `json:"org_name"`
	Email            string    `json:"email,omitempty"`
	ExtraContactInfo string    `json:"extra_contact_info,omitempty"`
	ReportID         string    `json:"report_id"`
	DateRange        DateRange `json:"date_range"`
	Errors           []string  `json:"errors,omitempty"`
	// ClaimedTotal is the sender's message total, when it sends one.
	ClaimedTotal *int `json:"claimed_total,omitempty"`
}

// PolicyPublished is the DMARC record the reporter saw for the domain.
type PolicyPublished struct {
	Domain          string              `json:"domain"`
	ADKIM           dmarc.AlignmentMode `json:"adkim"`
	ASPF            dmarc.AlignmentMode `json:"aspf"`
	Policy          dmarc.Policy        `json:"policy"`
	SubdomainPolicy dmarc.Policy        `json:"subdomain_policy,omitempty"`
	Percentage      int                 `json:"percentage"`
	// FailureOptions keeps the raw fo tag; FailureMask is its parsed form.
	FailureOptions string               `json:"failure_options,omitempty"`
	FailureMask    dmarc.FailureOptions `json:"-"`
}

// Result is a DMARC-level pass/fail outcome. Empty means not reported.
type Result string

const (
	ResultPass Result = "pass"
	ResultFail Result = "fail"
)

// AuthResult is a raw DKIM or SPF verification outcome (pass, fail, softfail,
// neutral, none, policy, temperror, permerror).
type AuthResult string

const (
	AuthPass      AuthResult = "pass"
	AuthFail      AuthResult = "fail"
	AuthSoftFail  AuthResult = "softfail"
	AuthNeutral   AuthResult = "neutral"
	AuthNone      AuthResult = "none"
	AuthPolicy    AuthResult = "policy"
	AuthTempError AuthResult = "temperror"
	AuthPermError AuthResult = "permerror"
)

type SPFScope string

const (
	ScopeHelo  SPFScope = "helo"
	ScopeMfrom SPFScope = "mfrom"
)

type PolicyOverrideReason struct {
	Type    string `json:"type"`
	Comment string `json:"comment,omitempty"`
}

type PolicyEvaluated struct {
	Disposition dmarc.Policy           `json:"disposition"`
	DKIM        Result                 `json:"dkim"`
	SPF         Result                 `json:"spf"`
	Reasons     []PolicyOverrideReason `json:"reasons,omitempty"`
}

type Identifiers struct {
	HeaderFrom   string `json:"header_from"`
	EnvelopeFrom string `json:"envelope_from,omitempty"`
	EnvelopeTo   string `json:"envelope_to,omitempty"`
}

type DKIMAuthResult struct {
	Domain      string     `json:"domain"`
	Selector    string     `json:"selector,omitempty"`
	Result      AuthResult `json:"result"`
	HumanResult string     `json:"human_result,omitempty"`
}

type SPFAuthResult struct {
	Domain string     `json:"domain"`
	Scope  SPFScope   `json:"scope,omitempty"`
	Result AuthResult `json:"result"`
}

// Record is one row of a report: a source address and what happened to its mail.
type Record struct {
	SourceIP        netip.Addr       `json:"source_ip"`
	Count           int              `json:"count"`
	PolicyEvaluated PolicyEvaluated  `json:"policy_evaluated"`
	Identifiers     Identifiers      `json:"identifiers"`
	DKIM            []DKIMAuthResult `json:"dkim"`
	SPF             []SPFAuthResult  `json:"spf"`
}

// Passed is true when either aligned mechanism passed DMARC evaluation.
func (r Record) Passed() bool {
	return r.PolicyEvaluated.DKIM == ResultPass || r.PolicyEvaluated.SPF == ResultPass
}

// Report is a decoded aggregate report. Values are never modified after decoding.
type Report struct {
	Version  string          `json:"version,omitempty"`
	Metadata ReportMetadata  `json:"report_metadata"`
	Policy   PolicyPublished `json:"policy_published"`
	Records  []Record        `json:"records"`
}

func (r *Report) Key() Key {
	return Key{OrgName: r.Metadata.OrgName, ReportID: r.Metadata.ReportID}
}

// MessageCount sums the counts of all records.
func (r *Report) MessageCount() int {
	total := 0
	for _, rec := range r.Records {
		total += rec.Count
	}
	return total
}

// CountMismatch reports whether the claimed total disagrees with the records.
func (r *Report) CountMismatch() (claimed, counted int, mismatch bool) {
	counted = r.MessageCount()
	if r.Metadata.ClaimedTotal == nil {
		return 0, counted, false
	}
	claimed = *r.Metadata.ClaimedTotal
	return claimed, counted, claimed != counted
}

// HeaderFromDomains lists the distinct lower-cased header-from domains in record order.
func (r *Report) HeaderFromDomains() []string {
	seen := make(map[string]struct{}, len(r.Records))
	var domains []string
	for _, rec := range r.Records {
		d := strings.ToLower(rec.Identifiers.HeaderFrom)
		if d == "" {
			continue
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		domains = append(domains, d)
	}
	return domains
}
