package model

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReportCountMismatch(t *testing.T) {
	claimed := 100
	r := &Report{
		Metadata: ReportMetadata{OrgName: "google.com", ReportID: "1", ClaimedTotal: &claimed},
		Records: []Record{
			{SourceIP: netip.MustParseAddr("192.0.2.1"), Count: 60},
			{SourceIP: netip.MustParseAddr("192.0.2.2"), Count: 30},
		},
	}

	got, counted, mismatch := r.CountMismatch()
	assert.True(t, mismatch)
	assert.Equal(t, 100, got)
	assert.Equal(t, 90, counted)

	r.Metadata.ClaimedTotal = nil
	_, counted, mismatch = r.CountMismatch()
	assert.False(t, mismatch)
	assert.Equal(t, 90, counted)
}

func TestReportHeaderFromDomains(t *testing.T) {
	r := &Report{Records: []Record{
		{Identifiers: Identifiers{HeaderFrom: "Example.org"}},
		{Identifiers: Identifiers{HeaderFrom: "example.org"}},
		{Identifiers: Identifiers{HeaderFrom: ""}},
		{Identifiers: Identifiers{HeaderFrom: "mail.example.org"}},
	}}

	assert.Equal(t, []string{"example.org", "mail.example.org"}, r.HeaderFromDomains())
}

func TestKey(t *testing.T) {
	assert.True(t, Key{OrgName: "acme.com"}.IsZero())
	assert.False(t, Key{OrgName: "acme.com", ReportID: "42"}.IsZero())
	assert.Equal(t, "acme.com!42", Key{OrgName: "acme.com", ReportID: "42"}.String())
}

func TestParseFilter(t *testing.T) {
	tests := []struct {
		in      string
		want    Filter
		wantErr bool
	}{
		{in: "", want: FilterUnseen},
		{in: "UNSEEN", want: FilterUnseen},
		{in: " all ", want: FilterAll},
		{in: "recent", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFilter(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMessageRef(t *testing.T) {
	assert.Equal(t, "INBOX/7/42", Message{Handle: MessageHandle{Mailbox: "INBOX", UIDValidity: 7, UID: 42}}.Ref())
	assert.Equal(t, "<abc@example.org>", Message{ID: "abc@example.org"}.Ref())
	assert.Equal(t, "unknown", Message{}.Ref())
}
