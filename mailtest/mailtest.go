// Package mailtest builds report emails, archives and XML for tests.
package mailtest

import (
	"archive/zip"
	"bytes"
	"compress/gzip"
	"fmt"
	"strings"
	"testing"
	"time"

	mboxlib "github.com/emersion/go-mbox"
	"github.com/emersion/go-message/mail"
)

// Attachment is one MIME part of a generated message.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Entry is one file in a generated zip archive.
type Entry struct {
	Name string
	Data []byte
}

// Message renders a multipart email with a short text body followed by the
// attachments, each base64 encoded.
func Message(t testing.TB, subject string, attachments ...Attachment) []byte {
	t.Helper()

	var h mail.Header
	h.SetDate(time.Date(2024, 3, 6, 12, 0, 0, 0, time.UTC))
	h.SetAddressList("From", []*mail.Address{{Name: "DMARC Reports", Address: "noreply-dmarc@example.net"}})
	h.SetAddressList("To", []*mail.Address{{Address: "dmarc@example.org"}})
	h.SetSubject(subject)
	h.SetMessageID(strings.ReplaceAll(strings.ToLower(subject), " ", "-") + "@example.net")

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		t.Fatalf("create mail writer: %v", err)
	}

	tw, err := mw.CreateInline()
	if err != nil {
		t.Fatalf("create inline: %v", err)
	}
	var th mail.InlineHeader
	th.Set("Content-Type", "text/plain; charset=utf-8")
	w, err := tw.CreatePart(th)
	if err != nil {
		t.Fatalf("create text part: %v", err)
	}
	fmt.Fprintf(w, "This is an aggregate report: %s\r\n", subject)
	w.Close()
	tw.Close()

	for _, a := range attachments {
		var ah mail.AttachmentHeader
		ah.Set("Content-Type", a.ContentType)
		ah.Set("Content-Transfer-Encoding", "base64")
		if a.Filename != "" {
			ah.SetFilename(a.Filename)
		}
		w, err := mw.CreateAttachment(ah)
		if err != nil {
			t.Fatalf("create attachment %s: %v", a.Filename, err)
		}
		if _, err := w.Write(a.Data); err != nil {
			t.Fatalf("write attachment %s: %v", a.Filename, err)
		}
		w.Close()
	}

	if err := mw.Close(); err != nil {
		t.Fatalf("close mail writer: %v", err)
	}
	return buf.Bytes()
}

// Zip archives the entries uncompressed so tests can corrupt entry data at a
// known offset.
func Zip(t testing.TB, entries ...Entry) []byte {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: e.Name, Method: zip.Store})
		if err != nil {
			t.Fatalf("zip entry %s: %v", e.Name, err)
		}
		if _, err := w.Write(e.Data); err != nil {
			t.Fatalf("zip write %s: %v", e.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

// CorruptZipEntry flips one byte in the stored data of the named entry, which
// makes reading it fail the CRC check while leaving the directory intact.
func CorruptZipEntry(t testing.TB, archive []byte, name string) []byte {
	t.Helper()

	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		off, err := f.DataOffset()
		if err != nil {
			t.Fatalf("data offset %s: %v", name, err)
		}
		out := bytes.Clone(archive)
		out[off] ^= 0xff
		return out
	}
	t.Fatalf("zip entry %s not found", name)
	return nil
}

func Gzip(t testing.TB, data []byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(data); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := gw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

// Report renders an aggregate report for domain with one record per count.
func Report(org, reportID, domain string, counts ...int) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, `<?xml version="1.0" encoding="UTF-8"?>
<feedback>
  <report_metadata>
    <org_name>%s</org_name>
    <email>noreply-dmarc@%s</email>
    <report_id>%s</report_id>
    <date_range><begin>1709683200</begin><end>1709769599</end></date_range>
  </report_metadata>
  <policy_published>
    <domain>%s</domain><adkim>r</adkim><aspf>r</aspf><p>reject</p><sp>reject</sp><pct>100</pct>
  </policy_published>
`, org, org, reportID, domain)
	for i, n := range counts {
		fmt.Fprintf(&b, `  <record>
    <row>
      <source_ip>192.0.2.%d</source_ip>
      <count>%d</count>
      <policy_evaluated><disposition>none</disposition><dkim>pass</dkim><spf>pass</spf></policy_evaluated>
    </row>
    <identifiers><header_from>%s</header_from></identifiers>
    <auth_results>
      <dkim><domain>%s</domain><selector>s1</selector><result>pass</result></dkim>
      <spf><domain>%s</domain><result>pass</result></spf>
    </auth_results>
  </record>
`, i+1, n, domain, domain, domain)
	}
	b.WriteString("</feedback>\n")
	return []byte(b.String())
}

// Mbox concatenates messages into an mbox archive.
func Mbox(t testing.TB, messages ...[]byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	mw := mboxlib.NewWriter(&buf)
	date := time.Date(2024, 3, 7, 8, 0, 0, 0, time.UTC)
	for i, raw := range messages {
		w, err := mw.CreateMessage("noreply-dmarc@example.net", date)
		if err != nil {
			t.Fatalf("mbox message %d: %v", i, err)
		}
		if _, err := w.Write(raw); err != nil {
			t.Fatalf("mbox write %d: %v", i, err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("mbox close: %v", err)
	}
	return buf.Bytes()
}
