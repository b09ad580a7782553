package mbox

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/dhcgn/dmarc-inbox/mailtest"
	"github.com/dhcgn/dmarc-inbox/model"
	"github.com/dhcgn/dmarc-inbox/runner"
	"github.com/dhcgn/dmarc-inbox/stats"
	"github.com/dhcgn/dmarc-inbox/store"
)

func reportMessage(t *testing.T, id string) []byte {
	return mailtest.Message(t, "Report Domain: example.org Report-ID: "+id, mailtest.Attachment{
		Filename:    id + ".xml",
		ContentType: "text/xml",
		Data:        mailtest.Report("example.net", id, "example.org", 1),
	})
}

func collect(t *testing.T, r Reader) ([]model.Envelope, error) {
	t.Helper()
	out := make(chan model.Envelope, 16)
	done := make(chan error, 1)
	go func() {
		done <- r.Stream(context.Background(), out)
		close(out)
	}()

	var envs []model.Envelope
	for env := range out {
		envs = append(envs, env)
	}
	return envs, <-done
}

func TestStreamReader(t *testing.T) {
	archive := mailtest.Mbox(t, reportMessage(t, "a"), reportMessage(t, "b"), reportMessage(t, "c"))

	envs, err := collect(t, NewStreamReader("archive.mbox", bytes.NewReader(archive), nil))
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(envs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(envs))
	}

	for i, env := range envs {
		if env.Err != nil {
			t.Fatalf("message %d: %v", i, env.Err)
		}
		msg := env.Message
		if msg.Handle.Mailbox != "archive.mbox" || msg.Handle.UID != uint32(i+1) {
			t.Errorf("message %d: unexpected handle %+v", i, msg.Handle)
		}
		if msg.From != "noreply-dmarc@example.net" {
			t.Errorf("message %d: unexpected from %q", i, msg.From)
		}
		if msg.ReceivedAt.IsZero() {
			t.Errorf("message %d: missing date", i)
		}
		if msg.Size != int64(len(msg.Raw)) || msg.Size == 0 {
			t.Errorf("message %d: size %d does not match raw length %d", i, msg.Size, len(msg.Raw))
		}
	}
	if envs[1].Message.Subject != "Report Domain: example.org Report-ID: b" {
		t.Errorf("unexpected subject %q", envs[1].Message.Subject)
	}
}

func TestStreamReaderContinuesAfterUnreadableMessage(t *testing.T) {
	broken := []byte("this line is not a header\n\nbody\n")
	archive := mailtest.Mbox(t, reportMessage(t, "a"), broken, reportMessage(t, "c"))

	envs, err := collect(t, NewStreamReader("archive.mbox", bytes.NewReader(archive), nil))
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(envs) != 3 {
		t.Fatalf("expected 3 envelopes, got %d", len(envs))
	}
	if envs[1].Err == nil {
		t.Fatal("expected an error envelope for the broken message")
	}
	if envs[1].Message.Ref() != "archive.mbox/0/2" {
		t.Errorf("error envelope should carry the handle, got %q", envs[1].Message.Ref())
	}
	if envs[0].Err != nil || envs[2].Err != nil {
		t.Errorf("neighbours of the broken message should parse: %v, %v", envs[0].Err, envs[2].Err)
	}
}

func TestStreamStopsOnCancel(t *testing.T) {
	archive := mailtest.Mbox(t, reportMessage(t, "a"), reportMessage(t, "b"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := make(chan model.Envelope)
	err := NewStreamReader("archive.mbox", bytes.NewReader(archive), nil).Stream(ctx, out)
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestNewReader(t *testing.T) {
	if _, err := NewReader(Options{Path: "  "}, nil); err != ErrEmptyPath {
		t.Fatalf("expected ErrEmptyPath, got %v", err)
	}

	path := filepath.Join(t.TempDir(), "reports.mbox")
	if err := os.WriteFile(path, mailtest.Mbox(t, reportMessage(t, "a")), 0o600); err != nil {
		t.Fatal(err)
	}
	r, err := NewReader(Options{Path: path}, nil)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	envs, err := collect(t, r)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(envs) != 1 || envs[0].Message.Handle.Mailbox != "reports.mbox" {
		t.Fatalf("unexpected envelopes: %+v", envs)
	}

	missing, _ := NewReader(Options{Path: filepath.Join(t.TempDir(), "missing.mbox")}, nil)
	if _, err := collect(t, missing); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestCountMessages(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports.mbox")
	archive := mailtest.Mbox(t, reportMessage(t, "a"), reportMessage(t, "b"), []byte("garbage\n\n"))
	if err := os.WriteFile(path, archive, 0o600); err != nil {
		t.Fatal(err)
	}

	n, err := CountMessages(path)
	if err != nil {
		t.Fatalf("CountMessages: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 messages, got %d", n)
	}
}

func TestImportArchive(t *testing.T) {
	archive := mailtest.Mbox(t,
		reportMessage(t, "a"),
		reportMessage(t, "b"),
		reportMessage(t, "a"),
		mailtest.Message(t, "Broken", mailtest.Attachment{Filename: "x.xml", ContentType: "text/xml", Data: []byte("<feedback>")}),
	)

	st := store.New()
	imp := runner.NewImporter(context.Background(), st, nil, nil, nil, nil)
	collector := stats.NewCollector()
	imp.SubscribeStats(collector)
	NewProducer(NewStreamReader("archive.mbox", bytes.NewReader(archive), nil), imp)

	res, err := imp.Start()
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if res.Messages != 4 || res.Failed != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if st.Len() != 2 {
		t.Fatalf("expected 2 stored reports, got %d", st.Len())
	}

	summary := collector.Snapshot()
	if summary.Fetched != 4 || summary.Merged != 2 || summary.Duplicates != 1 || summary.Errors != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}

	failures := imp.Tracker().Failures()
	if len(failures) != 1 || failures[0].Ref != "archive.mbox/0/4" {
		t.Fatalf("unexpected failures %+v", failures)
	}
}
