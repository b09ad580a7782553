package runner

import (
	"errors"
	"log/slog"

	"github.com/dhcgn/dmarc-inbox/extract"
	"github.com/dhcgn/dmarc-inbox/filter"
	"github.com/dhcgn/dmarc-inbox/metrics"
	"github.com/dhcgn/dmarc-inbox/model"
	"github.com/dhcgn/dmarc-inbox/report"
	"github.com/dhcgn/dmarc-inbox/stats"
	"github.com/dhcgn/dmarc-inbox/store"
)

// Outcome is what happened to one message.
type Outcome struct {
	Ref        string
	Skipped    bool
	Payloads   int
	Inserted   int
	Duplicates int
	Errors     []error
}

// Failed reports whether any part of the message could not be processed. A
// failed message must not be acknowledged.
func (o Outcome) Failed() bool {
	return len(o.Errors) > 0
}

func (o Outcome) Err() error {
	return errors.Join(o.Errors...)
}

// Pipeline turns one raw message into merged reports.
type Pipeline struct {
	extractor *extract.Extractor
	store     *store.Store
	filter    *filter.Filter
	recorder  stats.Recorder
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewPipeline wires the processing stages. flt, rec and m may be nil.
func NewPipeline(st *store.Store, flt *filter.Filter, rec stats.Recorder, m *metrics.Metrics, logger *slog.Logger) *Pipeline {
	if rec == nil {
		rec = stats.Recorders{}
	}
	return &Pipeline{
		extractor: extract.New(logger),
		store:     st,
		filter:    flt,
		recorder:  rec,
		metrics:   m,
		logger:    logger,
	}
}

func (p *Pipeline) record(evt stats.Event) {
	p.recorder.Record(evt)
	p.metrics.Record(evt)
}

// Process filters, extracts, decodes and merges msg. Reports that decode
// cleanly are merged even when another attachment of the same message fails;
// a later retry merges them as duplicates.
func (p *Pipeline) Process(msg model.Message) Outcome {
	ref := msg.Ref()
	out := Outcome{Ref: ref}

	if !p.filter.Allows(msg.Raw) {
		out.Skipped = true
		p.record(stats.Event{Stage: stats.StageExtract, Type: stats.EventTypeSkipped, MessageRef: ref})
		if p.logger != nil {
			p.logger.Debug("message filtered out", "ref", ref, "subject", msg.Subject)
		}
		return out
	}

	res, err := p.extractor.Extract(msg.Raw)
	if err != nil {
		p.fail(&out, stats.StageExtract, err)
	}
	for _, failure := range res.Failures {
		p.fail(&out, stats.StageExtract, failure)
	}

	for _, payload := range res.Payloads {
		out.Payloads++
		p.record(stats.Event{Stage: stats.StageExtract, Type: stats.EventTypeExtracted, MessageRef: ref, Detail: payload.Filename})
		p.merge(&out, payload)
	}

	if out.Payloads == 0 && !out.Failed() && p.logger != nil {
		p.logger.Info("message carries no report", "ref", ref, "subject", msg.Subject)
	}
	return out
}

func (p *Pipeline) merge(out *Outcome, payload extract.Payload) {
	r, err := report.Decode(payload.Data)
	if err != nil {
		p.fail(out, stats.StageDecode, err)
		return
	}
	p.record(stats.Event{Stage: stats.StageDecode, Type: stats.EventTypeDecoded, MessageRef: out.Ref, Detail: r.Key().String()})

	if claimed, counted, mismatch := r.CountMismatch(); mismatch && p.logger != nil {
		p.logger.Warn("report total does not match records", "ref", out.Ref, "report", r.Key().String(), "claimed", claimed, "counted", counted)
	}

	res, err := p.store.MergeInsert(r, out.Ref)
	if err != nil {
		p.fail(out, stats.StageStore, err)
		return
	}

	switch res {
	case store.Inserted:
		out.Inserted++
		p.record(stats.Event{Stage: stats.StageStore, Type: stats.EventTypeMerged, MessageRef: out.Ref, Detail: r.Key().String()})
		p.metrics.ObserveReport(r)
		p.metrics.SetStored(p.store.Len())
		if p.logger != nil {
			p.logger.Debug("report merged", "ref", out.Ref, "report", r.Key().String(), "domain", r.Policy.Domain, "records", len(r.Records))
		}
	case store.Duplicate:
		out.Duplicates++
		p.record(stats.Event{Stage: stats.StageStore, Type: stats.EventTypeDuplicate, MessageRef: out.Ref, Detail: r.Key().String()})
	}
}

func (p *Pipeline) fail(out *Outcome, stage stats.Stage, err error) {
	out.Errors = append(out.Errors, err)
	p.record(stats.Event{Stage: stage, Type: stats.EventTypeError, MessageRef: out.Ref, Err: err})

	if p.logger == nil {
		return
	}
	attrs := []any{"ref", out.Ref, "stage", stage, "err", err}
	var de *report.DecodeError
	if errors.As(err, &de) {
		attrs = append(attrs, "org", de.OrgName, "reportID", de.ReportID, "field", de.Field)
	}
	p.logger.Warn("message part failed", attrs...)
}
