// Package extract locates DMARC report attachments in raw email messages and
// unpacks them into XML payloads.
package extract

import (
	"archive/zip"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"log/slog"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// MaxPayloadSize caps every attachment and every decompressed payload.
const MaxPayloadSize = 20 << 20

var errTooLarge = fmt.Errorf("exceeds %d bytes", MaxPayloadSize)

// Payload is a candidate report document.
type Payload struct {
	Filename    string
	ContentType string
	// Container is the kind of attachment the payload came out of.
	Container Container
	Data      []byte
}

// ExtractionError reports an attachment, or a single zip entry, that could not
// be read. It never aborts the rest of the message.
type ExtractionError struct {
	Filename  string
	Entry     string
	Container Container
	Err       error
}

func (e *ExtractionError) Error() string {
	name := e.Filename
	if name == "" {
		name = "(unnamed)"
	}
	if e.Entry != "" {
		name += "[" + e.Entry + "]"
	}
	return fmt.Sprintf("extract %s attachment %s: %v", e.Container, name, e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// Result is everything that came out of one message.
type Result struct {
	Payloads []Payload
	Failures []*ExtractionError
}

type Extractor struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Extractor{logger: logger.With("component", "extract")}
}

// Extract walks the MIME tree of raw and unpacks every report attachment. The
// returned error is only set when the message structure itself is unreadable;
// per-attachment problems are collected in Result.Failures.
func (e *Extractor) Extract(raw []byte) (Result, error) {
	var res Result

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if mr == nil {
		return res, &ExtractionError{Filename: "message", Err: fmt.Errorf("parse mime: %w", err)}
	}
	if err != nil {
		e.logger.Debug("message header charset not recognised", "err", err)
	}
	defer mr.Close()

	for idx := 0; ; idx++ {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return res, nil
		}
		if err != nil && p == nil {
			res.Failures = append(res.Failures, &ExtractionError{
				Filename: fmt.Sprintf("part %d", idx),
				Err:      fmt.Errorf("read mime part: %w", err),
			})
			return res, nil
		}

		var (
			contentType string
			filename    string
			candidate   bool
		)
		switch h := p.Header.(type) {
		case *mail.AttachmentHeader:
			var params map[string]string
			contentType, params, _ = h.ContentType()
			filename, _ = h.Filename()
			if filename == "" {
				filename = params["name"]
			}
			candidate = true
		case *mail.InlineHeader:
			var params map[string]string
			contentType, params, _ = h.ContentType()
			filename = params["name"]
			candidate = isReportMediaType(contentType)
		}
		if !candidate {
			continue
		}

		data, err := readLimited(p.Body)
		if err != nil {
			res.Failures = append(res.Failures, &ExtractionError{Filename: filename, Err: err})
			continue
		}

		e.unpack(&res, contentType, filename, data)
	}
}

// ExtractFile unpacks a report file read from disk, e.g. "report.xml.gz".
func (e *Extractor) ExtractFile(name string, data []byte) Result {
	var res Result
	e.unpack(&res, "", name, data)
	if len(res.Payloads) == 0 && len(res.Failures) == 0 {
		res.Failures = append(res.Failures, &ExtractionError{Filename: name, Err: errors.New("not an xml, gzip or zip file")})
	}
	return res
}

func (e *Extractor) unpack(res *Result, contentType, filename string, data []byte) {
	kind := Classify(contentType, filename, data)
	switch kind {
	case ContainerXML:
		res.Payloads = append(res.Payloads, Payload{Filename: filename, ContentType: contentType, Container: kind, Data: data})
	case ContainerGzip:
		xmlData, err := gunzip(data)
		if err != nil {
			res.Failures = append(res.Failures, &ExtractionError{Filename: filename, Container: kind, Err: err})
			return
		}
		res.Payloads = append(res.Payloads, Payload{Filename: filename, ContentType: contentType, Container: kind, Data: xmlData})
	case ContainerZip:
		e.unzip(res, contentType, filename, data)
	default:
		e.logger.Debug("skipping attachment", "filename", filename, "contentType", contentType)
	}
}

// unzip yields one payload per archive entry. A corrupt entry is recorded and
// the remaining entries are still read.
func (e *Extractor) unzip(res *Result, contentType, filename string, data []byte) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		res.Failures = append(res.Failures, &ExtractionError{Filename: filename, Container: ContainerZip, Err: fmt.Errorf("open zip: %w", err)})
		return
	}

	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		entryData, err := readZipEntry(f)
		if err != nil {
			res.Failures = append(res.Failures, &ExtractionError{Filename: filename, Entry: f.Name, Container: ContainerZip, Err: err})
			continue
		}
		res.Payloads = append(res.Payloads, Payload{Filename: f.Name, ContentType: contentType, Container: ContainerZip, Data: entryData})
	}
}

func readZipEntry(f *zip.File) (data []byte, err error) {
	if f.UncompressedSize64 > MaxPayloadSize {
		return nil, errTooLarge
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open zip entry: %w", err)
	}
	defer func() {
		if cerr := rc.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	data, err = readLimited(rc)
	if err != nil {
		return nil, fmt.Errorf("read zip entry: %w", err)
	}
	return data, nil
}

func gunzip(data []byte) (out []byte, err error) {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open gzip: %w", err)
	}
	defer func() {
		if cerr := gr.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	out, err = readLimited(gr)
	if err != nil {
		return nil, fmt.Errorf("read gzip: %w", err)
	}
	return out, nil
}

func readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxPayloadSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > MaxPayloadSize {
		return nil, errTooLarge
	}
	return data, nil
}
