package extract

import (
	"bytes"
	"mime"
	"path"
	"strings"
)

// Container is the kind of attachment a report travels in.
type Container int

const (
	ContainerUnknown Container = iota
	ContainerXML
	ContainerGzip
	ContainerZip
)

func (c Container) String() string {
	switch c {
	case ContainerXML:
		return "xml"
	case ContainerGzip:
		return "gzip"
	case ContainerZip:
		return "zip"
	default:
		return "unknown"
	}
}

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zipMagic  = []byte{'P', 'K', 0x03, 0x04}
	utf8BOM   = []byte{0xef, 0xbb, 0xbf}
)

// reportSniffLen bounds how far into a document the root element is looked for.
const reportSniffLen = 4096

// Classify decides the container kind. Archive magic bytes win over the
// declared content type because reporters routinely send archives as
// application/octet-stream or with the wrong subtype. Markup counts as XML when
// it has a <feedback> root, or when nothing declares it as something else:
// an explicit text/html or text/plain part is not a report.
func Classify(contentType, filename string, data []byte) Container {
	switch {
	case bytes.HasPrefix(data, gzipMagic):
		return ContainerGzip
	case bytes.HasPrefix(data, zipMagic):
		return ContainerZip
	case hasFeedbackRoot(data):
		return ContainerXML
	}

	if c := fromContentType(contentType); c != ContainerUnknown {
		return c
	}
	if !isGenericMediaType(contentType) {
		return ContainerUnknown
	}
	if c := fromFilename(filename); c != ContainerUnknown {
		return c
	}
	if bytes.HasPrefix(trimMarkup(data), []byte("<")) {
		return ContainerXML
	}
	return ContainerUnknown
}

func trimMarkup(data []byte) []byte {
	return bytes.TrimLeft(bytes.TrimPrefix(data, utf8BOM), " \t\r\n")
}

func hasFeedbackRoot(data []byte) bool {
	head := trimMarkup(data)
	if !bytes.HasPrefix(head, []byte("<")) {
		return false
	}
	head = head[:min(len(head), reportSniffLen)]
	return bytes.Contains(head, []byte("<feedback")) && !bytes.Contains(bytes.ToLower(head), []byte("<html"))
}

// isGenericMediaType reports whether contentType says nothing about the
// payload, so the file name and the bytes decide.
func isGenericMediaType(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = contentType
	}
	switch strings.ToLower(strings.TrimSpace(mediaType)) {
	case "", "application/octet-stream", "binary/octet-stream", "application/x-download", "application/download":
		return true
	}
	return false
}

func fromContentType(contentType string) Container {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = contentType
	}
	switch strings.ToLower(mediaType) {
	case "application/zip", "application/x-zip", "application/x-zip-compressed":
		return ContainerZip
	case "application/gzip", "application/x-gzip", "application/gzip-compressed", "application/x-gzip-compressed":
		return ContainerGzip
	case "text/xml", "application/xml":
		return ContainerXML
	}
	if strings.HasSuffix(strings.ToLower(mediaType), "+xml") {
		return ContainerXML
	}
	return ContainerUnknown
}

func fromFilename(filename string) Container {
	switch strings.ToLower(path.Ext(filename)) {
	case ".zip":
		return ContainerZip
	case ".gz", ".gzip":
		return ContainerGzip
	case ".xml":
		return ContainerXML
	}
	return ContainerUnknown
}

// isReportMediaType reports whether an inline (non-attachment) part may carry a
// report. Some reporters send the report as the only body of the message.
func isReportMediaType(contentType string) bool {
	return fromContentType(contentType) != ContainerUnknown
}
