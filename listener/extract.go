package listener

import (
	"bytes"
	"fmt"
)

// MalformedPushError is reported for an inbound payload without a document
type MalformedPushError struct {
	Remote string
	Size   int
	Reason string
}

func (e *MalformedPushError) Error() string {
	return fmt.Sprintf("malformed push from %s (%d bytes): %s", e.Remote, e.Size, e.Reason)
}

// ExtractDocument strips any transport envelope preceding the embedded
// document. The earliest occurrence of any marker starts the document; the
// remainder is trimmed of surrounding whitespace.
func ExtractDocument(raw []byte, markers []string) ([]byte, error) {
	start := -1
	for _, m := range markers {
		if m == "" {
			continue
		}
		if i := bytes.Index(raw, []byte(m)); i >= 0 && (start < 0 || i < start) {
			start = i
		}
	}
	if start < 0 {
		return nil, &MalformedPushError{Size: len(raw), Reason: "no document start marker"}
	}

	doc := bytes.TrimSpace(raw[start:])
	if len(doc) == 0 {
		return nil, &MalformedPushError{Size: len(raw), Reason: "empty document"}
	}
	return doc, nil
}

var httpMethods = [][]byte{
	[]byte("POST "), []byte("PUT "), []byte("GET "), []byte("PATCH "),
}

// isHTTPRequest reports whether raw starts with an HTTP request line
func isHTTPRequest(raw []byte) bool {
	for _, m := range httpMethods {
		if bytes.HasPrefix(raw, m) {
			return true
		}
	}
	return false
}
