package epcis

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

const (
	QueryNamespace = "urn:epcglobal:epcis-query:xsd:1"
	SchemaVersion  = "1.0"
)

// QueryExceptionError is returned by Decode when the push carries a query
// exception (e.g. QueryTooLargeException) instead of results
type QueryExceptionError struct {
	Name           string
	Reason         string
	SubscriptionID string
}

func (e *QueryExceptionError) Error() string {
	if e.SubscriptionID != "" {
		return fmt.Sprintf("%s for subscription %s: %s", e.Name, e.SubscriptionID, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Reason)
}

// Decoding matches element names by local name so any prefix binding works
type wireDocument struct {
	XMLName xml.Name `xml:"EPCISQueryDocument"`
	Body    wireBody `xml:"EPCISBody"`
}

type wireBody struct {
	Results   *wireResults   `xml:"QueryResults"`
	Exception *wireException `xml:",any"`
}

type wireException struct {
	XMLName        xml.Name
	Reason         string `xml:"reason"`
	SubscriptionID string `xml:"subscriptionID"`
}

type wireResults struct {
	QueryName      string        `xml:"queryName"`
	SubscriptionID string        `xml:"subscriptionID"`
	Events         wireEventList `xml:"resultsBody>EventList"`
}

type wireEventList []Event

type wireEvent struct {
	EventTime           string         `xml:"eventTime"`
	RecordTime          string         `xml:"recordTime"`
	EventTimeZoneOffset string         `xml:"eventTimeZoneOffset"`
	ParentID            string         `xml:"parentID"`
	EPCList             *wireEPCList   `xml:"epcList"`
	ChildEPCs           *wireEPCList   `xml:"childEPCs"`
	EPCClass            string         `xml:"epcClass"`
	Quantity            *int64         `xml:"quantity"`
	Action              string         `xml:"action"`
	BizStep             string         `xml:"bizStep"`
	Disposition         string         `xml:"disposition"`
	ReadPoint           *wireID        `xml:"readPoint"`
	BizLocation         *wireID        `xml:"bizLocation"`
	BizTransactions     *wireBizTxList `xml:"bizTransactionList"`
}

type wireEPCList struct {
	EPCs []string `xml:"epc"`
}

type wireID struct {
	ID string `xml:"id"`
}

type wireBizTxList struct {
	Items []wireBizTx `xml:"bizTransaction"`
}

type wireBizTx struct {
	Type  string `xml:"type,attr,omitempty"`
	Value string `xml:",chardata"`
}

// UnmarshalXML keeps the document order of events across kinds
func (l *wireEventList) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	events := make([]Event, 0)
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			kind := EventKind(t.Name.Local)
			if !kind.Known() {
				return fmt.Errorf("unsupported event kind %q", t.Name.Local)
			}

			var we wireEvent
			if err := d.DecodeElement(&we, &t); err != nil {
				return fmt.Errorf("failed to decode %s #%d: %w", kind, len(events)+1, err)
			}

			ev, err := we.event(kind)
			if err != nil {
				return fmt.Errorf("%s #%d: %w", kind, len(events)+1, err)
			}
			events = append(events, ev)

		case xml.EndElement:
			*l = events
			return nil
		}
	}
}

func (we wireEvent) event(kind EventKind) (Event, error) {
	ev := Event{
		Kind:                kind,
		EventTimeZoneOffset: strings.TrimSpace(we.EventTimeZoneOffset),
		ParentID:            strings.TrimSpace(we.ParentID),
		EPCClass:            strings.TrimSpace(we.EPCClass),
		Quantity:            we.Quantity,
		Action:              strings.TrimSpace(we.Action),
		BizStep:             strings.TrimSpace(we.BizStep),
		Disposition:         strings.TrimSpace(we.Disposition),
		EPCList:             we.EPCList.values(),
		ChildEPCs:           we.ChildEPCs.values(),
	}

	var err error
	if ev.EventTime, err = parseTime(we.EventTime); err != nil {
		return Event{}, fmt.Errorf("eventTime: %w", err)
	}
	if ev.RecordTime, err = parseTime(we.RecordTime); err != nil {
		return Event{}, fmt.Errorf("recordTime: %w", err)
	}

	if we.ReadPoint != nil {
		ev.ReadPoint = strings.TrimSpace(we.ReadPoint.ID)
	}
	if we.BizLocation != nil {
		ev.BizLocation = strings.TrimSpace(we.BizLocation.ID)
	}

	if we.BizTransactions != nil {
		ev.BizTransactions = make([]BizTransaction, 0, len(we.BizTransactions.Items))
		for _, tx := range we.BizTransactions.Items {
			ev.BizTransactions = append(ev.BizTransactions, BizTransaction{
				Type:  strings.TrimSpace(tx.Type),
				Value: strings.TrimSpace(tx.Value),
			})
		}
	}

	return ev, nil
}

// values returns nil for an absent list and a non-nil slice for a present one
func (w *wireEPCList) values() []string {
	if w == nil {
		return nil
	}
	out := make([]string, 0, len(w.EPCs))
	for _, epc := range w.EPCs {
		out = append(out, strings.TrimSpace(epc))
	}
	return out
}

func parseTime(text string) (time.Time, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, text)
}

// Decode parses a pushed query document into a result batch
func Decode(raw []byte) (ResultBatch, error) {
	var doc wireDocument
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return ResultBatch{}, fmt.Errorf("failed to decode result batch: %w", err)
	}

	if doc.Body.Results == nil {
		if ex := doc.Body.Exception; ex != nil {
			return ResultBatch{}, &QueryExceptionError{
				Name:           ex.XMLName.Local,
				Reason:         strings.TrimSpace(ex.Reason),
				SubscriptionID: strings.TrimSpace(ex.SubscriptionID),
			}
		}
		return ResultBatch{}, errors.New("failed to decode result batch: no QueryResults element")
	}

	res := doc.Body.Results
	events := []Event(res.Events)
	if events == nil {
		events = []Event{}
	}
	return ResultBatch{
		QueryName:      strings.TrimSpace(res.QueryName),
		SubscriptionID: strings.TrimSpace(res.SubscriptionID),
		Events:         events,
	}, nil
}

// SniffSubscriptionID scans raw for the subscriptionID element without
// decoding the whole document
func SniffSubscriptionID(raw []byte) (string, bool) {
	d := xml.NewDecoder(bytes.NewReader(raw))
	for {
		tok, err := d.Token()
		if err != nil {
			return "", false
		}
		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != "subscriptionID" {
			continue
		}

		var id string
		if err := d.DecodeElement(&id, &se); err != nil {
			return "", false
		}
		id = strings.TrimSpace(id)
		return id, id != ""
	}
}

type outDocument struct {
	XMLName       xml.Name   `xml:"epcisq:EPCISQueryDocument"`
	Namespace     string     `xml:"xmlns:epcisq,attr"`
	SchemaVersion string     `xml:"schemaVersion,attr"`
	CreationDate  string     `xml:"creationDate,attr,omitempty"`
	Results       outResults `xml:"EPCISBody>epcisq:QueryResults"`
}

type outResults struct {
	QueryName      string       `xml:"queryName"`
	SubscriptionID string       `xml:"subscriptionID,omitempty"`
	Events         outEventList `xml:"resultsBody>EventList"`
}

type outEventList []Event

type outEvent struct {
	EventTime           string         `xml:"eventTime,omitempty"`
	RecordTime          string         `xml:"recordTime,omitempty"`
	EventTimeZoneOffset string         `xml:"eventTimeZoneOffset,omitempty"`
	ParentID            string         `xml:"parentID,omitempty"`
	EPCList             *wireEPCList   `xml:"epcList,omitempty"`
	ChildEPCs           *wireEPCList   `xml:"childEPCs,omitempty"`
	EPCClass            string         `xml:"epcClass,omitempty"`
	Quantity            *int64         `xml:"quantity,omitempty"`
	Action              string         `xml:"action,omitempty"`
	BizStep             string         `xml:"bizStep,omitempty"`
	Disposition         string         `xml:"disposition,omitempty"`
	ReadPoint           *wireID        `xml:"readPoint,omitempty"`
	BizLocation         *wireID        `xml:"bizLocation,omitempty"`
	BizTransactions     *wireBizTxList `xml:"bizTransactionList,omitempty"`
}

// MarshalXML writes each event under an element named by its kind
func (l outEventList) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	if err := e.EncodeToken(start); err != nil {
		return err
	}
	for i, ev := range l {
		if !ev.Kind.Known() {
			return fmt.Errorf("event #%d: unsupported event kind %q", i+1, ev.Kind)
		}
		if err := e.EncodeElement(newOutEvent(ev), xml.StartElement{Name: xml.Name{Local: string(ev.Kind)}}); err != nil {
			return err
		}
	}
	return e.EncodeToken(start.End())
}

func newOutEvent(ev Event) outEvent {
	out := outEvent{
		EventTime:           formatTime(ev.EventTime),
		RecordTime:          formatTime(ev.RecordTime),
		EventTimeZoneOffset: ev.EventTimeZoneOffset,
		ParentID:            ev.ParentID,
		EPCClass:            ev.EPCClass,
		Quantity:            ev.Quantity,
		Action:              ev.Action,
		BizStep:             ev.BizStep,
		Disposition:         ev.Disposition,
	}
	if ev.EPCList != nil {
		out.EPCList = &wireEPCList{EPCs: ev.EPCList}
	}
	if ev.ChildEPCs != nil {
		out.ChildEPCs = &wireEPCList{EPCs: ev.ChildEPCs}
	}
	if ev.ReadPoint != "" {
		out.ReadPoint = &wireID{ID: ev.ReadPoint}
	}
	if ev.BizLocation != "" {
		out.BizLocation = &wireID{ID: ev.BizLocation}
	}
	if ev.BizTransactions != nil {
		out.BizTransactions = &wireBizTxList{Items: make([]wireBizTx, 0, len(ev.BizTransactions))}
		for _, tx := range ev.BizTransactions {
			out.BizTransactions.Items = append(out.BizTransactions.Items, wireBizTx{Type: tx.Type, Value: tx.Value})
		}
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}

// Encode renders batch as a query document, prolog included
func Encode(batch ResultBatch) ([]byte, error) {
	return EncodeAt(batch, time.Time{})
}

// EncodeAt is Encode with a creationDate attribute
func EncodeAt(batch ResultBatch, created time.Time) ([]byte, error) {
	doc := outDocument{
		Namespace:     QueryNamespace,
		SchemaVersion: SchemaVersion,
		CreationDate:  formatTime(created),
		Results: outResults{
			QueryName:      batch.QueryName,
			SubscriptionID: batch.SubscriptionID,
			Events:         outEventList(batch.Events),
		},
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	if err := writeDocument(&buf, doc); err != nil {
		return nil, fmt.Errorf("failed to encode result batch: %w", err)
	}
	return buf.Bytes(), nil
}

func writeDocument(w io.Writer, doc outDocument) error {
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Close()
}
