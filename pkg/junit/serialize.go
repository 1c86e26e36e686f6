package junit

import (
	"encoding/xml"
	"io"
	"strconv"

	"github.com/thc1006/flakeguard-sub006/internal/apperrors"
)

// xmlTestSuites mirrors the <testsuites> document shape Serialize writes;
// it exists only to drive encoding/xml's struct tags and is never exposed
// outside this file.
type xmlTestSuites struct {
	XMLName xml.Name   `xml:"testsuites"`
	Name    string     `xml:"name,attr,omitempty"`
	Tests   int        `xml:"tests,attr"`
	Suites  []xmlSuite `xml:"testsuite"`
}

type xmlSuite struct {
	Name      string    `xml:"name,attr"`
	Timestamp string    `xml:"timestamp,attr,omitempty"`
	Tests     int       `xml:"tests,attr"`
	Failures  int       `xml:"failures,attr"`
	Errors    int       `xml:"errors,attr"`
	Skipped   int       `xml:"skipped,attr"`
	Time      string    `xml:"time,attr,omitempty"`
	Cases     []xmlCase `xml:"testcase"`
}

type xmlCase struct {
	ClassName string      `xml:"classname,attr,omitempty"`
	Name      string      `xml:"name,attr"`
	Time      string      `xml:"time,attr,omitempty"`
	Failure   *xmlMessage `xml:"failure,omitempty"`
	Error     *xmlMessage `xml:"error,omitempty"`
	Skipped   *xmlEmpty   `xml:"skipped,omitempty"`
	SystemOut string      `xml:"system-out,omitempty"`
	SystemErr string      `xml:"system-err,omitempty"`
}

type xmlMessage struct {
	Message string `xml:"message,attr,omitempty"`
	Text    string `xml:",chardata"`
}

type xmlEmpty struct{}

// Serialize reconstructs a <testsuites> XML document from ts, writing it
// to w. It is the inverse of Parser.Parse: for any document d for which
// p.Parse(d) succeeds, Serialize(p.Parse(d)) preserves ts.Totals (spec.md
// §8's parse-then-serialize round trip), though it does not reproduce d
// byte-for-byte (e.g. attribute ordering, dialect-specific extensions).
func Serialize(ts *TestSuites, w io.Writer) error {
	doc := xmlTestSuites{Name: ts.Name, Tests: ts.Totals.Tests}
	for _, s := range ts.Suites {
		doc.Suites = append(doc.Suites, toXMLSuite(s))
	}

	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to serialize JUnit document")
	}
	return nil
}

func toXMLSuite(s Suite) xmlSuite {
	out := xmlSuite{
		Name:      s.Name,
		Timestamp: s.Timestamp,
		Tests:     s.Totals.Tests,
		Failures:  s.Totals.Failures,
		Errors:    s.Totals.Errors,
		Skipped:   s.Totals.Skipped,
		Time:      formatSeconds(s.Totals.TimeSecs),
	}
	for _, c := range s.Cases {
		out.Cases = append(out.Cases, toXMLCase(c))
	}
	return out
}

func toXMLCase(c Case) xmlCase {
	out := xmlCase{
		ClassName: c.ClassName,
		Name:      c.Name,
		Time:      formatSeconds(c.TimeSeconds),
		SystemOut: c.SystemOut,
		SystemErr: c.SystemErr,
	}
	switch c.Status {
	case StatusFailed:
		out.Failure = &xmlMessage{Message: c.Message, Text: c.StackText}
	case StatusError:
		out.Error = &xmlMessage{Message: c.Message, Text: c.StackText}
	case StatusSkipped:
		out.Skipped = &xmlEmpty{}
	}
	return out
}

func formatSeconds(secs float64) string {
	if secs == 0 {
		return ""
	}
	return strconv.FormatFloat(secs, 'f', 3, 64)
}
