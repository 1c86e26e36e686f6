package junit

import (
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/thc1006/flakeguard-sub006/internal/apperrors"
)

// Dialect is a closed set of known JUnit-XML producers (spec.md §9:
// "tagged variants over a small closed set"). It is a hint only — the
// streaming token loop below is dialect-agnostic and tolerant of
// unknown elements; Dialect affects only the default suite name when one
// is missing, and no dialect detection is performed.
type Dialect string

const (
	DialectSurefire Dialect = "surefire"
	DialectGradle   Dialect = "gradle"
	DialectJest     Dialect = "jest"
	DialectPytest   Dialect = "pytest"
	DialectPHPUnit  Dialect = "phpunit"
	DialectGeneric  Dialect = "generic"
)

// Parser streams a JUnit XML document into a normalized TestSuites tree.
type Parser struct {
	Dialect Dialect
	// MaxBytes bounds the input size; 0 means no cap.
	MaxBytes int64
}

// NewParser constructs a Parser for the given dialect hint.
func NewParser(dialect Dialect) *Parser {
	if dialect == "" {
		dialect = DialectGeneric
	}
	return &Parser{Dialect: dialect}
}

type caseAccum struct {
	suite       string
	className   string
	name        string
	status      Status
	timeSeconds float64
	message     string
	stackText   string
	systemOut   string
	systemErr   string
}

// Parse consumes r as a JUnit XML stream and returns the normalized
// tree. It fails with an apperrors.ErrorTypeParse error on malformed XML
// and apperrors.ErrorTypeValidation (size error) when r exceeds
// p.MaxBytes.
func (p *Parser) Parse(r io.Reader) (*TestSuites, error) {
	if p.MaxBytes > 0 {
		r = &limitedReader{r: r, limit: p.MaxBytes}
	}

	dec := xml.NewDecoder(r)
	dec.Strict = false

	result := &TestSuites{}
	var suiteStack []*Suite
	var current *caseAccum
	var textCapture *string // points at the string field currently accumulating chardata
	sawRoot := false

	flushCase := func(s *Suite) {
		if current == nil {
			return
		}
		if current.status == "" {
			current.status = StatusPassed
		}
		c := Case{
			Suite:       current.suite,
			ClassName:   current.className,
			Name:        current.name,
			Status:      current.status,
			TimeSeconds: current.timeSeconds,
			Message:     current.message,
			StackText:   strings.TrimSpace(current.stackText),
			SystemOut:   strings.TrimSpace(current.systemOut),
			SystemErr:   strings.TrimSpace(current.systemErr),
		}
		s.Cases = append(s.Cases, c)
		s.Totals.add(c)
		current = nil
	}

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			if sizeErr, ok := err.(*sizeExceededError); ok {
				return nil, apperrors.Newf(apperrors.ErrorTypeValidation, "junit artifact exceeds size cap: %s", sizeErr.Error())
			}
			return nil, apperrors.Wrap(err, apperrors.ErrorTypeParse, "malformed JUnit XML")
		}

		switch el := tok.(type) {
		case xml.StartElement:
			sawRoot = true
			switch localName(el.Name.Local) {
			case "testsuites":
				result.Name = attr(el, "name")
			case "testsuite":
				s := &Suite{
					Name:      attr(el, "name"),
					Timestamp: attr(el, "timestamp"),
				}
				if s.Name == "" {
					s.Name = string(p.Dialect)
				}
				suiteStack = append(suiteStack, s)
			case "testcase":
				suiteName := ""
				if len(suiteStack) > 0 {
					suiteName = suiteStack[len(suiteStack)-1].Name
				}
				current = &caseAccum{
					suite:     suiteName,
					className: attr(el, "classname"),
					name:      attr(el, "name"),
				}
				if t := attr(el, "time"); t != "" {
					if f, err := strconv.ParseFloat(t, 64); err == nil {
						current.timeSeconds = f
					}
				}
			case "failure":
				if current != nil {
					current.status = StatusFailed
					current.message = attr(el, "message")
					s := new(string)
					textCapture = s
				}
			case "error":
				if current != nil {
					current.status = StatusError
					current.message = attr(el, "message")
					s := new(string)
					textCapture = s
				}
			case "skipped":
				if current != nil && current.status == "" {
					current.status = StatusSkipped
				}
			case "system-out", "system-err":
				s := new(string)
				textCapture = s
			}

		case xml.CharData:
			if textCapture != nil {
				*textCapture += string(el)
			}

		case xml.EndElement:
			switch localName(el.Name.Local) {
			case "failure", "error":
				if current != nil && textCapture != nil {
					current.stackText += *textCapture
				}
				textCapture = nil
			case "system-out":
				if current != nil && textCapture != nil {
					current.systemOut += *textCapture
				}
				textCapture = nil
			case "system-err":
				if current != nil && textCapture != nil {
					current.systemErr += *textCapture
				}
				textCapture = nil
			case "testcase":
				if len(suiteStack) > 0 {
					flushCase(suiteStack[len(suiteStack)-1])
				} else {
					current = nil
				}
			case "testsuite":
				if len(suiteStack) == 0 {
					continue
				}
				finished := suiteStack[len(suiteStack)-1]
				suiteStack = suiteStack[:len(suiteStack)-1]
				result.addSuite(*finished)
			}
		}
	}

	if !sawRoot {
		return nil, apperrors.New(apperrors.ErrorTypeParse, "empty or non-XML JUnit input")
	}
	return result, nil
}

func attr(el xml.StartElement, name string) string {
	for _, a := range el.Attr {
		if localName(a.Name.Local) == name {
			return a.Value
		}
	}
	return ""
}

// localName strips any namespace prefix some dialects emit (e.g.
// surefire occasionally qualifies elements).
func localName(s string) string {
	if idx := strings.LastIndex(s, ":"); idx >= 0 {
		return s[idx+1:]
	}
	return s
}

type sizeExceededError struct {
	limit int64
}

func (e *sizeExceededError) Error() string {
	return fmt.Sprintf("exceeded %d bytes", e.limit)
}

// limitedReader wraps an io.Reader and returns a *sizeExceededError only
// once it can prove more than `limit` bytes of real data exist, so an
// input whose size lands exactly on the cap parses cleanly (spec.md
// §4.3.1: "fails with size error" on inputs that actually exceed it).
type limitedReader struct {
	r     io.Reader
	limit int64
	read  int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.read >= l.limit {
		var probe [1]byte
		n, err := l.r.Read(probe[:])
		if n > 0 {
			return 0, &sizeExceededError{limit: l.limit}
		}
		if err == nil {
			err = io.EOF
		}
		return 0, err
	}
	if max := l.limit - l.read; int64(len(p)) > max {
		p = p[:max]
	}
	n, err := l.r.Read(p)
	l.read += int64(n)
	return n, err
}
