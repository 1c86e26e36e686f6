package junit

import (
	"bytes"
	"strings"
	"testing"
)

func TestSerializeRoundTripPreservesTotals(t *testing.T) {
	ts, err := NewParser(DialectSurefire).Parse(strings.NewReader(surefireXML))
	if err != nil {
		t.Fatalf("unexpected error parsing fixture: %v", err)
	}

	var buf bytes.Buffer
	if err := Serialize(ts, &buf); err != nil {
		t.Fatalf("unexpected error serializing: %v", err)
	}

	roundTripped, err := NewParser(DialectSurefire).Parse(&buf)
	if err != nil {
		t.Fatalf("unexpected error re-parsing serialized document: %v", err)
	}

	if roundTripped.Totals.Tests != ts.Totals.Tests {
		t.Fatalf("tests changed across round trip: got %d, want %d", roundTripped.Totals.Tests, ts.Totals.Tests)
	}
	if roundTripped.Totals.Failures != ts.Totals.Failures {
		t.Fatalf("failures changed across round trip: got %d, want %d", roundTripped.Totals.Failures, ts.Totals.Failures)
	}
	if roundTripped.Totals.Errors != ts.Totals.Errors {
		t.Fatalf("errors changed across round trip: got %d, want %d", roundTripped.Totals.Errors, ts.Totals.Errors)
	}
	if roundTripped.Totals.Skipped != ts.Totals.Skipped {
		t.Fatalf("skipped changed across round trip: got %d, want %d", roundTripped.Totals.Skipped, ts.Totals.Skipped)
	}
}

func TestSerializeRoundTripPreservesTotalsForMixedStatuses(t *testing.T) {
	xmlDoc := `<testsuites>
  <testsuite name="s">
    <testcase classname="c" name="passes"/>
    <testcase classname="c" name="errors"><error message="boom">boom trace</error></testcase>
    <testcase classname="c" name="skips"><skipped message="ignored"/></testcase>
  </testsuite>
</testsuites>`
	ts, err := NewParser(DialectGeneric).Parse(strings.NewReader(xmlDoc))
	if err != nil {
		t.Fatalf("unexpected error parsing fixture: %v", err)
	}

	var buf bytes.Buffer
	if err := Serialize(ts, &buf); err != nil {
		t.Fatalf("unexpected error serializing: %v", err)
	}

	roundTripped, err := NewParser(DialectGeneric).Parse(&buf)
	if err != nil {
		t.Fatalf("unexpected error re-parsing serialized document: %v", err)
	}
	if roundTripped.Totals.Tests != 3 || roundTripped.Totals.Errors != 1 || roundTripped.Totals.Skipped != 1 {
		t.Fatalf("unexpected round-tripped totals: %+v", roundTripped.Totals)
	}
}

func TestSerializeEmitsTestsuitesRoot(t *testing.T) {
	ts := &TestSuites{Name: "demo", Suites: []Suite{{Name: "s", Cases: []Case{{Name: "t", Status: StatusPassed}}}}}
	ts.Suites[0].Totals.add(ts.Suites[0].Cases[0])
	ts.Totals.merge(ts.Suites[0].Totals)

	var buf bytes.Buffer
	if err := Serialize(ts, &buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "<testsuites") || !strings.Contains(out, "<testsuite ") || !strings.Contains(out, "<testcase") {
		t.Fatalf("expected a <testsuites>/<testsuite>/<testcase> document, got %q", out)
	}
}
