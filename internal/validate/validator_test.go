package validate

import (
	"strings"
	"testing"
	"time"

	"github.com/rmacedo/docproc/constants"
)

func pdfCandidate(name string, size int) Candidate {
	content := make([]byte, size)
	return Candidate{Filename: name, MediaType: "application/pdf", SizeBytes: int64(size), Content: content}
}

func TestValidateAcceptsGoodPayslip(t *testing.T) {
	results := Validate([]Candidate{pdfCandidate("jan.pdf", 1024)}, nil, constants.KindPayslip)

	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if !results[0].Valid {
		t.Fatalf("expected valid, got errors: %v", results[0].Errors)
	}
}

func TestValidateRejectsEmptyFile(t *testing.T) {
	results := Validate([]Candidate{{Filename: "empty.pdf", SizeBytes: 0}}, nil, constants.KindPayslip)

	if results[0].Valid {
		t.Fatal("expected empty file to be rejected")
	}
	if len(results[0].Errors) != 1 {
		t.Fatalf("expected exactly one error (short-circuit), got %v", results[0].Errors)
	}
}

func TestValidateRejectsWrongExtension(t *testing.T) {
	c := Candidate{Filename: "notes.docx", MediaType: "application/msword", SizeBytes: 10, Content: []byte("x")}
	results := Validate([]Candidate{c}, nil, constants.KindPayslip)

	if results[0].Valid {
		t.Fatal("expected wrong extension to be rejected")
	}
	if !strings.Contains(results[0].Errors[0], "not accepted") {
		t.Fatalf("unexpected error: %v", results[0].Errors)
	}
}

func TestValidateRejectsOversizedFile(t *testing.T) {
	// Declared size is what matters; content can stay small in the test.
	c := Candidate{Filename: "big.pdf", SizeBytes: 11 << 20, Content: []byte("x")}
	results := Validate([]Candidate{c}, nil, constants.KindPayslip)

	if results[0].Valid {
		t.Fatal("expected oversized file to be rejected")
	}
}

func TestValidateShortCircuitsPerFile(t *testing.T) {
	// An oversized file with a wrong extension reports only the first
	// broken rule.
	c := Candidate{Filename: "big.docx", SizeBytes: 11 << 20, Content: []byte("x")}
	results := Validate([]Candidate{c}, nil, constants.KindPayslip)

	if len(results[0].Errors) != 1 {
		t.Fatalf("expected one error, got %v", results[0].Errors)
	}
}

func TestValidateEnforcesBatchCap(t *testing.T) {
	existing := make([]ExistingFile, 0, 19)
	for i := 0; i < 19; i++ {
		existing = append(existing, ExistingFile{Filename: "old.pdf", SizeBytes: int64(100 + i)})
	}

	candidates := []Candidate{pdfCandidate("a.pdf", 10), pdfCandidate("b.pdf", 20)}
	results := Validate(candidates, existing, constants.KindPayslip)

	if !results[0].Valid {
		t.Fatalf("file 20 of 20 should be admitted: %v", results[0].Errors)
	}
	if results[1].Valid {
		t.Fatal("file 21 should exceed the payslip batch cap")
	}
}

func TestValidateRejectsDuplicateByNameAndSize(t *testing.T) {
	candidates := []Candidate{pdfCandidate("jan.pdf", 512), pdfCandidate("jan.pdf", 512)}
	results := Validate(candidates, nil, constants.KindPayslip)

	if !results[0].Valid {
		t.Fatalf("first file should pass: %v", results[0].Errors)
	}
	if results[1].Valid {
		t.Fatal("second identical file should be rejected as a duplicate")
	}
}

func TestValidateDuplicateAgainstExistingBatch(t *testing.T) {
	existing := []ExistingFile{{Filename: "jan.pdf", SizeBytes: 512}}
	results := Validate([]Candidate{pdfCandidate("jan.pdf", 512)}, existing, constants.KindPayslip)

	if results[0].Valid {
		t.Fatal("candidate matching an existing file should be rejected")
	}
}

func TestValidateLedgerTierAllowsLargerFiles(t *testing.T) {
	c := Candidate{Filename: "ledger.txt", MediaType: "text/plain", SizeBytes: 50 << 20, Content: []byte("x")}
	results := Validate([]Candidate{c}, nil, constants.KindLedger)

	if !results[0].Valid {
		t.Fatalf("50 MiB ledger should pass the larger ceiling: %v", results[0].Errors)
	}
}

func TestValidatePeriod(t *testing.T) {
	now := time.Date(2024, time.June, 15, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		period string
		ok     bool
	}{
		{"01/2024", true},
		{"12/2023", true},
		{"07/2024", true},  // one month ahead is allowed
		{"13/2024", false}, // invalid month
		{"00/2024", false},
		{"1/2024", false}, // missing leading zero
		{"2024/01", false},
		{"09/2024", false}, // too far in the future
		{"05/1999", false},
		{"", false},
	}
	for _, tc := range cases {
		err := ValidatePeriod(tc.period, now)
		if tc.ok && err != nil {
			t.Errorf("ValidatePeriod(%q) unexpected error: %v", tc.period, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("ValidatePeriod(%q) expected an error", tc.period)
		}
	}
}
