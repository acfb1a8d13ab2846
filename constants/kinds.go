package constants

import "strings"

// DocumentKind identifies the document subtype a batch carries.
type DocumentKind string

const (
	KindPayslip DocumentKind = "PAYSLIP"
	KindLedger  DocumentKind = "LEDGER"
)

// KindSpec describes the admission rules for one document kind. The payslip
// and ledger pipelines share all code and differ only through this descriptor.
type KindSpec struct {
	Kind          DocumentKind
	Extensions    map[string]struct{} // lowercase, without '.'
	MediaTypes    map[string]struct{}
	MaxFileBytes  int64
	MaxBatchFiles int
}

var kindSpecs = map[DocumentKind]KindSpec{
	KindPayslip: {
		Kind:          KindPayslip,
		Extensions:    map[string]struct{}{"pdf": {}},
		MediaTypes:    map[string]struct{}{"application/pdf": {}},
		MaxFileBytes:  10 << 20,
		MaxBatchFiles: 20,
	},
	KindLedger: {
		Kind:          KindLedger,
		Extensions:    map[string]struct{}{"txt": {}, "sped": {}},
		MediaTypes:    map[string]struct{}{"text/plain": {}},
		MaxFileBytes:  100 << 20,
		MaxBatchFiles: 5,
	},
}

// SpecFor returns the descriptor for kind, and whether kind is known.
func SpecFor(kind DocumentKind) (KindSpec, bool) {
	s, ok := kindSpecs[kind]
	return s, ok
}

// ParseKind normalizes a caller-supplied kind string.
func ParseKind(s string) (DocumentKind, bool) {
	k := DocumentKind(strings.ToUpper(strings.TrimSpace(s)))
	_, ok := kindSpecs[k]
	return k, ok
}

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}
