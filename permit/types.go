// Package permit defines the canonical record model shared by every
// extraction strategy.
//
// All sources — browser-scraped portals, open-data APIs, feeds — normalize
// into Record before anything downstream sees them. Timestamps are Unix
// milliseconds throughout (storage convention).
package permit

import "encoding/json"

// SourceKind is the category of extraction mechanism for a source.
type SourceKind string

const (
	KindBrowserScrape SourceKind = "browser_scrape"
	KindRESTAPI       SourceKind = "rest_api"
	KindFeed          SourceKind = "feed"

	// KindUnknown is the classifier's terminal "needs manual configuration"
	// answer. It is never a valid SourceConfig kind.
	KindUnknown SourceKind = "unknown"
)

// Valid reports whether k is a configurable source kind.
func (k SourceKind) Valid() bool {
	switch k {
	case KindBrowserScrape, KindRESTAPI, KindFeed:
		return true
	}
	return false
}

// RecordType distinguishes permits from regulatory updates.
type RecordType string

const (
	TypePermit           RecordType = "permit"
	TypeRegulatoryUpdate RecordType = "regulatory_update"
)

// Fields is the normalized canonical field map. Values are string,
// []string (ordered), or nil. Canonical field names only — source-specific
// keys never survive mapping.
type Fields map[string]any

// Canonical field names recognized by the field mapper.
const (
	FieldPermitNumber    = "permit_number"
	FieldPermitType      = "permit_type"
	FieldTitle           = "title"
	FieldAddress         = "address"
	FieldStatus          = "status"
	FieldApplicantName   = "applicant_name"
	FieldIssuedDate      = "issued_date"
	FieldJurisdiction    = "jurisdiction"
	FieldApplicableCodes = "applicable_codes"
	FieldDescription     = "description"
	FieldLink            = "link"
)

// CanonicalFields is the declared universe of canonical field names.
// Mappings referencing anything else fail validation at registration.
var CanonicalFields = map[string]bool{
	FieldPermitNumber:    true,
	FieldPermitType:      true,
	FieldTitle:           true,
	FieldAddress:         true,
	FieldStatus:          true,
	FieldApplicantName:   true,
	FieldIssuedDate:      true,
	FieldJurisdiction:    true,
	FieldApplicableCodes: true,
	FieldDescription:     true,
	FieldLink:            true,
}

// Record is the canonical permit or regulatory-update entity.
type Record struct {
	// RecordID is stable identity, unique within SourceID. Derived from the
	// source-assigned identifier when one exists, otherwise a content hash
	// of identity fields. See ComputeRecordID.
	RecordID   string     `json:"record_id"`
	SourceKind SourceKind `json:"source_kind"`
	SourceID   string     `json:"source_id"`
	RecordType RecordType `json:"record_type"`

	Fields Fields `json:"fields"`

	// RawPayload is an opaque copy of the original source record, retained
	// for audit only. Never parsed downstream.
	RawPayload json.RawMessage `json:"raw_payload,omitempty"`

	FirstSeenAt int64 `json:"first_seen_at"` // unix ms, set by the ledger
	LastSeenAt  int64 `json:"last_seen_at"`  // unix ms, set by the ledger

	// ContentFingerprint is a hash over Fields used to tell "changed since
	// last seen" from "new". See Fingerprint.
	ContentFingerprint string `json:"content_fingerprint"`
}
