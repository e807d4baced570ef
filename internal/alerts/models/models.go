package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"quickex/pkg/domain"
	dErrors "quickex/pkg/domain-errors"
)

// SubjectType is the kind of thing a report is about.
type SubjectType string

const (
	SubjectAddress   SubjectType = "address"
	SubjectUsername  SubjectType = "username"
	SubjectLinkToken SubjectType = "link_token"
)

// Rank orders subject kinds for tie-breaking: address first, then username, then link token.
func (t SubjectType) Rank() int {
	switch t {
	case SubjectAddress:
		return 0
	case SubjectUsername:
		return 1
	case SubjectLinkToken:
		return 2
	}
	return 3
}

// Subject identifies one reported entity. Value is canonical: usernames are
// normalized, addresses and link tokens are kept verbatim.
type Subject struct {
	Type  SubjectType `json:"type"`
	Value string      `json:"value"`
}

// Key is the subject's storage and event key.
func (s Subject) Key() string {
	return string(s.Type) + "/" + s.Value
}

func (s Subject) String() string {
	return s.Key()
}

// ParseSubject validates a subject. All faults are CodeInvalidSubject.
func ParseSubject(rawType, rawValue string) (Subject, error) {
	t := SubjectType(strings.TrimSpace(rawType))
	switch t {
	case SubjectAddress:
		a, err := domain.ParseAddress(rawValue)
		if err != nil {
			return Subject{}, invalidSubject(err)
		}
		return Subject{Type: t, Value: a.String()}, nil
	case SubjectUsername:
		u, err := domain.ParseUsername(rawValue)
		if err != nil {
			return Subject{}, invalidSubject(err)
		}
		return Subject{Type: t, Value: u.String()}, nil
	case SubjectLinkToken:
		tok, err := domain.ParseLinkToken(rawValue)
		if err != nil {
			return Subject{}, invalidSubject(err)
		}
		return Subject{Type: t, Value: tok.String()}, nil
	default:
		return Subject{}, dErrors.New(dErrors.CodeInvalidSubject,
			fmt.Sprintf("subject_type must be one of address, username, link_token; got %q", rawType))
	}
}

func invalidSubject(err error) error {
	msg := err.Error()
	var de *dErrors.Error
	if errors.As(err, &de) {
		msg = de.Message
	}
	return dErrors.New(dErrors.CodeInvalidSubject, msg)
}

// ReasonCode classifies a report.
type ReasonCode string

const (
	ReasonImpersonation ReasonCode = "impersonation"
	ReasonFakeRefund    ReasonCode = "fake_refund"
	ReasonPhishingLink  ReasonCode = "phishing_link"
	ReasonOther         ReasonCode = "other"
)

// Reasons lists every reason in a fixed order.
var Reasons = []ReasonCode{ReasonImpersonation, ReasonFakeRefund, ReasonPhishingLink, ReasonOther}

func (r ReasonCode) IsValid() bool {
	switch r {
	case ReasonImpersonation, ReasonFakeRefund, ReasonPhishingLink, ReasonOther:
		return true
	}
	return false
}

const (
	MaxEvidenceBytes   = 1024
	MaxReporterIDBytes = 128
)

// Report is one reporter's claim about one subject. The (reporter, subject)
// pair is unique; re-reporting updates reason, evidence and time but keeps ID.
type Report struct {
	ID          uuid.UUID  `json:"id"`
	Subject     Subject    `json:"subject"`
	ReporterID  string     `json:"reporter_id"`
	Reason      ReasonCode `json:"reason_code"`
	EvidenceRef string     `json:"evidence_ref,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// IngestRequest is an unvalidated report submission.
type IngestRequest struct {
	SubjectType  string `json:"subject_type"`
	SubjectValue string `json:"subject_value"`
	ReporterID   string `json:"reporter_id"`
	ReasonCode   string `json:"reason_code"`
	EvidenceRef  string `json:"evidence_ref,omitempty"`
}

// Normalize trims surrounding whitespace from identifiers.
func (r *IngestRequest) Normalize() {
	r.SubjectType = strings.TrimSpace(r.SubjectType)
	r.SubjectValue = strings.TrimSpace(r.SubjectValue)
	r.ReporterID = strings.TrimSpace(r.ReporterID)
	r.ReasonCode = strings.ToLower(strings.TrimSpace(r.ReasonCode))
}

// Validate checks the request and returns the parsed subject. Subject faults are
// CodeInvalidSubject; reason, reporter and evidence faults are CodeInvalidFormat.
func (r *IngestRequest) Validate() (Subject, error) {
	subject, err := ParseSubject(r.SubjectType, r.SubjectValue)
	if err != nil {
		return Subject{}, err
	}
	if !ReasonCode(r.ReasonCode).IsValid() {
		return Subject{}, dErrors.New(dErrors.CodeInvalidFormat,
			"reason_code must be one of impersonation, fake_refund, phishing_link, other")
	}
	if r.ReporterID == "" {
		return Subject{}, dErrors.New(dErrors.CodeInvalidFormat, "reporter_id is required")
	}
	if len(r.ReporterID) > MaxReporterIDBytes {
		return Subject{}, dErrors.New(dErrors.CodeInvalidFormat, "reporter_id must be at most 128 bytes")
	}
	if len(r.EvidenceRef) > MaxEvidenceBytes {
		return Subject{}, dErrors.New(dErrors.CodeInvalidFormat, "evidence_ref must be at most 1024 bytes")
	}
	return subject, nil
}

// Tier is the risk level shown to payers.
type Tier string

const (
	TierClean   Tier = "clean"
	TierCaution Tier = "caution"
	TierWarn    Tier = "warn"
	TierBlock   Tier = "block"
)

// Severity orders tiers from clean (0) to block (3).
func (t Tier) Severity() int {
	switch t {
	case TierCaution:
		return 1
	case TierWarn:
		return 2
	case TierBlock:
		return 3
	}
	return 0
}

// MaxTier returns the more severe of a and b.
func MaxTier(a, b Tier) Tier {
	if b.Severity() > a.Severity() {
		return b
	}
	return a
}

// Aggregate is the derived risk state of one subject. Written only by the engine.
type Aggregate struct {
	Subject      Subject            `json:"subject"`
	ReportCount  int                `json:"report_count"`
	Score        float64            `json:"score"`
	Tier         Tier               `json:"tier"`
	ReasonCounts map[ReasonCode]int `json:"reason_counts,omitempty"`
	Version      int64              `json:"-"`
	LastUpdated  time.Time          `json:"last_updated"`
}

// ZeroAggregate is the aggregate for a subject nobody has reported.
func ZeroAggregate(subject Subject) Aggregate {
	return Aggregate{Subject: subject, Tier: TierClean}
}
