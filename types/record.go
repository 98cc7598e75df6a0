package types

import (
	"fmt"
	"strings"
)

// Metadata keys carried from source records onto every chunk.
const (
	MetaCaseID      = "case_id"
	MetaAccountName = "account_name"
	MetaSegment     = "segment"
	MetaChurnReason = "churn_reason"
	MetaARRLost     = "arr_lost"
	MetaCompetitor  = "competitor_won"
	MetaSource      = "source"
)

// ChurnRecord is one customer churn use-case from the source dataset.
type ChurnRecord struct {
	CaseID        string  `json:"case_id" yaml:"case_id"`
	AccountName   string  `json:"account_name" yaml:"account_name"`
	Segment       string  `json:"segment" yaml:"segment"`
	ChurnReason   string  `json:"churn_reason" yaml:"churn_reason"`
	ARRLost       float64 `json:"arr_lost" yaml:"arr_lost"`
	TenureMonths  int     `json:"tenure_months,omitempty" yaml:"tenure_months,omitempty"`
	CompetitorWon string  `json:"competitor_won,omitempty" yaml:"competitor_won,omitempty"`
	Narrative     string  `json:"narrative" yaml:"narrative"`
}

// Document is an indexable unit of text with its record metadata attached.
type Document struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ToDocument renders the record as a single indexable document. The
// structured fields are serialized into a header block so retrieval over
// the narrative still surfaces account, segment and revenue context.
func (r ChurnRecord) ToDocument() Document {
	var b strings.Builder
	fmt.Fprintf(&b, "Account: %s\n", r.AccountName)
	fmt.Fprintf(&b, "Segment: %s\n", r.Segment)
	fmt.Fprintf(&b, "Churn Reason: %s\n", r.ChurnReason)
	fmt.Fprintf(&b, "ARR Lost: $%.0f\n", r.ARRLost)
	if r.TenureMonths > 0 {
		fmt.Fprintf(&b, "Tenure: %d months\n", r.TenureMonths)
	}
	if r.CompetitorWon != "" {
		fmt.Fprintf(&b, "Lost To: %s\n", r.CompetitorWon)
	}
	b.WriteString("\n")
	b.WriteString(r.Narrative)

	return Document{
		ID:      r.CaseID,
		Content: b.String(),
		Metadata: map[string]any{
			MetaCaseID:      r.CaseID,
			MetaAccountName: r.AccountName,
			MetaSegment:     r.Segment,
			MetaChurnReason: r.ChurnReason,
			MetaARRLost:     r.ARRLost,
			MetaCompetitor:  r.CompetitorWon,
		},
	}
}
