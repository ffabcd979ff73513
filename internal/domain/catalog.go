package domain

import "strings"

// PaymentOption is one selectable entry on the payment screen.
type PaymentOption struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description"`
	Recommended bool   `json:"recommended,omitempty"`
}

// PaymentOptions returns the fixed payment catalog shown during the
// payment selection stage.
func PaymentOptions() []PaymentOption {
	return []PaymentOption{
		{ID: "nbfc_loan", Label: "NBFC Loan", Description: "Financing through a partner NBFC with flexible tenure.", Recommended: true},
		{ID: "bank_transfer", Label: "Bank Transfer", Description: "One-time payment via NEFT/IMPS transfer."},
		{ID: "credit_card", Label: "Credit Card", Description: "Pay in full or convert to card EMI."},
		{ID: "upi", Label: "UPI", Description: "Instant payment through any UPI app."},
	}
}

// ValidPaymentSelection reports whether the selection matches a catalog entry.
func ValidPaymentSelection(selection string) bool {
	for _, opt := range PaymentOptions() {
		if opt.ID == selection {
			return true
		}
	}
	return false
}

// PaymentLabel returns the spoken-form label for a payment selection,
// e.g. "nbfc_loan" -> "nbfc loan". Unknown selections still get a readable
// form; validation happens before this point.
func PaymentLabel(selection string) string {
	return strings.ReplaceAll(selection, "_", " ")
}

// DocumentItem is one entry in the document verification checklist.
type DocumentItem struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	Stage    Stage  `json:"stage"`
	Required bool   `json:"required"`
}

// DocumentChecklist returns the fixed checklist surfaced during the
// document verification stage.
func DocumentChecklist() []DocumentItem {
	return []DocumentItem{
		{ID: "pan_card", Label: "PAN Card", Stage: StageDocumentVerification, Required: true},
		{ID: "aadhaar", Label: "Aadhaar Card", Stage: StageDocumentVerification, Required: true},
		{ID: "bank_statement", Label: "Bank Statement (6 months)", Stage: StageDocumentVerification, Required: true},
		{ID: "salary_slips", Label: "Salary Slips (3 months)", Stage: StageDocumentVerification, Required: false},
	}
}
