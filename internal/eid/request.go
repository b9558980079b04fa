package eid

import (
	"fmt"
	"strings"
)

// Attribute identifies a data group the relying party may read from the card.
type Attribute string

const (
	AttrDocumentType      Attribute = "documentType"
	AttrIssuingCountry    Attribute = "issuingCountry"
	AttrValidUntil        Attribute = "validUntil"
	AttrGivenNames        Attribute = "givenNames"
	AttrFamilyName        Attribute = "familyName"
	AttrArtisticName      Attribute = "artisticName"
	AttrDoctoralDegree    Attribute = "doctoralDegree"
	AttrDateOfBirth       Attribute = "dateOfBirth"
	AttrPlaceOfBirth      Attribute = "placeOfBirth"
	AttrNationality       Attribute = "nationality"
	AttrBirthName         Attribute = "birthName"
	AttrAddress           Attribute = "address"
	AttrResidencePermit   Attribute = "residencePermit"
	AttrPseudonym         Attribute = "pseudonym"
	AttrAgeVerification   Attribute = "ageVerification"
	AttrPlaceVerification Attribute = "placeVerification"
)

// TermsKind distinguishes how the relying party's terms of usage are
// delivered.
type TermsKind string

const (
	TermsText TermsKind = "text"
	TermsURL  TermsKind = "url"
)

// Terms holds the relying party's terms of usage, either inline or as a
// link.
type Terms struct {
	Kind  TermsKind `json:"kind"`
	Value string    `json:"value"`
}

// AuthenticationRequest describes what the relying party asks to read.
// The value is passed through unmodified from the authentication service
// to the UI.
type AuthenticationRequest struct {
	Issuer          string             `json:"issuer"`
	IssuerURL       string             `json:"issuerUrl"`
	Subject         string             `json:"subject"`
	SubjectURL      string             `json:"subjectUrl"`
	Validity        string             `json:"validity"`
	Terms           Terms              `json:"terms"`
	TransactionInfo string             `json:"transactionInfo,omitempty"`
	ReadAttributes  map[Attribute]bool `json:"readAttributes"` // attribute -> required
}

// Tag is a physical card tap forwarded from the reader layer.
type Tag struct {
	UID string `json:"uid"`
	ATR string `json:"atr,omitempty"`
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

// ValidatePersonalPIN checks the 6-digit personal PIN format.
func ValidatePersonalPIN(pin string) error {
	if len(pin) != 6 || !isDigits(pin) {
		return fmt.Errorf("personal PIN must be 6 digits")
	}
	return nil
}

// ValidateOldPIN checks the old PIN in a change operation, which is
// either the 5-digit transport PIN or the 6-digit personal PIN.
func ValidateOldPIN(pin string) error {
	if (len(pin) != 5 && len(pin) != 6) || !isDigits(pin) {
		return fmt.Errorf("old PIN must be 5 or 6 digits")
	}
	return nil
}

// ValidateTransportPIN checks the 5-digit transport PIN format.
func ValidateTransportPIN(pin string) error {
	if len(pin) != 5 || !isDigits(pin) {
		return fmt.Errorf("transport PIN must be 5 digits")
	}
	return nil
}

// ValidateCAN checks the 6-digit card access number format.
func ValidateCAN(can string) error {
	if len(can) != 6 || !isDigits(can) {
		return fmt.Errorf("CAN must be 6 digits")
	}
	return nil
}

// ValidatePUK checks the 10-digit PUK format.
func ValidatePUK(puk string) error {
	if len(puk) != 10 || !isDigits(puk) {
		return fmt.Errorf("PUK must be 10 digits")
	}
	return nil
}

// AttributeNames renders the requested attributes for logging, required
// ones first.
func AttributeNames(attrs map[Attribute]bool) string {
	var required, optional []string
	for attr, req := range attrs {
		if req {
			required = append(required, string(attr))
		} else {
			optional = append(optional, string(attr))
		}
	}
	parts := append(required, optional...)
	return strings.Join(parts, ",")
}
