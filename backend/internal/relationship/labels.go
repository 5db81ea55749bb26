// Package relationship holds the canonical relationship label table.
//
// A label is what the owner of a membership entry calls the peer: "Parent"
// means "the peer is my parent". The inverse is what the peer calls the owner.
// Gendered labels map to neutral inverses because only the peer's role is known.
package relationship

import (
	"sort"
	"strings"
)

// Canonical labels
const (
	Parent           = "Parent"
	Mother           = "Mother"
	Father           = "Father"
	Child            = "Child"
	Son              = "Son"
	Daughter         = "Daughter"
	Spouse           = "Spouse"
	Husband          = "Husband"
	Wife             = "Wife"
	Partner          = "Partner"
	Sibling          = "Sibling"
	Brother          = "Brother"
	Sister           = "Sister"
	Grandparent      = "Grandparent"
	Grandmother      = "Grandmother"
	Grandfather      = "Grandfather"
	Grandchild       = "Grandchild"
	Grandson         = "Grandson"
	Granddaughter    = "Granddaughter"
	AuntUncle        = "Aunt/Uncle"
	Aunt             = "Aunt"
	Uncle            = "Uncle"
	NieceNephew      = "Niece/Nephew"
	Niece            = "Niece"
	Nephew           = "Nephew"
	Cousin           = "Cousin"
	ParentInLaw      = "Parent-in-law"
	ChildInLaw       = "Child-in-law"
	SiblingInLaw     = "Sibling-in-law"
	Guardian         = "Guardian"
	Ward             = "Ward"
	Caregiver        = "Caregiver"
	CareRecipient    = "Care Recipient"
	Friend           = "Friend"
	EmergencyContact = "Emergency Contact"
)

var inverses = map[string]string{
	Parent:           Child,
	Mother:           Child,
	Father:           Child,
	Child:            Parent,
	Son:              Parent,
	Daughter:         Parent,
	Spouse:           Spouse,
	Husband:          Spouse,
	Wife:             Spouse,
	Partner:          Partner,
	Sibling:          Sibling,
	Brother:          Sibling,
	Sister:           Sibling,
	Grandparent:      Grandchild,
	Grandmother:      Grandchild,
	Grandfather:      Grandchild,
	Grandchild:       Grandparent,
	Grandson:         Grandparent,
	Granddaughter:    Grandparent,
	AuntUncle:        NieceNephew,
	Aunt:             NieceNephew,
	Uncle:            NieceNephew,
	NieceNephew:      AuntUncle,
	Niece:            AuntUncle,
	Nephew:           AuntUncle,
	Cousin:           Cousin,
	ParentInLaw:      ChildInLaw,
	ChildInLaw:       ParentInLaw,
	SiblingInLaw:     SiblingInLaw,
	Guardian:         Ward,
	Ward:             Guardian,
	Caregiver:        CareRecipient,
	CareRecipient:    Caregiver,
	Friend:           Friend,
	EmergencyContact: EmergencyContact,
}

// lookup is keyed by the lowercased label so user input of any case resolves.
var lookup = func() map[string]string {
	m := make(map[string]string, len(inverses))
	for label := range inverses {
		m[strings.ToLower(label)] = label
	}
	return m
}()

// Canonical returns the table spelling of label, or label trimmed when it is unknown.
func Canonical(label string) string {
	trimmed := strings.TrimSpace(label)
	if canon, ok := lookup[strings.ToLower(trimmed)]; ok {
		return canon
	}
	return trimmed
}

// Known reports whether label is in the table (case-insensitive).
func Known(label string) bool {
	_, ok := lookup[strings.ToLower(strings.TrimSpace(label))]
	return ok
}

// Inverse returns the label the peer uses for the owner. Unknown labels are
// returned unchanged: callers must not assume a distinct inverse exists.
func Inverse(label string) string {
	canon := Canonical(label)
	if inv, ok := inverses[canon]; ok {
		return inv
	}
	return canon
}

// IsSelfInverse reports whether label maps to itself.
func IsSelfInverse(label string) bool {
	return Inverse(label) == Canonical(label)
}

// AreInverse reports whether a and b describe the two sides of one
// relationship. Gendered labels are compared through their neutral form, so
// Mother and Daughter pair up as well as Parent and Child.
func AreInverse(a, b string) bool {
	return Inverse(a) == neutral(b) || Inverse(b) == neutral(a)
}

func neutral(label string) string {
	return Inverse(Inverse(label))
}

// Labels returns all canonical labels in alphabetical order.
func Labels() []string {
	out := make([]string, 0, len(inverses))
	for label := range inverses {
		out = append(out, label)
	}
	sort.Strings(out)
	return out
}
