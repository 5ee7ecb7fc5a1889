// Package imessage holds the Messages.app collaborators: outbound sending
// via AppleScript, contact resolution from the AddressBook databases, and
// handle normalization shared by both.
package imessage

import (
	"strings"
	"unicode"
)

// NormalizePhoneNumber normalizes phone numbers for consistent matching.
// All non-digit characters are removed; 11-digit numbers starting with 1
// drop the leading 1 (US numbers).
func NormalizePhoneNumber(phone string) string {
	var b strings.Builder
	b.Grow(len(phone))
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	if len(digits) == 11 && strings.HasPrefix(digits, "1") {
		return digits[1:]
	}
	return digits
}

// NormalizeIdentifier normalizes a phone/email identifier and returns its type.
func NormalizeIdentifier(identifier string) (normalized string, typ string) {
	id := strings.TrimSpace(identifier)
	if id == "" {
		return "", "phone"
	}
	if strings.Contains(id, "@") {
		return strings.ToLower(id), "email"
	}
	return NormalizePhoneNumber(id), "phone"
}

// NormalizePhoneE164 formats a phone number as E.164 for the given region.
// Only US region rules are applied beyond keeping + and digits; unknown
// regions get a + prefix when the number looks international.
func NormalizePhoneE164(s, region string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	var b strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == '+' {
			b.WriteRune(r)
		}
	}
	out := b.String()
	if strings.HasPrefix(out, "+") {
		return out
	}

	digits := out
	if region == "" || strings.EqualFold(region, "US") {
		if len(digits) == 10 {
			return "+1" + digits
		}
		if len(digits) == 11 && strings.HasPrefix(digits, "1") {
			return "+" + digits
		}
	}
	if len(digits) > 10 {
		return "+" + digits
	}
	return out
}

// PhoneVariants generates the spellings a handle may use for one phone
// number, for matching chat.db handles against AddressBook entries.
func PhoneVariants(phone string) []string {
	if phone == "" {
		return nil
	}

	variants := []string{phone}
	var b strings.Builder
	for _, r := range phone {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if digits == "" {
		return variants
	}

	if !strings.HasPrefix(phone, "+") {
		variants = append(variants, "+"+digits)
	}
	if len(digits) == 10 {
		variants = append(variants, "+1"+digits, "1"+digits)
	} else if len(digits) == 11 && strings.HasPrefix(digits, "1") {
		variants = append(variants, digits[1:], "+"+digits)
	}
	return variants
}
