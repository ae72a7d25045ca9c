package logging

import (
	"testing"
)

func TestMaskFieldRedactsUnknownKeys(t *testing.T) {
	attr := MaskField("document_number", "123.456.789-00")
	if attr.Value.String() != RedactedValue {
		t.Fatalf("sensitive value leaked: %s", attr.Value.String())
	}

	attr = MaskField("plan", "sigma")
	if attr.Value.String() != "sigma" {
		t.Fatalf("allowlisted value masked: %s", attr.Value.String())
	}

	// Operator-supplied reversal reasons are free text and stay masked.
	attr = MaskField("reason", "chargeback for card 1234")
	if attr.Value.String() != RedactedValue {
		t.Fatalf("reversal reason leaked: %s", attr.Value.String())
	}

	attr = MaskField("document_number", "")
	if attr.Value.String() != "" {
		t.Fatalf("empty value should pass through")
	}
}

func TestRedactionAllowlistStaysTight(t *testing.T) {
	for _, key := range RedactionAllowlist() {
		if !IsAllowlisted(key) {
			t.Fatalf("allowlist disagrees with itself on %q", key)
		}
	}
	for _, key := range []string{"email", "phone", "address", "tax_id"} {
		if IsAllowlisted(key) {
			t.Fatalf("%q must not be allowlisted", key)
		}
	}
	if !IsAllowlisted(" Plan ") {
		t.Fatalf("allowlist lookup should normalise keys")
	}
}
