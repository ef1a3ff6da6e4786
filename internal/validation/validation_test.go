package validation

import "testing"

func TestIsValidEthAddress(t *testing.T) {
	cases := []struct {
		addr  string
		valid bool
	}{
		{"0x036CbD53842c5426634e7929541eC2318f3dCF7e", true},
		{"0x0000000000000000000000000000000000000000", true},
		{"036CbD53842c5426634e7929541eC2318f3dCF7e", false},
		{"0x036CbD", false},
		{"", false},
		{"0xZZZZbD53842c5426634e7929541eC2318f3dCF7e", false},
	}
	for _, tc := range cases {
		if got := IsValidEthAddress(tc.addr); got != tc.valid {
			t.Errorf("IsValidEthAddress(%q) = %v, want %v", tc.addr, got, tc.valid)
		}
	}
}

func TestSanitizeAddress(t *testing.T) {
	got := SanitizeAddress("  036CBD53842C5426634E7929541EC2318F3DCF7E ")
	want := "0x036cbd53842c5426634e7929541ec2318f3dcf7e"
	if got != want {
		t.Errorf("SanitizeAddress = %q, want %q", got, want)
	}
}

func TestSanitizeString(t *testing.T) {
	got := SanitizeString("  hello\x00world  ", 8)
	if got != "hellowor" {
		t.Errorf("SanitizeString = %q", got)
	}
}

func TestValidate_CollectsErrors(t *testing.T) {
	errs := Validate(
		Required("user_id", ""),
		ValidAddress("wallet_address", "nothex"),
		PositiveAmount("amount", 0),
	)
	if len(errs) != 3 {
		t.Fatalf("expected 3 errors, got %d: %v", len(errs), errs)
	}
	if errs.Error() == "" {
		t.Error("expected non-empty error string")
	}
}

func TestValidate_AllPass(t *testing.T) {
	errs := Validate(
		Required("user_id", "u1"),
		ValidAddress("wallet_address", "0x036CbD53842c5426634e7929541eC2318f3dCF7e"),
		PositiveAmount("amount", 100),
	)
	if len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}
}
