package main

import "testing"

func TestTenureCategoryForMonths(t *testing.T) {
	cases := []struct {
		months int
		want   string
	}{
		{0, TenureNew},
		{2, TenureNew},
		{3, TenureJunior},
		{5, TenureJunior},
		{6, TenureMid},
		{11, TenureMid},
		{12, TenureSenior},
		{23, TenureSenior},
		{24, TenureExpert},
		{60, TenureExpert},
	}
	for _, tc := range cases {
		if got := TenureCategoryForMonths(tc.months); got != tc.want {
			t.Errorf("TenureCategoryForMonths(%d) = %q, want %q", tc.months, got, tc.want)
		}
	}
}

func TestAccountHighComplexity(t *testing.T) {
	cases := []struct {
		name    string
		account Account
		want    bool
	}{
		{"red low neediness", Account{HealthSegment: HealthRed, NeedinessScore: 2}, true},
		{"yellow high neediness", Account{HealthSegment: HealthYellow, NeedinessScore: 8}, true},
		{"green routine", Account{HealthSegment: HealthGreen, NeedinessScore: 4}, false},
		{"yellow boundary", Account{HealthSegment: HealthYellow, NeedinessScore: 7.9}, false},
	}
	for _, tc := range cases {
		if got := tc.account.HighComplexity(); got != tc.want {
			t.Errorf("%s: HighComplexity() = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestBookHealthFractions(t *testing.T) {
	b := Book{RedCount: 2, YellowCount: 3, GreenCount: 5}
	if b.HealthTotal() != 10 {
		t.Fatalf("HealthTotal = %d, want 10", b.HealthTotal())
	}
	if b.RedFraction() != 0.2 || b.YellowFraction() != 0.3 || b.GreenFraction() != 0.5 {
		t.Fatalf("fractions = %f %f %f", b.RedFraction(), b.YellowFraction(), b.GreenFraction())
	}

	var empty Book
	if empty.RedFraction() != 0 {
		t.Fatal("empty book fractions must be 0, not NaN")
	}
}
