package summary

import (
	"testing"
	"time"
)

func TestExtractDate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		text string
		want string // "" means nil
	}{
		{"labeled day-month-name", "PATIENT: X\nCOLLECTED: 23-Nov-2022 10:14\nTyphidot IgG negative", "2022-11-23"},
		{"labeled beats earlier generic", "Printed 01/01/2024\nREPORTED: 05-Mar-2023", "2023-03-05"},
		{"labeled numeric day first", "DATE: 07/03/2021", "2021-03-07"},
		{"numeric month-first fallback", "seen 12/25/2020", "2020-12-25"},
		{"iso", "Result 2019-08-14 haemoglobin 13.1", "2019-08-14"},
		{"month name", "Report dated March 4, 2022 for CBC", "2022-03-04"},
		{"month name no comma", "on July 9 2021", "2021-07-09"},
		{"first labeled wins", "REGISTERED: 01-Jan-2022 REPORTED: 03-Jan-2022", "2022-01-01"},
		{"invalid day skipped", "DATE: 31-Feb-2022 then 2022-02-10", "2022-02-10"},
		{"none", "no dates here, only 12 mg", ""},
		{"lowercase label", "collected: 2-dec-2021", "2021-12-02"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := ExtractDate(tc.text)
			if tc.want == "" {
				if got != nil {
					t.Fatalf("want nil, got %v", got)
				}
				return
			}
			if got == nil {
				t.Fatalf("want %s, got nil", tc.want)
			}
			if s := got.Format(time.DateOnly); s != tc.want {
				t.Fatalf("want %s, got %s", tc.want, s)
			}
		})
	}
}

func TestCleanDigest(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"Typhidot IgG negative.":                        "Typhidot IgG negative",
		"Hb 9.2 g/dL, low. No significant findings.":    "Hb 9.2 g/dL, low",
		"  CBC normal. No other significant findings  ": "CBC normal",
		"No findings.": EmptyDigest,
		"":             EmptyDigest,
		"HbA1c 7.9%\n consistent with\ttype 2 diabetes.": "HbA1c 7.9% consistent with type 2 diabetes",
	}
	for in, want := range cases {
		if got := CleanDigest(in); got != want {
			t.Fatalf("CleanDigest(%q): want %q, got %q", in, want, got)
		}
	}
}

func TestCleanProfile(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"Initial Profile Summary: Penicillin allergy.\n  Asthma on salbutamol.": "Penicillin allergy. Asthma on salbutamol.",
		"  No significant medical history ":                                     "No significant medical history",
		"   ":                                                                   EmptyProfile,
	}
	for in, want := range cases {
		if got := CleanProfile(in); got != want {
			t.Fatalf("CleanProfile(%q): want %q, got %q", in, want, got)
		}
	}
}
