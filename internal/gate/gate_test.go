package gate

import (
	"testing"
)

func form(code string, kv ...string) (string, map[string]string) {
	fields := map[string]string{}
	for i := 0; i+1 < len(kv); i += 2 {
		fields[kv[i]] = kv[i+1]
	}
	return code, fields
}

func TestCommentAlwaysRequired(t *testing.T) {
	g := Default()
	cases := []struct {
		name string
		code string
		kv   []string
	}{
		{"empty non-payment", "NOT_HOME", []string{"comment", ""}},
		{"blank non-payment", "NOT_HOME", []string{"comment", "   \t"}},
		{"complete payment without comment", "PAID", []string{
			"payment_method", "BANK", "payment_type", "FULL", "payment_date", "2024-01-01", "amount", "10", "reference", "R1",
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, fields := form(tc.code, tc.kv...)
			if g.CanFinish(code, fields) {
				t.Fatalf("expected comment to be required")
			}
		})
	}
}

func TestNonPaymentNeedsOnlyCodeAndComment(t *testing.T) {
	g := Default()
	code, fields := form("REFUSED", "comment", "customer refused")
	if !g.CanFinish(code, fields) {
		t.Fatalf("expected finish allowed, violations: %v", g.Check(code, fields))
	}
	if g.CanFinish("  ", fields) {
		t.Fatalf("blank code must be rejected")
	}
}

func TestPaymentCodes(t *testing.T) {
	g := Default()
	base := []string{"comment", "ok", "payment_type", "FULL", "payment_date", "2024-01-01", "amount", "500"}

	code, cash := form("ptp", append(base, "payment_method", "cash")...)
	if !g.CanFinish(code, cash) {
		t.Fatalf("cash must not need a reference: %v", g.Check(code, cash))
	}

	code, gcash := form("PTP", append(base, "payment_method", "GCASH")...)
	violations := g.Check(code, gcash)
	if len(violations) != 1 || violations[0].Field != "reference" {
		t.Fatalf("expected missing reference, got %v", violations)
	}
	gcash["reference"] = "GC-991"
	if !g.CanFinish(code, gcash) {
		t.Fatalf("expected finish allowed with reference: %v", g.Check(code, gcash))
	}

	gcash["payment_date"] = "01/02/2024"
	gcash["amount"] = "-3"
	violations = g.Check(code, gcash)
	if len(violations) != 2 || violations[0].Field != "amount" || violations[1].Field != "payment_date" {
		t.Fatalf("expected amount and date violations, got %v", violations)
	}
}

func TestRequiredFieldsFollowMethod(t *testing.T) {
	g := Default()
	got := g.RequiredFields("PAID", map[string]string{"payment_method": "CASH"})
	want := []string{"amount", "code", "comment", "payment_date", "payment_method", "payment_type"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	if fields := g.RequiredFields("PAID", map[string]string{"payment_method": "BANK"}); len(fields) != len(want)+1 {
		t.Fatalf("expected reference to be required for BANK, got %v", fields)
	}
}

func TestNewRejectsBadTables(t *testing.T) {
	if _, err := New(Table{Always: []FieldRule{{Field: "comment", Rule: "required,nosuchtag"}}}); err == nil {
		t.Fatalf("expected unknown tag error")
	}
	if _, err := New(Table{Codes: map[string]string{"PAID": "missing"}}); err == nil {
		t.Fatalf("expected unknown set error")
	}
	if _, err := New(Table{Always: []FieldRule{{Field: "", Rule: "required"}}}); err == nil {
		t.Fatalf("expected empty field error")
	}
}

func TestTableDrivesNewCodes(t *testing.T) {
	tbl := DefaultTable()
	tbl.Sets["callback"] = []FieldRule{{Field: "payment_date", Rule: "required,datetime=2006-01-02"}}
	tbl.Codes["CALLBACK"] = "callback"
	g, err := New(tbl)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if g.CanFinish("CALLBACK", map[string]string{"comment": "call later"}) {
		t.Fatalf("expected date to be required for the new code")
	}
	if !g.CanFinish("CALLBACK", map[string]string{"comment": "call later", "payment_date": "2024-02-01"}) {
		t.Fatalf("expected finish allowed")
	}
}

func TestParseAmount(t *testing.T) {
	ok := map[string]int64{"500": 50000, "1500.5": 150050, "0.01": 1, " 12.30 ": 1230}
	for in, want := range ok {
		got, err := ParseAmount(in)
		if err != nil || got != want {
			t.Fatalf("ParseAmount(%q) = %d, %v; want %d", in, got, err, want)
		}
	}
	for _, in := range []string{"", "0", "0.00", "-1", "1.234", "1.", ".5", "abc", "1e3", "99999999999999999999"} {
		if _, err := ParseAmount(in); err == nil {
			t.Fatalf("ParseAmount(%q) expected error", in)
		}
	}
}
