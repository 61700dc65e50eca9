package portal

import "testing"

func TestNewDerivesKeywordAndSkill(t *testing.T) {
	p := New("HP Tenders", "https://hptenders.gov.in/nicgep/app", "")
	if p.Keyword != "hptenders_gov_in" {
		t.Fatalf("keyword = %q", p.Keyword)
	}
	if p.Skill != SkillNIC {
		t.Fatalf("skill = %q, want nic", p.Skill)
	}
	if p.OrgListURL == "" || p.OrgListURL == p.BaseURL {
		t.Fatalf("org list url not derived: %q", p.OrgListURL)
	}
}

func TestNewExplicitKeywordWins(t *testing.T) {
	p := New("Some Portal", "https://example.com/app?x=1", "custom_kw")
	if p.Keyword != "custom_kw" {
		t.Fatalf("keyword = %q, want custom_kw", p.Keyword)
	}
	if p.Skill != SkillGeneric {
		t.Fatalf("skill = %q, want generic", p.Skill)
	}
}

func TestNormalizedName(t *testing.T) {
	p := Portal{Name: "  HP Tenders  "}
	if got := p.NormalizedName(); got != "hp tenders" {
		t.Fatalf("NormalizedName = %q", got)
	}
}

func TestDepartmentIsValid(t *testing.T) {
	cases := []struct {
		d    Department
		want bool
	}{
		{Department{SerialNo: "1", Name: "Public Works Dept"}, true},
		{Department{SerialNo: "S.No", Name: "Public Works Dept"}, false},
		{Department{SerialNo: "1", Name: "Organisation Name"}, false},
		{Department{SerialNo: "0", Name: "Anything"}, false},
		{Department{SerialNo: "abc", Name: "Anything"}, false},
	}
	for _, c := range cases {
		if got := c.d.IsValid(); got != c.want {
			t.Errorf("IsValid(%+v) = %v, want %v", c.d, got, c.want)
		}
	}
}

func TestStripSessionParams(t *testing.T) {
	cases := []struct{ in, want string }{
		{"https://x.in/app?session=abc&id=5", "https://x.in/app?id=5"},
		{"https://x.in/app?jsessionid=abc", "https://x.in/app"},
		{"https://x.in/app?id=5", "https://x.in/app?id=5"},
		{"https://x.in/app?id=5#frag", "https://x.in/app?id=5#frag"},
		{"https://x.in/app?sid=1&id=5#frag", "https://x.in/app?id=5#frag"},
		{"https://x.in/app", "https://x.in/app"},
	}
	for _, c := range cases {
		if got := StripSessionParams(c.in); got != c.want {
			t.Errorf("StripSessionParams(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
