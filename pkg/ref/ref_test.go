package ref

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParse_FullForms(t *testing.T) {
	tests := []struct {
		input string
		want  Reference
	}{
		{"zlib/1.3.1", Reference{Name: "zlib", Version: "1.3.1"}},
		{"openssl/3.2.0@corp", Reference{Name: "openssl", Version: "3.2.0", User: "corp"}},
		{"openssl/3.2.0@corp/stable", Reference{Name: "openssl", Version: "3.2.0", User: "corp", Channel: "stable"}},
		{"boost/1.84.0@corp/testing#ab12cd", Reference{Name: "boost", Version: "1.84.0", User: "corp", Channel: "testing", Revision: "ab12cd"}},
		{"pkg_a/2.0+build.7", Reference{Name: "pkg_a", Version: "2.0+build.7"}},
	}

	for _, tt := range tests {
		got, err := Parse(tt.input)
		if err != nil {
			t.Errorf("Parse(%q) returned error: %v", tt.input, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Parse(%q) = %+v, want %+v", tt.input, got, tt.want)
		}
	}
}

func TestParse_Invalid(t *testing.T) {
	inputs := []string{
		"",
		"zlib",
		"/1.0",
		"zlib/1.0@",
		"zlib/1.0@corp/",
		"zlib/1.0#",
		"-zlib/1.0",
		"z/1.0",
		"zlib/1.0@corp/sta ble",
	}

	for _, input := range inputs {
		if _, err := Parse(input); err == nil {
			t.Errorf("Parse(%q) expected error, got nil", input)
		} else if !errors.Is(err, ErrInvalidReference) {
			t.Errorf("Parse(%q) error %v does not wrap ErrInvalidReference", input, err)
		}
	}
}

func TestParse_NameLengthBounds(t *testing.T) {
	long := "a"
	for len(long) < 51 {
		long += "b"
	}
	if _, err := Parse(long + "/1.0"); err != nil {
		t.Errorf("51-char name should be accepted, got %v", err)
	}
	if _, err := Parse(long + "b/1.0"); err == nil {
		t.Error("52-char name should be rejected")
	}
	if _, err := Parse("ab/1.0"); err != nil {
		t.Errorf("2-char name should be accepted, got %v", err)
	}
}

func TestReference_StringRoundTrip(t *testing.T) {
	inputs := []string{
		"zlib/1.3.1",
		"openssl/3.2.0@corp",
		"openssl/3.2.0@corp/stable",
		"boost/1.84.0@corp/testing#ab12cd",
	}
	for _, input := range inputs {
		r := MustParse(input)
		if r.String() != input {
			t.Errorf("String() = %q, want %q", r.String(), input)
		}
		again, err := Parse(r.String())
		if err != nil {
			t.Fatalf("re-parse of %q failed: %v", r.String(), err)
		}
		if again != r {
			t.Errorf("round trip changed reference: %+v vs %+v", again, r)
		}
	}
}

func TestReference_Key(t *testing.T) {
	a := MustParse("zlib/1.2.11@corp/stable")
	b := MustParse("zlib/1.3.1@corp/stable")
	if a.Key() != b.Key() {
		t.Errorf("same package at different versions must share a key: %v vs %v", a.Key(), b.Key())
	}
	c := MustParse("zlib/1.3.1")
	if a.Key() == c.Key() {
		t.Error("different user/channel must produce a different key")
	}
	if got := a.Key().String(); got != "zlib@corp/stable" {
		t.Errorf("Key().String() = %q, want %q", got, "zlib@corp/stable")
	}
}

func TestReference_WithVersion(t *testing.T) {
	orig := MustParse("zlib/1.2.11")
	repl := orig.WithVersion("1.3.1")
	if orig.Version != "1.2.11" {
		t.Error("WithVersion mutated the receiver")
	}
	if repl.Version != "1.3.1" || repl.Name != "zlib" {
		t.Errorf("WithVersion produced %+v", repl)
	}
}

func TestCompare_Ordering(t *testing.T) {
	ordered := []Reference{
		MustParse("abc/1.0"),
		MustParse("abc/2.0"),
		MustParse("abc/2.0@corp"),
		MustParse("xyz/0.1"),
	}
	for i := 0; i < len(ordered)-1; i++ {
		if Compare(ordered[i], ordered[i+1]) >= 0 {
			t.Errorf("Compare(%v, %v) should be negative", ordered[i], ordered[i+1])
		}
		if Compare(ordered[i+1], ordered[i]) <= 0 {
			t.Errorf("Compare(%v, %v) should be positive", ordered[i+1], ordered[i])
		}
	}
	r := MustParse("abc/1.0")
	if Compare(r, r) != 0 {
		t.Error("Compare of equal references should be zero")
	}
}

func TestReference_JSONRoundTrip(t *testing.T) {
	r := MustParse("boost/1.84.0@corp/testing#ab12cd")
	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(data) != `"boost/1.84.0@corp/testing#ab12cd"` {
		t.Errorf("unexpected JSON form: %s", data)
	}
	var back Reference
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if back != r {
		t.Errorf("JSON round trip changed reference: %+v vs %+v", back, r)
	}
}
