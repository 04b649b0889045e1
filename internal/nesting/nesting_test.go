package nesting

import "testing"

func TestSplitKey(t *testing.T) {
	cases := []struct {
		name, namespace, key string
	}{
		{"12345678", "", "12345678"},
		{"data/12345678", "data", "12345678"},
	}
	for _, tc := range cases {
		namespace, key := SplitKey(tc.name)
		if namespace != tc.namespace || key != tc.key {
			t.Errorf("SplitKey(%q) = (%q, %q), want (%q, %q)", tc.name, namespace, key, tc.namespace, tc.key)
		}
	}
}

func TestNest(t *testing.T) {
	cases := []struct {
		name   string
		levels int
		suffix string
		want   string
	}{
		{"12345678", 0, "", "12345678"},
		{"12345678", 1, "", "12/12345678"},
		{"12345678", 2, "", "12/34/12345678"},
		{"12345678", 3, "", "12/34/56/12345678"},
		{"12345678", 3, ".del", "12/34/56/12345678.del"},
		{"data/12345678", 0, "", "data/12345678"},
		{"data/12345678", 1, "", "data/12/12345678"},
		{"data/12345678", 2, "", "data/12/34/12345678"},
		{"data/12345678", 3, "", "data/12/34/56/12345678"},
		{"data/12345678", 3, ".del", "data/12/34/56/12345678.del"},
	}
	for _, tc := range cases {
		if got := Nest(tc.name, tc.levels, tc.suffix); got != tc.want {
			t.Errorf("Nest(%q, %d, %q) = %q, want %q", tc.name, tc.levels, tc.suffix, got, tc.want)
		}
	}
}

func TestUnnest(t *testing.T) {
	cases := []struct {
		nested    string
		namespace string
		suffix    string
		want      string
	}{
		{"12345678", "", "", "12345678"},
		{"12/12345678", "", "", "12345678"},
		{"12/34/12345678", "", "", "12345678"},
		{"12/34/56/12345678.del", "", ".del", "12345678"},
		{"data/12345678", "data", "", "data/12345678"},
		{"data/12/12345678", "data", "", "data/12345678"},
		{"data/12/34/12345678", "data", "", "data/12345678"},
		{"data/12/34/56/12345678.del", "data", ".del", "data/12345678"},
		{"data/12/34/12345678", "data/", "", "data/12345678"}, // trailing slash supported
	}
	for _, tc := range cases {
		got, err := Unnest(tc.nested, tc.namespace, tc.suffix)
		if err != nil {
			t.Errorf("Unnest(%q, %q, %q): %v", tc.nested, tc.namespace, tc.suffix, err)
			continue
		}
		if got != tc.want {
			t.Errorf("Unnest(%q, %q, %q) = %q, want %q", tc.nested, tc.namespace, tc.suffix, got, tc.want)
		}
	}
}

func TestUnnestInvalid(t *testing.T) {
	for _, nested := range []string{"data_xxx/12/12345678", "dat/12/34/12345678"} {
		if _, err := Unnest(nested, "data", ""); err == nil {
			t.Errorf("Unnest(%q, \"data\") succeeded, want error", nested)
		}
	}
}
