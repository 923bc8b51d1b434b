package filter

import (
	"testing"
)

func TestFilter_Allows_IncludeMode(t *testing.T) {
	f, err := New(Options{IncludePart: []string{"^body$"}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if !f.Allows("body") {
		t.Error("Expected body part to be allowed")
	}
	if f.Allows("attachment") {
		t.Error("Expected attachment part to be filtered out")
	}
}

func TestFilter_Allows_ExcludeMode(t *testing.T) {
	f, err := New(Options{ExcludePart: []string{"(?i)signature"}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if !f.Allows("body") {
		t.Error("Expected body part to be allowed")
	}
	if f.Allows("SMIME-Signature") {
		t.Error("Expected signature part to be filtered out")
	}
}

func TestFilter_MutuallyExclusive(t *testing.T) {
	_, err := New(Options{IncludePart: []string{"body"}, ExcludePart: []string{"sig"}})
	if err == nil {
		t.Error("Expected error when both include and exclude are specified")
	}
}

func TestFilter_InvalidPattern(t *testing.T) {
	_, err := New(Options{IncludePart: []string{"("}})
	if err == nil {
		t.Error("Expected error for invalid regex")
	}
}

func TestFilter_NoFilters(t *testing.T) {
	tests := []struct {
		name string
		f    *Filter
	}{
		{name: "empty options", f: mustNew(t, Options{IncludePart: []string{"  "}})},
		{name: "nil filter", f: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.f.Active() {
				t.Error("Expected filter to be inactive")
			}
			if !tt.f.Allows("anything") {
				t.Error("Expected part to be allowed when no filters are active")
			}
		})
	}
}

func mustNew(t *testing.T, opts Options) *Filter {
	t.Helper()
	f, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return f
}
