package main

import (
	"testing"

	"github.com/yourusername/subpage-forge/internal/jobs"
)

func TestParseCities(t *testing.T) {
	got := parseCities(" Köln:50667, Ulm ,,Bad Homburg: 61348")
	want := []jobs.CityInput{
		{Name: "Köln", Postcode: "50667"},
		{Name: "Ulm"},
		{Name: "Bad Homburg", Postcode: "61348"},
	}
	if len(got) != len(want) {
		t.Fatalf("parseCities returned %d cities, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("city %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestFileNamesKeepSameNamedCitiesApart(t *testing.T) {
	cities := []jobs.CityView{
		{Name: "Köln", Postcode: "50667", SubpageID: "example_de_k_ln_50667"},
		{Name: "Köln", Postcode: "51105", SubpageID: "example_de_k_ln_51105"},
		{Name: "Bad Homburg", Postcode: "61348", SubpageID: "example_de_bad_homburg_61348"},
	}

	names := fileNames(cities)
	if names["example_de_k_ln_50667"] != "köln-50667-subpage.tsx" || names["example_de_k_ln_51105"] != "köln-51105-subpage.tsx" {
		t.Fatalf("same-named cities not kept apart: %v", names)
	}
	if names["example_de_bad_homburg_61348"] != "bad-homburg-subpage.tsx" {
		t.Fatalf("unique city name changed: %v", names)
	}
}
