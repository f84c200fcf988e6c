package filter

import (
	"testing"

	"github.com/dhcgn/mail-archive/model"
)

var benchEnvelope = model.Envelope{
	MessageID: "<bench@example.com>",
	Subject:   "Test",
	From:      "test@example.com",
	To:        "user@example.com",
}

// BenchmarkFilter_Allows_NoFilters benchmarks the filter when no filters are active
func BenchmarkFilter_Allows_NoFilters(b *testing.B) {
	f, err := New(Options{})
	if err != nil {
		b.Fatal(err)
	}
	header := EnvelopeHeader(benchEnvelope)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Allows(header, nil)
	}
}

// BenchmarkFilter_Allows_MultiplePatterns benchmarks with multiple regex patterns
func BenchmarkFilter_Allows_MultiplePatterns(b *testing.B) {
	f, err := New(Options{
		IncludeHeader: []string{
			"From:.*@example\\.com",
			"Subject:.*Test.*",
			"To:.*user.*",
		},
	})
	if err != nil {
		b.Fatal(err)
	}
	header := EnvelopeHeader(benchEnvelope)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Allows(header, nil)
	}
}

func BenchmarkFilter_AllowsFolder(b *testing.B) {
	f, err := New(Options{ExcludeFolder: []string{"^(Trash|Junk|Spam)$", "Drafts"}})
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.AllowsFolder("Work/Projects/2024")
	}
}

func BenchmarkEnvelopeHeader(b *testing.B) {
	for i := 0; i < b.N; i++ {
		EnvelopeHeader(benchEnvelope)
	}
}
