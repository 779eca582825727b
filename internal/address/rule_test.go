package address

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuleApply(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		template string
		addr     Address
		want     string
		ok       bool
	}{
		{
			name:     "all attributes",
			template: "{S}.{O}@{C}.example",
			addr:     Address{Country: "DE", Organization: "Modernization", Surname: "Operator"},
			want:     "operator.modernization@de.example",
			ok:       true,
		},
		{
			name:     "non-ascii is decomposed and stripped",
			template: "{G}.{S}@{O}.{C}.example",
			addr:     Address{Country: "DE", Organization: "Bundespost", Surname: "Müller"},
			want:     "muller.muller@bundespost.de.example",
			ok:       true,
		},
		{
			name:     "spaces and punctuation become dashes",
			template: "{S}@{O}.example",
			addr:     Address{Country: "FR", Organization: "La Poste", Surname: "Jean Pierre"},
			want:     "jean-pierre@la-poste.example",
			ok:       true,
		},
		{
			name:     "literal template",
			template: "postmaster@example.com",
			addr:     Address{Country: "DE", Organization: "Org", Surname: "X"},
			want:     "postmaster@example.com",
			ok:       true,
		},
		{
			name:     "unknown placeholder never renders",
			template: "{X}.{S}@example.com",
			addr:     Address{Country: "DE", Organization: "Org", Surname: "X"},
			ok:       false,
		},
	}

	for _, tt := range tests {

		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r, err := NewRule(tt.template)
			require.NoError(t, err)

			got, ok := r.Apply(tt.addr)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRuleInvert(t *testing.T) {
	t.Parallel()

	r := MustRule("{G}.{S}@{O}.{C}.example")

	addr, ok := r.Invert("jean-pierre.dupont@la-poste.fr.example")
	require.True(t, ok)
	assert.Equal(t, Address{Country: "Fr", Organization: "La Poste", Surname: "Dupont"}, addr)

	_, ok = r.Invert("not-an-address")
	assert.False(t, ok)

	_, ok = r.Invert("Upper.Case@org.de.example")
	assert.False(t, ok, "captures are lowercase only")
}

func TestRuleInvertDefaults(t *testing.T) {
	t.Parallel()

	addr, ok := MustRule("{S}@example.com").Invert("muller@example.com")
	require.True(t, ok)
	assert.Equal(t, DefaultCountry, addr.Country)
	assert.Equal(t, DefaultOrganization, addr.Organization)
	assert.Equal(t, "Muller", addr.Surname)

	addr, ok = MustRule("{G}@{O}.example").Invert("hans@post.example")
	require.True(t, ok)
	assert.Equal(t, "Hans", addr.Surname, "G is the surname fallback")

	addr, ok = MustRule("{O}@{C}.example").Invert("post@de.example")
	require.True(t, ok)
	assert.Equal(t, DefaultSurname, addr.Surname)
}

func TestRuleRepeatedPlaceholder(t *testing.T) {
	t.Parallel()

	r := MustRule("{S}-{S}@example.com")
	email, ok := r.Apply(Address{Country: "DE", Organization: "O", Surname: "Smith"})
	require.True(t, ok)
	assert.Equal(t, "smith-smith@example.com", email)

	addr, ok := r.Invert(email)
	require.True(t, ok)
	assert.NotEmpty(t, addr.Surname)
}

func TestRuleForwardIdempotence(t *testing.T) {
	t.Parallel()

	r := MustRule("{G}.{S}@{O}.{C}.example")
	inputs := []Address{
		{Country: "DE", Organization: "Bundespost", Surname: "Mueller"},
		{Country: "GB", Organization: "Royal Mail 2", Surname: "Anne Marie Smith"},
		{Country: "US", Organization: "ACME", Surname: "O Neil"},
	}
	for _, a := range inputs {
		first, ok := r.Apply(a)
		require.True(t, ok)

		inverted, ok := r.Invert(first)
		require.True(t, ok, "invert %q", first)

		second, ok := r.Apply(inverted)
		require.True(t, ok)
		assert.Equal(t, first, second)
	}
}

func TestSanitize(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"Operator":     "operator",
		"Müller":       "muller",
		"Ærø":          "r",
		"O'Brien":      "o-brien",
		"ＦＵＬＬ":         "full",
		"a b\tc":       "a-b-c",
		"":             "",
		"Straße 12":    "strae-12",
		"François-Xav": "francois-xav",
	}
	for in, want := range tests {
		assert.Equal(t, want, sanitize(in), "sanitize(%q)", in)
	}
}

func FuzzRuleRoundTrip(f *testing.F) {
	f.Add("DE", "Modernization", "Operator")
	f.Add("fr", "La Poste", "Jean Pierre")
	f.Add("", "", "")

	// Inversion collapses leading, trailing and repeated separators, so the
	// idempotence check only applies to cleanly separated tokens.
	clean := regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

	r := MustRule("{S}.{O}@gateway.{C}.example")
	f.Fuzz(func(t *testing.T, country, org, surname string) {
		addr := Address{Country: country, Organization: org, Surname: surname}
		first, ok := r.Apply(addr)
		if !ok {
			t.Fatalf("rule with known placeholders must render")
		}
		inverted, ok := r.Invert(first)
		for _, v := range []string{country, org, surname} {
			if !clean.MatchString(sanitize(v)) {
				return
			}
		}
		if !ok {
			t.Fatalf("invert(%q) failed", first)
		}
		second, _ := r.Apply(inverted)
		if second != first {
			t.Fatalf("forward mapping not idempotent: %q then %q", first, second)
		}
	})
}

func BenchmarkMapORToRFC822(b *testing.B) {
	m := NewMapper([]*Rule{MustRule("{S}.{O}@{C}.example")}, nil)
	addr := Address{Country: "DE", Organization: "Modernization", Surname: "Operator"}
	for i := 0; i < b.N; i++ {
		if _, err := m.MapORToRFC822(addr); err != nil {
			b.Fatal(err)
		}
	}
}
