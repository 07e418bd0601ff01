package flags

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistry_Enabled(t *testing.T) {
	tests := []struct {
		name     string
		registry *Registry
		flag     string
		expected bool
	}{
		{
			name:     "configured true",
			registry: New(map[string]bool{"feature-a": true}),
			flag:     "feature-a",
			expected: true,
		},
		{
			name:     "config overrides default",
			registry: New(map[string]bool{FlagSessionPersistence: false}),
			flag:     FlagSessionPersistence,
			expected: false,
		},
		{
			name:     "default applies when config is silent",
			registry: New(nil),
			flag:     FlagInteractionRequests,
			expected: true,
		},
		{
			name:     "unknown flag is off",
			registry: New(map[string]bool{"feature-a": true}),
			flag:     "unknown-flag",
			expected: false,
		},
		{
			name:     "nil registry is off",
			registry: nil,
			flag:     FlagSummaryTitles,
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expected, tt.registry.Enabled(tt.flag))
		})
	}
}

func TestRegistry_All_ReturnsCopy(t *testing.T) {
	r := New(map[string]bool{"x": true})
	all := r.All()
	all["x"] = false
	require.True(t, r.Enabled("x"))

	var nilReg *Registry
	require.Empty(t, nilReg.All())
}

func TestRegistry_EnabledNames(t *testing.T) {
	r := New(map[string]bool{FlagSummaryTitles: false, "zeta": true})
	require.Equal(t, []string{FlagInteractionRequests, FlagSessionPersistence, "zeta"}, r.EnabledNames())
}
