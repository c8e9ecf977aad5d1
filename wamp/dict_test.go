package wamp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeDict(t *testing.T) {
	// Build a details dict the way a codec would deliver it: generic map and
	// slice types nested under plain strings.
	clientRoles := map[string]Dict{
		"publisher": {},
		"subscriber": {
			"junk": struct{}{}},
		"callee": {
			"Hello": "world"},
		"caller": {},
	}
	clientRoles["caller"]["features"] = map[string]bool{"call_timeout": true}
	dict := Dict{
		"roles":       clientRoles,
		"authmethods": []string{"anonymous", "ticket"},
	}

	norm := NormalizeDict(dict)
	require.NotNil(t, norm)

	// Nested maps become Dicts addressable by path.
	flag, err := DictFlag(norm,
		[]string{"roles", "caller", "features", "call_timeout"})
	require.NoError(t, err)
	require.True(t, flag)

	_, err = DictFlag(norm,
		[]string{"roles", "publisher", "features", "call_timeout"})
	require.Error(t, err, "publisher should not have feature call_timeout")

	// Nested slices become Lists.
	v, err := DictValue(norm, []string{"authmethods"})
	require.NoError(t, err)
	methods, ok := AsList(v)
	require.True(t, ok)
	require.Len(t, methods, 2)

	// Not a map at all.
	require.Nil(t, NormalizeDict("not a dict"))
}

func TestDictChildValue(t *testing.T) {
	dict := Dict{
		"roles": Dict{
			"subscriber": Dict{
				"features": Dict{
					"publisher_identification": true,
				},
			},
			"publisher": struct{}{},
		},
	}

	child := DictChild(dict, "roles")
	require.NotNil(t, child)
	require.Nil(t, DictChild(dict, "missing"))
	// A child that is not any kind of map has no Dict form.
	require.Nil(t, DictChild(child, "publisher"))

	v, err := DictValue(dict,
		[]string{"roles", "subscriber", "features", "publisher_identification"})
	require.NoError(t, err)
	require.Equal(t, true, v)

	_, err = DictValue(dict, []string{"roles", "observer", "features"})
	require.Error(t, err, "expected error for missing path")
}

func TestOptions(t *testing.T) {
	options := Dict{
		"disclose_me":  true,
		"call_timeout": 5000,
		"mode":         "killnowait",
		"flags": Dict{
			"flag_a":   true,
			"flag_b":   false,
			"not_flag": 123,
		},
	}

	options = NormalizeDict(options)

	require.True(t, OptionFlag(options, "disclose_me"))
	require.False(t, OptionFlag(options, "not_here"))
	require.False(t, OptionFlag(options, "call_timeout"))
	require.Empty(t, OptionString(options, "not_here"))
	require.Empty(t, OptionString(options, "call_timeout"))
	require.Equal(t, int64(5000), OptionInt64(options, "call_timeout"))
	require.Equal(t, "killnowait", OptionString(options, "mode"))

	boolOpts := map[string]bool{"disclose_me": true}

	require.True(t, OptionFlag(NormalizeDict(boolOpts), "disclose_me"))
	require.False(t, OptionFlag(NormalizeDict(boolOpts), "not_here"))

	fval, err := DictFlag(options, []string{"flags", "flag_a"})
	require.NoError(t, err, "Failed to get flag")
	require.True(t, fval, "Failed to get flag")

	fval, err = DictFlag(options, []string{"flags", "flag_b"})
	require.NoError(t, err, "Failed to get flag")
	require.False(t, fval, "Failed to get flag")

	_, err = DictFlag(options, []string{"flags", "flag_c"})
	require.Error(t, err, "Expected error for invalid flag path")
	_, err = DictFlag(options, []string{"no_flags", "flag_a"})
	require.Error(t, err, "Expected error for invalid flag path")
	_, err = DictFlag(options, []string{"flags", "not_flag"})
	require.Error(t, err, "Expected error for non-bool flag value")

	id := ID(1234)
	newDict := SetOption(nil, "id", id)
	require.Equal(t, id, OptionID(newDict, "id"), "failed to get id")

	require.Zero(t, OptionInt64(options, "mode"),
		"Expected 0 for invalid int64 option")
}
