package compiler

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rulegraph/internal/ir"
)

func TestPlaceholder(t *testing.T) {
	tests := []struct {
		in   string
		name string
		ok   bool
	}{
		{"$region", "region", true},
		{"$_x1", "_x1", true},
		{"region", "", false},
		{"$", "", false},
		{"$1abc", "", false},
		{"prefix-$region", "", false},
		{"$region-suffix", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			name, ok := Placeholder(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.name, name)
		})
	}
}

func TestResolveValueSubstitutesNested(t *testing.T) {
	p := Params{Values: ir.Object{"n": ir.Int(3), "s": ir.String("hi")}}
	in := ir.Object{
		"count": ir.String("$n"),
		"list":  ir.List{ir.String("$s"), ir.Int(1)},
		"plain": ir.String("keep"),
	}

	out, err := ResolveValue(in, p)
	require.NoError(t, err)
	assert.Equal(t, ir.Object{
		"count": ir.Int(3),
		"list":  ir.List{ir.String("hi"), ir.Int(1)},
		"plain": ir.String("keep"),
	}, out)
}

func TestResolveValueIsNotRecursive(t *testing.T) {
	p := Params{Values: ir.Object{"a": ir.String("$b"), "b": ir.Int(1)}}

	out, err := ResolveValue(ir.String("$a"), p)
	require.NoError(t, err)
	assert.Equal(t, ir.String("$b"), out)
}

func TestResolveValueUsesDefault(t *testing.T) {
	p := Params{Schema: []ir.ConfigDescription{{Name: "threshold", Type: ir.TypeNumber, Default: ir.Int(10)}}}

	out, err := ResolveValue(ir.String("$threshold"), p)
	require.NoError(t, err)
	assert.Equal(t, ir.Int(10), out)
}

func TestResolveValueUnbound(t *testing.T) {
	_, err := ResolveValue(ir.List{ir.String("$missing")}, Params{})
	require.Error(t, err)

	var ue *UnboundParameterError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, "missing", ue.Name)
}

func TestNewParamsReadOnly(t *testing.T) {
	schema := []ir.ConfigDescription{{Name: "mode", Type: ir.TypeString, Default: ir.String("fast"), ReadOnly: true}}

	_, err := NewParams(schema, ir.Object{"mode": ir.String("fast")})
	assert.NoError(t, err, "restating the default is allowed")

	_, err = NewParams(schema, ir.Object{"mode": ir.String("slow")})
	var ro *ReadOnlyParameterError
	require.True(t, errors.As(err, &ro))
	assert.Equal(t, "mode", ro.Name)
}

func TestResolveConnectionPlaceholders(t *testing.T) {
	p := Params{Values: ir.Object{"src": ir.String("t1"), "ref": ir.String("t2.value")}}

	c, err := resolveConnection("a1", ir.Connection{Input: "x", Source: "$src", Output: "value"}, p)
	require.NoError(t, err)
	assert.Equal(t, ir.Connection{Input: "x", Source: "t1", Output: "value"}, c)

	c, err = resolveConnection("a1", ir.Connection{Input: "x", Source: "$ref"}, p)
	require.NoError(t, err)
	assert.Equal(t, ir.Connection{Input: "x", Source: "t2", Output: "value"}, c)
}

func TestResolveConnectionRejectsNonString(t *testing.T) {
	p := Params{Values: ir.Object{"src": ir.Int(1)}}
	_, err := resolveConnection("a1", ir.Connection{Input: "x", Source: "$src", Output: "value"}, p)
	assert.Error(t, err)
}

func TestResolveConnectionMalformed(t *testing.T) {
	_, err := resolveConnection("a1", ir.Connection{Input: "x", Source: "nodot"}, Params{})

	var re *InvalidReferenceError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "a1", re.ModuleID)
	assert.Equal(t, "x", re.Input)
}

// =============================================================================
// Template instantiation
// =============================================================================

func thresholdTemplate() ir.Template {
	return ir.Template{
		UID:         "tpl.threshold",
		Description: "fires when value passes a threshold",
		Params:      []ir.ConfigDescription{{Name: "limit", Type: ir.TypeNumber, Default: ir.Int(10)}},
		Triggers:    []ir.ModuleInstance{eventTrigger("t1")},
		Conditions: []ir.ModuleInstance{{
			ID: "c1", Type: "test.threshold",
			Config: ir.Object{"threshold": ir.String("$limit")},
			Inputs: []ir.Connection{conn("value", "t1.value")},
		}},
	}
}

func TestInstantiateTemplate(t *testing.T) {
	cat := testCatalog(thresholdTemplate())
	rule := ir.Rule{UID: "r1", Template: "tpl.threshold", Config: ir.Object{"limit": ir.Int(20)}}

	inst, p, err := Instantiate(rule, cat)
	require.NoError(t, err)
	assert.Empty(t, inst.Template)
	assert.Equal(t, "fires when value passes a threshold", inst.Description)
	assert.Len(t, inst.Conditions, 1)

	v, ok := p.Lookup("limit")
	require.True(t, ok)
	assert.Equal(t, ir.Int(20), v)
}

func TestInstantiateUnknownTemplate(t *testing.T) {
	_, _, err := Instantiate(ir.Rule{UID: "r1", Template: "nope"}, testCatalog())

	var ut *UnknownTemplateError
	require.True(t, errors.As(err, &ut))
	assert.Equal(t, "nope", ut.TemplateUID)
}
