package compiler

import (
	"errors"
	"testing"

	"cuelang.org/go/cue/cuecontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rulegraph/internal/ir"
)

func TestCompileDefinitions(t *testing.T) {
	ctx := cuecontext.New()
	v := ctx.CompileString(`
		type: "demo.event": {
			kind: "trigger"
			outputs: [{name: "value", type: "Number"}]
		}
		type: "demo.step": {
			kind: "action"
			inputs: [{name: "x", type: "Number", required: true}]
			outputs: [{name: "y", type: "Number"}]
			config: [{name: "factor", type: "Number", default: 2}]
		}
		type: "demo.pair": {
			kind: "action"
			inputs: [{name: "in", type: "Number", required: true}]
			outputs: [{name: "out", type: "Number", from: "second.y"}]
			config: [{name: "region", type: "String", required: true, read_only: false}]
			children: [
				{id: "first", type: "demo.step", inputs: {x: "this.in"}},
				{id: "second", type: "demo.step", config: {factor: 1.5}, inputs: {x: {module: "first", output: "y"}}},
			]
		}

		template: "demo.tpl": {
			description: "doubles"
			params: [{name: "factor", type: "Number", default: 2}]
			triggers: [{id: "t1", type: "demo.event"}]
			actions: [{id: "a1", type: "demo.step", config: {factor: "$factor"}, inputs: {x: "t1.value"}}]
		}

		rule: r1: {
			name: "direct"
			triggers: [{id: "t1", type: "demo.event"}]
			actions: [{id: "P", type: "demo.pair", config: {region: "eu", tags: ["a", "b"]}, inputs: {"in": "t1.value"}}]
		}
		rule: r2: {
			template: "demo.tpl"
			config: {factor: 3}
		}
	`)
	require.NoError(t, v.Err())

	defs, err := CompileDefinitions(v)
	require.NoError(t, err)

	require.Len(t, defs.Types, 3)
	pair := defs.Types[2]
	assert.Equal(t, "demo.pair", pair.UID)
	assert.Equal(t, ir.KindAction, pair.Kind)
	assert.True(t, pair.IsComposite())
	assert.Equal(t, &ir.PortRef{Module: "second", Output: "y"}, pair.Outputs[0].From)
	assert.Equal(t, []ir.Connection{{Input: "x", Source: "this.in"}}, pair.Children[0].Inputs)
	assert.Equal(t, []ir.Connection{{Input: "x", Source: "first", Output: "y"}}, pair.Children[1].Inputs)
	assert.Equal(t, ir.Float(1.5), pair.Children[1].Config["factor"])
	assert.True(t, pair.Config[0].Required)

	step := defs.Types[1]
	assert.Equal(t, ir.Int(2), step.Config[0].Default)
	assert.True(t, step.Inputs[0].Required)

	require.Len(t, defs.Templates, 1)
	assert.Equal(t, "doubles", defs.Templates[0].Description)
	assert.Equal(t, ir.String("$factor"), defs.Templates[0].Actions[0].Config["factor"])

	require.Len(t, defs.Rules, 2)
	assert.Equal(t, "r1", defs.Rules[0].UID)
	assert.Equal(t, "direct", defs.Rules[0].Name)
	assert.Equal(t, ir.List{ir.String("a"), ir.String("b")}, defs.Rules[0].Actions[0].Config["tags"])
	assert.Equal(t, "demo.tpl", defs.Rules[1].Template)
	assert.Equal(t, ir.Object{"factor": ir.Int(3)}, defs.Rules[1].Config)
}

func TestCompiledDefinitionsBuild(t *testing.T) {
	ctx := cuecontext.New()
	v := ctx.CompileString(`
		type: "demo.event": {kind: "trigger", outputs: [{name: "value", type: "Number"}]}
		type: "demo.gate": {
			kind: "condition"
			inputs: [{name: "value", type: "Number", required: true}]
		}
		rule: r1: {
			triggers: [{id: "t1", type: "demo.event"}]
			conditions: [{id: "c1", type: "demo.gate"}]
		}
	`)
	defs, err := CompileDefinitions(v)
	require.NoError(t, err)

	_, vs := Build(defs.Rules[0], defs.Snapshot())
	require.Len(t, vs, 1)
	assert.Equal(t, MissingConnection, vs[0].Kind)
}

func TestCompileModuleTypeMissingKind(t *testing.T) {
	ctx := cuecontext.New()
	v := ctx.CompileString(`type: "demo.bad": {outputs: []}`)

	_, err := CompileDefinitions(v)
	require.Error(t, err)

	var ce *CompileError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "type.demo.bad.kind", ce.Field)
}

func TestCompileModuleTypeInvalidKind(t *testing.T) {
	ctx := cuecontext.New()
	v := ctx.CompileString(`type: "demo.bad": {kind: "sensor"}`)

	_, err := CompileDefinitions(v)
	var ce *CompileError
	require.True(t, errors.As(err, &ce))
	assert.Contains(t, ce.Message, "sensor")
}

func TestCompileRuleTemplateWithModules(t *testing.T) {
	ctx := cuecontext.New()
	v := ctx.CompileString(`
		rule: r1: {
			template: "demo.tpl"
			triggers: [{id: "t1", type: "demo.event"}]
		}
	`)

	_, err := CompileDefinitions(v)
	var ce *CompileError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "rule.r1", ce.Field)
}

func TestCompileBadConnection(t *testing.T) {
	ctx := cuecontext.New()
	v := ctx.CompileString(`
		rule: r1: {
			actions: [{id: "a1", type: "demo.step", inputs: {x: 3}}]
		}
	`)

	_, err := CompileDefinitions(v)
	var ce *CompileError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "rule.r1.actions[0].inputs.x", ce.Field)
}

func TestCompileConfigMustBeStruct(t *testing.T) {
	ctx := cuecontext.New()
	v := ctx.CompileString(`
		rule: r1: {
			actions: [{id: "a1", type: "demo.step", config: [1, 2]}]
		}
	`)

	_, err := CompileDefinitions(v)
	var ce *CompileError
	require.True(t, errors.As(err, &ce))
	assert.Contains(t, ce.Message, "must be a struct")
}
