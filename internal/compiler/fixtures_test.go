package compiler

import (
	"github.com/roach88/rulegraph/internal/catalog"
	"github.com/roach88/rulegraph/internal/ir"
)

// testTypes is a small catalog shared by the compiler tests.
//
//	test.combo  = inner1(a <- this.in) -> inner2(x <- inner1.y), out = inner2.z
//	test.outer  = first:combo -> second:combo, out = second.out
//	test.pass   = out is this.in passed straight through
//	test.loop   = contains itself
//	test.fork   = contains itself twice
//	test.ping   = contains test.pong, which contains test.ping
func testTypes() []ir.ModuleType {
	return []ir.ModuleType{
		{UID: "test.event", Kind: ir.KindTrigger, Outputs: []ir.Output{{Name: "value", Type: ir.TypeNumber}}},
		{UID: "test.text", Kind: ir.KindTrigger, Outputs: []ir.Output{{Name: "text", Type: ir.TypeString}}},
		{
			UID:    "test.threshold",
			Kind:   ir.KindCondition,
			Inputs: []ir.Input{{Name: "value", Type: ir.TypeNumber, Required: true}},
			Config: []ir.ConfigDescription{{Name: "threshold", Type: ir.TypeNumber, Default: ir.Int(10)}},
		},
		{
			UID:     "test.inner1",
			Kind:    ir.KindAction,
			Inputs:  []ir.Input{{Name: "a", Type: ir.TypeNumber, Required: true}},
			Outputs: []ir.Output{{Name: "y", Type: ir.TypeNumber}},
			Config:  []ir.ConfigDescription{{Name: "zone", Type: ir.TypeString}},
		},
		{
			UID:     "test.inner2",
			Kind:    ir.KindAction,
			Inputs:  []ir.Input{{Name: "x", Type: ir.TypeNumber, Required: true}},
			Outputs: []ir.Output{{Name: "z", Type: ir.TypeNumber}},
		},
		{
			UID:  "test.sink",
			Kind: ir.KindAction,
			Inputs: []ir.Input{
				{Name: "in", Type: ir.TypeNumber, Required: true},
				{Name: "note", Type: ir.TypeString},
			},
		},
		{
			UID:     "test.combo",
			Kind:    ir.KindAction,
			Inputs:  []ir.Input{{Name: "in", Type: ir.TypeNumber, Required: true}},
			Outputs: []ir.Output{{Name: "out", Type: ir.TypeNumber, From: &ir.PortRef{Module: "inner2", Output: "z"}}},
			Config:  []ir.ConfigDescription{{Name: "region", Type: ir.TypeString, Required: true}},
			Children: []ir.ModuleInstance{
				{
					ID: "inner1", Type: "test.inner1",
					Config: ir.Object{"zone": ir.String("$region")},
					Inputs: []ir.Connection{{Input: "a", Source: "this", Output: "in"}},
				},
				{
					ID: "inner2", Type: "test.inner2",
					Inputs: []ir.Connection{{Input: "x", Source: "inner1.y"}},
				},
			},
		},
		{
			UID:     "test.outer",
			Kind:    ir.KindAction,
			Inputs:  []ir.Input{{Name: "in", Type: ir.TypeNumber, Required: true}},
			Outputs: []ir.Output{{Name: "out", Type: ir.TypeNumber, From: &ir.PortRef{Module: "second", Output: "out"}}},
			Config:  []ir.ConfigDescription{{Name: "region", Type: ir.TypeString, Default: ir.String("eu")}},
			Children: []ir.ModuleInstance{
				{
					ID: "first", Type: "test.combo",
					Config: ir.Object{"region": ir.String("$region")},
					Inputs: []ir.Connection{{Input: "in", Source: "this.in"}},
				},
				{
					ID: "second", Type: "test.combo",
					Config: ir.Object{"region": ir.String("$region")},
					Inputs: []ir.Connection{{Input: "in", Source: "first.out"}},
				},
			},
		},
		{
			UID:     "test.pass",
			Kind:    ir.KindAction,
			Inputs:  []ir.Input{{Name: "in", Type: ir.TypeNumber}},
			Outputs: []ir.Output{{Name: "out", Type: ir.TypeNumber, From: &ir.PortRef{Module: "this", Output: "in"}}},
			Children: []ir.ModuleInstance{
				{ID: "inner", Type: "test.inner2", Inputs: []ir.Connection{{Input: "x", Source: "this.in"}}},
			},
		},
		{
			UID:      "test.loop",
			Kind:     ir.KindAction,
			Children: []ir.ModuleInstance{{ID: "self", Type: "test.loop"}},
		},
		{
			UID:  "test.fork",
			Kind: ir.KindAction,
			Children: []ir.ModuleInstance{
				{ID: "left", Type: "test.fork"},
				{ID: "right", Type: "test.fork"},
			},
		},
		{
			UID:      "test.ping",
			Kind:     ir.KindAction,
			Children: []ir.ModuleInstance{{ID: "pong", Type: "test.pong"}},
		},
		{
			UID:      "test.pong",
			Kind:     ir.KindAction,
			Children: []ir.ModuleInstance{{ID: "ping", Type: "test.ping"}},
		},
	}
}

func testCatalog(templates ...ir.Template) *catalog.Snapshot {
	return catalog.NewSnapshot(testTypes(), templates...)
}

func eventTrigger(id string) ir.ModuleInstance {
	return ir.ModuleInstance{ID: id, Type: "test.event"}
}

func conn(input, ref string) ir.Connection {
	return ir.Connection{Input: input, Source: ref}
}

func moduleIDs(mods []ir.ModuleInstance) []string {
	out := make([]string, len(mods))
	for i, m := range mods {
		out[i] = m.ID
	}
	return out
}
