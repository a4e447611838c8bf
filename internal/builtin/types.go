// Package builtin provides the core.* module library: trigger, condition
// and action types together with their handlers.
package builtin

import (
	"log/slog"

	"github.com/roach88/rulegraph/internal/catalog"
	"github.com/roach88/rulegraph/internal/handler"
	"github.com/roach88/rulegraph/internal/ir"
)

// Type UIDs.
const (
	Event   = "core.event"
	Text    = "core.text"
	Cron    = "core.cron"
	File    = "core.file"
	Webhook = "core.webhook"

	Compare = "core.compare"
	Match   = "core.match"

	Echo   = "core.echo"
	Add    = "core.add"
	Format = "core.format"
	Log    = "core.log"
	Delay  = "core.delay"
)

func in(name, typ string, required bool) ir.Input {
	return ir.Input{Name: name, Type: typ, Required: required}
}

func out(name, typ string) ir.Output {
	return ir.Output{Name: name, Type: typ}
}

// Types returns every builtin module type.
func Types() []ir.ModuleType {
	return []ir.ModuleType{
		{
			UID: Event, Kind: ir.KindTrigger, Label: "Event",
			Outputs: []ir.Output{out("value", ir.TypeNumber)},
		},
		{
			UID: Text, Kind: ir.KindTrigger, Label: "Text",
			Outputs: []ir.Output{out("text", ir.TypeString)},
		},
		{
			UID: Cron, Kind: ir.KindTrigger, Label: "Schedule",
			Outputs: []ir.Output{out("time", ir.TypeString)},
			Config: []ir.ConfigDescription{
				{Name: "schedule", Type: ir.TypeString, Required: true},
			},
		},
		{
			UID: File, Kind: ir.KindTrigger, Label: "File change",
			Outputs: []ir.Output{out("path", ir.TypeString), out("op", ir.TypeString)},
			Config: []ir.ConfigDescription{
				{Name: "path", Type: ir.TypeString, Required: true},
				{Name: "events", Type: ir.TypeList, Default: ir.List{ir.String("create"), ir.String("write"), ir.String("remove")}},
				{Name: "ignore", Type: ir.TypeList},
				{Name: "debounce", Type: ir.TypeString, Default: ir.String("0s")},
			},
		},
		{
			UID: Webhook, Kind: ir.KindTrigger, Label: "Webhook",
			Outputs: []ir.Output{out("body", ir.TypeObject)},
		},
		{
			UID: Compare, Kind: ir.KindCondition, Label: "Compare",
			Inputs: []ir.Input{in("value", ir.TypeNumber, true)},
			Config: []ir.ConfigDescription{
				{Name: "op", Type: ir.TypeString, Default: ir.String("gt")},
				{Name: "operand", Type: ir.TypeNumber, Default: ir.Int(0)},
			},
		},
		{
			UID: Match, Kind: ir.KindCondition, Label: "Match",
			Inputs: []ir.Input{in("text", ir.TypeString, true)},
			Config: []ir.ConfigDescription{
				{Name: "pattern", Type: ir.TypeString, Required: true},
			},
		},
		{
			UID: Echo, Kind: ir.KindAction, Label: "Echo",
			Inputs:  []ir.Input{in("value", ir.TypeNumber, true)},
			Outputs: []ir.Output{out("value", ir.TypeNumber)},
		},
		{
			UID: Add, Kind: ir.KindAction, Label: "Add",
			Inputs:  []ir.Input{in("a", ir.TypeNumber, true), in("b", ir.TypeNumber, true)},
			Outputs: []ir.Output{out("sum", ir.TypeNumber)},
		},
		{
			UID: Format, Kind: ir.KindAction, Label: "Format",
			Inputs:  []ir.Input{in("value", ir.TypeNumber, false), in("text", ir.TypeString, false)},
			Outputs: []ir.Output{out("text", ir.TypeString)},
			Config: []ir.ConfigDescription{
				{Name: "format", Type: ir.TypeString, Default: ir.String("{value}")},
			},
		},
		{
			UID: Log, Kind: ir.KindAction, Label: "Log",
			Inputs: []ir.Input{in("text", ir.TypeString, false)},
			Config: []ir.ConfigDescription{
				{Name: "message", Type: ir.TypeString, Default: ir.String("rule fired")},
				{Name: "level", Type: ir.TypeString, Default: ir.String("info")},
			},
		},
		{
			UID: Delay, Kind: ir.KindAction, Label: "Delay",
			Config: []ir.ConfigDescription{
				{Name: "duration", Type: ir.TypeString, Required: true},
			},
		},
	}
}

// TypeRegistrar is the part of catalog.Catalog that Register needs.
type TypeRegistrar interface {
	RegisterType(t ir.ModuleType)
}

var _ TypeRegistrar = (*catalog.Catalog)(nil)

// Register adds every builtin type to types and its handler to handlers.
// core.log writes through logger; nil means slog.Default().
func Register(types TypeRegistrar, handlers *handler.Registry, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	byUID := make(map[string]ir.ModuleType)
	for _, mt := range Types() {
		types.RegisterType(mt)
		byUID[mt.UID] = mt
	}

	handlers.RegisterCondition(Compare, compareFactory(byUID[Compare]))
	handlers.RegisterCondition(Match, matchFactory(byUID[Match]))

	handlers.Action(Echo, handler.ActionFunc(echo))
	handlers.Action(Add, handler.ActionFunc(add))
	handlers.RegisterAction(Format, formatFactory(byUID[Format]))
	handlers.RegisterAction(Log, logFactory(byUID[Log], logger))
	handlers.RegisterAction(Delay, delayFactory(byUID[Delay]))
}
