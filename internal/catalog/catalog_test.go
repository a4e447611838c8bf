package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rulegraph/internal/ir"
)

func TestCatalog_RegisterAndResolve(t *testing.T) {
	c := New()
	c.RegisterType(ir.ModuleType{UID: "core.event", Kind: ir.KindTrigger})

	mt, ok := c.ResolveType("core.event")
	require.True(t, ok)
	assert.Equal(t, ir.KindTrigger, mt.Kind)

	_, ok = c.ResolveType("missing")
	assert.False(t, ok)
}

func TestCatalog_ReRegistrationReplaces(t *testing.T) {
	c := New()
	c.RegisterType(ir.ModuleType{UID: "x", Kind: ir.KindAction, Label: "old"})
	c.RegisterType(ir.ModuleType{UID: "x", Kind: ir.KindAction, Label: "new"})

	mt, ok := c.ResolveType("x")
	require.True(t, ok)
	assert.Equal(t, "new", mt.Label)
	assert.Equal(t, []string{"x"}, c.TypeUIDs())
}

func TestCatalog_SnapshotIsolated(t *testing.T) {
	c := New()
	c.RegisterType(ir.ModuleType{UID: "a", Kind: ir.KindAction})
	c.RegisterTemplate(ir.Template{UID: "tpl"})

	snap := c.Snapshot()
	c.RegisterType(ir.ModuleType{UID: "b", Kind: ir.KindAction})
	c.RemoveType("a")

	_, ok := snap.ResolveType("a")
	assert.True(t, ok, "snapshot keeps types removed later")
	_, ok = snap.ResolveType("b")
	assert.False(t, ok, "snapshot does not see later registrations")
	_, ok = snap.ResolveTemplate("tpl")
	assert.True(t, ok)
}

func TestNewSnapshot_LaterWins(t *testing.T) {
	snap := NewSnapshot([]ir.ModuleType{
		{UID: "a", Label: "first"},
		{UID: "a", Label: "second"},
		{UID: "0"},
	})

	mt, _ := snap.ResolveType("a")
	assert.Equal(t, "second", mt.Label)

	types := snap.Types()
	require.Len(t, types, 2)
	assert.Equal(t, "0", types[0].UID)
}
