package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content hashes. The version suffix allows the
// encoding to change without colliding with old hashes.
const (
	DomainGraph   = "rulegraph/graph/v1"
	DomainContext = "rulegraph/context/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null separator removes any ambiguity at the domain/data boundary.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// GraphHash identifies a flattened graph by content. Version is excluded so
// that resubmitting an unchanged rule hashes the same.
func GraphHash(g *RuleGraph) (string, error) {
	canonical, err := MarshalCanonical(GraphObject(g))
	if err != nil {
		return "", fmt.Errorf("GraphHash: %w", err)
	}
	return hashWithDomain(DomainGraph, canonical), nil
}

// ContextHash identifies the contents of a firing context.
func ContextHash(ctx Object) (string, error) {
	canonical, err := MarshalCanonical(ctx)
	if err != nil {
		return "", fmt.Errorf("ContextHash: %w", err)
	}
	return hashWithDomain(DomainContext, canonical), nil
}

// GraphObject renders the content of g as an Object, the form used for
// hashing, golden snapshots and the store. The name is part of it, so a
// rename is a redefinition.
func GraphObject(g *RuleGraph) Object {
	obj := Object{
		"rule_id":    String(g.RuleID),
		"triggers":   nodeList(g.Triggers),
		"conditions": nodeList(g.Conditions),
		"actions":    nodeList(g.Actions),
	}
	if g.Name != "" {
		obj["name"] = String(g.Name)
	}
	return obj
}

func nodeList(nodes []Node) List {
	out := make(List, len(nodes))
	for i, n := range nodes {
		bindings := make(List, len(n.Bindings))
		for j, b := range n.Bindings {
			bindings[j] = Object{
				"input":    String(b.Input),
				"source":   String(b.Source),
				"output":   String(b.Output),
				"required": Bool(b.Required),
			}
		}
		cfg := n.Config
		if cfg == nil {
			cfg = Object{}
		}
		out[i] = Object{
			"id":       String(n.ID),
			"type":     String(n.Type),
			"kind":     String(string(n.Kind)),
			"config":   cfg,
			"bindings": bindings,
		}
	}
	return out
}
