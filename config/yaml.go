/*
Copyright 2024 The MCI Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"strconv"

	yaml "gopkg.in/yaml.v3"
)

// The parser walks yaml.Node trees rather than unmarshalling into
// structs directly: pipeline YAML is heavily polymorphic (`on` is a
// string, a list or a mapping; `runs-on` and `needs` are strings or
// lists) and matrix variables must keep their declaration order, which
// plain map unmarshalling throws away.

// entry is one key/value pair of a YAML mapping, in document order.
type entry struct {
	key   string
	value *yaml.Node
}

// resolve follows aliases and unwraps single-document nodes.
func resolve(n *yaml.Node) *yaml.Node {
	for n != nil {
		switch {
		case n.Kind == yaml.DocumentNode && len(n.Content) == 1:
			n = n.Content[0]
		case n.Kind == yaml.AliasNode:
			n = n.Alias
		default:
			return n
		}
	}
	return nil
}

func isMapping(n *yaml.Node) bool {
	n = resolve(n)
	return n != nil && n.Kind == yaml.MappingNode
}

func isSequence(n *yaml.Node) bool {
	n = resolve(n)
	return n != nil && n.Kind == yaml.SequenceNode
}

func isScalar(n *yaml.Node) bool {
	n = resolve(n)
	return n != nil && n.Kind == yaml.ScalarNode
}

// isNull reports whether the node is an explicit or implicit null,
// e.g. the value of a key with no content (`push:`).
func isNull(n *yaml.Node) bool {
	n = resolve(n)
	return n == nil || (n.Kind == yaml.ScalarNode && (n.Tag == "!!null" || n.Tag == ""))
}

// entries returns the key/value pairs of a mapping node in document
// order. Non-mapping nodes yield nothing.
func entries(n *yaml.Node) []entry {
	n = resolve(n)
	if n == nil || n.Kind != yaml.MappingNode {
		return nil
	}
	out := make([]entry, 0, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		out = append(out, entry{key: n.Content[i].Value, value: n.Content[i+1]})
	}
	return out
}

// lookup finds the value for the first of the given keys present in a
// mapping node. Kebab-case and snake_case spellings are passed as
// alternates by callers.
func lookup(n *yaml.Node, keys ...string) *yaml.Node {
	for _, e := range entries(n) {
		for _, k := range keys {
			if e.key == k {
				return e.value
			}
		}
	}
	return nil
}

// items returns the elements of a sequence node.
func items(n *yaml.Node) []*yaml.Node {
	n = resolve(n)
	if n == nil || n.Kind != yaml.SequenceNode {
		return nil
	}
	return n.Content
}

// asString returns the scalar string value of a node, or def.
func asString(n *yaml.Node, def string) string {
	n = resolve(n)
	if n == nil || n.Kind != yaml.ScalarNode || n.Tag == "!!null" {
		return def
	}
	return n.Value
}

// asBool returns the scalar boolean value of a node, or def.
func asBool(n *yaml.Node, def bool) bool {
	n = resolve(n)
	if n == nil || n.Kind != yaml.ScalarNode {
		return def
	}
	b, err := strconv.ParseBool(n.Value)
	if err != nil {
		return def
	}
	return b
}

// asInt returns the scalar integer value of a node, or def.
func asInt(n *yaml.Node, def int) int {
	n = resolve(n)
	if n == nil || n.Kind != yaml.ScalarNode {
		return def
	}
	i, err := strconv.Atoi(n.Value)
	if err != nil {
		return def
	}
	return i
}

// asStringList normalizes a scalar or a sequence of scalars to a
// string slice. Anything else yields nil.
func asStringList(n *yaml.Node) []string {
	n = resolve(n)
	if n == nil {
		return nil
	}
	if n.Kind == yaml.ScalarNode {
		if n.Tag == "!!null" {
			return nil
		}
		return []string{n.Value}
	}
	if n.Kind == yaml.SequenceNode {
		out := make([]string, 0, len(n.Content))
		for _, c := range n.Content {
			out = append(out, asString(c, ""))
		}
		return out
	}
	return nil
}

// asStringMap flattens a mapping of scalars into a map. Non-scalar
// values are stringified with their YAML rendering.
func asStringMap(n *yaml.Node) map[string]string {
	es := entries(n)
	if len(es) == 0 {
		return nil
	}
	out := make(map[string]string, len(es))
	for _, e := range es {
		out[e.key] = asString(e.value, "")
	}
	return out
}

// asValue converts a node into the generic tree used for free-form
// fields such as `with` inputs and matrix values.
func asValue(n *yaml.Node) interface{} {
	n = resolve(n)
	if n == nil {
		return nil
	}
	switch n.Kind {
	case yaml.ScalarNode:
		switch n.Tag {
		case "!!null":
			return nil
		case "!!bool":
			b, _ := strconv.ParseBool(n.Value)
			return b
		case "!!int":
			i, _ := strconv.ParseInt(n.Value, 10, 64)
			return i
		case "!!float":
			f, _ := strconv.ParseFloat(n.Value, 64)
			return f
		default:
			return n.Value
		}
	case yaml.SequenceNode:
		out := make([]interface{}, 0, len(n.Content))
		for _, c := range n.Content {
			out = append(out, asValue(c))
		}
		return out
	case yaml.MappingNode:
		out := make(map[string]interface{}, len(n.Content)/2)
		for _, e := range entries(n) {
			out[e.key] = asValue(e.value)
		}
		return out
	}
	return nil
}
