package configspace

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed settings.yml
var defaultSettingsYAML []byte

// ParseSchemaYAML parses a settings universe document into a schema tree.
//
// The document maps attribute names to domains. A domain is a sequence of
// allowed values, the scalar ANY, or a mapping whose keys are the allowed
// values and whose entries optionally declare the sub-attributes that value
// activates:
//
//	arch: [x86_64, armv8]
//	build_flags: ANY
//	compiler:
//	  gcc:
//	    version: ["12", "13"]
//	  clang:
//	    version: ["17", "18"]
func ParseSchemaYAML(data []byte) (Schema, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parse settings schema: %w", err)
	}
	if root.Kind == 0 || len(root.Content) == 0 {
		return Schema{}, nil
	}
	doc := root.Content[0]
	if doc.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("parse settings schema: top level must be a mapping, got %s", nodeKind(doc))
	}
	return parseSchemaNode(doc, "")
}

// DefaultSchema returns the settings universe shipped with the binary.
func DefaultSchema() Schema {
	s, err := ParseSchemaYAML(defaultSettingsYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded settings schema is invalid: %v", err))
	}
	return s
}

func parseSchemaNode(node *yaml.Node, path string) (Schema, error) {
	schema := make(Schema, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i]
		val := node.Content[i+1]
		attrPath := key.Value
		if path != "" {
			attrPath = path + "." + key.Value
		}
		d, err := parseDomainNode(val, attrPath)
		if err != nil {
			return nil, err
		}
		schema[key.Value] = d
	}
	return schema, nil
}

func parseDomainNode(node *yaml.Node, path string) (*Domain, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			return nil, fmt.Errorf("parse settings schema: %q has an empty domain", path)
		}
		if node.Value == AnySentinel {
			return &Domain{Kind: DomainAny}, nil
		}
		return &Domain{Kind: DomainEnum, Values: []string{node.Value}}, nil

	case yaml.SequenceNode:
		d := &Domain{Kind: DomainEnum}
		for _, item := range node.Content {
			if item.Kind != yaml.ScalarNode {
				return nil, fmt.Errorf("parse settings schema: %q has a non-scalar domain member", path)
			}
			if item.Value == AnySentinel {
				return &Domain{Kind: DomainAny}, nil
			}
			if item.Tag == "!!null" {
				d.Values = append(d.Values, NoneValue)
				continue
			}
			d.Values = append(d.Values, item.Value)
		}
		if len(d.Values) == 0 {
			return nil, fmt.Errorf("parse settings schema: %q has an empty domain", path)
		}
		return d, nil

	case yaml.MappingNode:
		d := &Domain{Kind: DomainEnum}
		for i := 0; i+1 < len(node.Content); i += 2 {
			key := node.Content[i]
			val := node.Content[i+1]
			member := key.Value
			if key.Tag == "!!null" {
				member = NoneValue
			}
			d.Values = append(d.Values, member)
			switch val.Kind {
			case yaml.ScalarNode:
				if val.Tag != "!!null" {
					return nil, fmt.Errorf("parse settings schema: %q value %q must map to null or sub-attributes", path, member)
				}
			case yaml.MappingNode:
				sub, err := parseSchemaNode(val, path)
				if err != nil {
					return nil, err
				}
				if d.Sub == nil {
					d.Sub = make(map[string]Schema)
				}
				d.Sub[member] = sub
			default:
				return nil, fmt.Errorf("parse settings schema: %q value %q must map to null or sub-attributes", path, member)
			}
		}
		if len(d.Values) == 0 {
			return nil, fmt.Errorf("parse settings schema: %q has an empty domain", path)
		}
		return d, nil

	default:
		return nil, fmt.Errorf("parse settings schema: %q has unsupported node kind %s", path, nodeKind(node))
	}
}

func nodeKind(node *yaml.Node) string {
	switch node.Kind {
	case yaml.DocumentNode:
		return "document"
	case yaml.SequenceNode:
		return "sequence"
	case yaml.MappingNode:
		return "mapping"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	}
	return "unknown"
}
