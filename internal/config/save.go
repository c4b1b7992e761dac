package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// SetValue sets a dotted key (for example "log.level") in the config file
// to a scalar value. Comments and the layout of other keys survive because
// the file is edited as a yaml.Node tree. Missing sections are created.
func SetValue(configPath, key, value string) error {
	parts := strings.Split(key, ".")
	for _, p := range parts {
		if p == "" {
			return fmt.Errorf("invalid key %q", key)
		}
	}

	data, err := os.ReadFile(configPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading config: %w", err)
	}

	var doc yaml.Node
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parsing config: %w", err)
		}
	}
	if doc.Kind == 0 {
		doc = yaml.Node{
			Kind:    yaml.DocumentNode,
			Content: []*yaml.Node{{Kind: yaml.MappingNode}},
		}
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return fmt.Errorf("config root is not a mapping")
	}

	node := doc.Content[0]
	for i, part := range parts {
		last := i == len(parts)-1
		child := lookup(node, part)
		switch {
		case child == nil && last:
			node.Content = append(node.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Value: part},
				scalar(value))
		case child == nil:
			child = &yaml.Node{Kind: yaml.MappingNode}
			node.Content = append(node.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Value: part},
				child)
			node = child
		case last:
			if child.Kind != yaml.ScalarNode {
				return fmt.Errorf("%s is a section, not a value", key)
			}
			s := scalar(value)
			s.HeadComment, s.LineComment, s.FootComment = child.HeadComment, child.LineComment, child.FootComment
			*child = *s
		default:
			if child.Kind != yaml.MappingNode {
				return fmt.Errorf("%s is not a section", strings.Join(parts[:i+1], "."))
			}
			node = child
		}
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	if err := os.WriteFile(configPath, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

func lookup(mapping *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return mapping.Content[i+1]
		}
	}
	return nil
}

// scalar lets yaml resolve the tag, so "true" stays a bool and "2s" a string.
func scalar(value string) *yaml.Node {
	var n yaml.Node
	if err := yaml.Unmarshal([]byte(value), &n); err == nil &&
		len(n.Content) == 1 && n.Content[0].Kind == yaml.ScalarNode {
		out := n.Content[0]
		out.Line, out.Column = 0, 0
		return out
	}
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value}
}
