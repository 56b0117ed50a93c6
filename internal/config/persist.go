// Copyright 2026 The Reverie Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SaveConfigUpdateNestedScalar rewrites a single nested scalar in the config
// file while preserving comments, key order and formatting of everything
// else. The path names mapping keys from the document root; missing maps
// along the path are created.
func SaveConfigUpdateNestedScalar(configFile string, path []string, value string) error {
	if len(path) == 0 {
		return fmt.Errorf("empty config path")
	}

	data, err := os.ReadFile(configFile)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		root = yaml.Node{
			Kind:    yaml.DocumentNode,
			Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}},
		}
	}

	node := root.Content[0]
	for _, key := range path[:len(path)-1] {
		node = getOrCreateMapValue(node, key)
		if node.Kind != yaml.MappingNode {
			node.Kind = yaml.MappingNode
			node.Tag = "!!map"
			node.Value = ""
			node.Content = nil
		}
	}

	leaf := getOrCreateMapValue(node, path[len(path)-1])
	leaf.Kind = yaml.ScalarNode
	leaf.Tag = "!!str"
	leaf.Value = value
	leaf.Content = nil

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&root); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to finalize config encoding: %w", err)
	}

	return os.WriteFile(configFile, buf.Bytes(), 0o600)
}

// getOrCreateMapValue returns the value node for key inside mapNode,
// appending a new key/value pair when absent.
func getOrCreateMapValue(mapNode *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(mapNode.Content); i += 2 {
		if mapNode.Content[i].Value == key {
			return mapNode.Content[i+1]
		}
	}
	keyNode := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}
	valNode := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	mapNode.Content = append(mapNode.Content, keyNode, valNode)
	return valNode
}
