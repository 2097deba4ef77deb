package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// SaveBundles replaces the bundles section of the config file.
// This preserves comments and formatting in other sections by using yaml.Node.
func SaveBundles(configPath string, bundles []BundleConfig) error {
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

	bundlesNode, err := buildBundlesNode(bundles)
	if err != nil {
		return fmt.Errorf("building bundles node: %w", err)
	}

	if doc.Kind == 0 {
		// Empty or new file
		doc = yaml.Node{
			Kind: yaml.DocumentNode,
			Content: []*yaml.Node{
				{
					Kind: yaml.MappingNode,
					Content: []*yaml.Node{
						{Kind: yaml.ScalarNode, Value: "bundles"},
						bundlesNode,
					},
				},
			},
		}
	} else if doc.Kind == yaml.DocumentNode && len(doc.Content) > 0 {
		root := doc.Content[0]
		if root.Kind != yaml.MappingNode {
			return fmt.Errorf("parsing config: top level is not a mapping")
		}
		found := false
		for i := 0; i < len(root.Content)-1; i += 2 {
			if root.Content[i].Value == "bundles" {
				root.Content[i+1] = bundlesNode
				found = true
				break
			}
		}
		if !found {
			root.Content = append(root.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Value: "bundles"},
				bundlesNode,
			)
		}
	}

	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(&doc); err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	_ = encoder.Close()

	return writeAtomic(configPath, buf.Bytes())
}

// SetBundleStart flips the start flag of the named bundle, adding it to the
// list if it is missing, and saves the result.
func SetBundleStart(configPath, name string, start bool, bundles []BundleConfig) ([]BundleConfig, error) {
	out := make([]BundleConfig, len(bundles))
	copy(out, bundles)

	found := false
	for i := range out {
		if out[i].Name == name {
			out[i].Start = &start
			found = true
			break
		}
	}
	if !found {
		out = append(out, BundleConfig{Name: name, Start: &start})
	}
	if err := ValidateBundles(out); err != nil {
		return nil, err
	}
	if err := SaveBundles(configPath, out); err != nil {
		return nil, err
	}
	return out, nil
}

// RemoveBundle drops the named bundle from the list and saves the result.
func RemoveBundle(configPath, name string, bundles []BundleConfig) ([]BundleConfig, error) {
	out := make([]BundleConfig, 0, len(bundles))
	for _, b := range bundles {
		if b.Name != name {
			out = append(out, b)
		}
	}
	if len(out) == len(bundles) {
		return nil, fmt.Errorf("bundle %q is not configured", name)
	}
	if err := SaveBundles(configPath, out); err != nil {
		return nil, err
	}
	return out, nil
}

func writeAtomic(configPath string, data []byte) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	temp, err := os.CreateTemp(dir, ".modkit.yaml.tmp.*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tempPath := temp.Name()

	if _, err := temp.Write(data); err != nil {
		_ = temp.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := temp.Close(); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tempPath, configPath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

// buildBundlesNode creates a yaml.Node representing the bundles array.
func buildBundlesNode(bundles []BundleConfig) (*yaml.Node, error) {
	node := &yaml.Node{
		Kind:    yaml.SequenceNode,
		Content: make([]*yaml.Node, 0, len(bundles)),
	}

	for _, b := range bundles {
		bundleNode := &yaml.Node{Kind: yaml.MappingNode}
		bundleNode.Content = append(bundleNode.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: "name"},
			&yaml.Node{Kind: yaml.ScalarNode, Value: b.Name},
		)

		if b.Start != nil {
			value := "false"
			if *b.Start {
				value = "true"
			}
			bundleNode.Content = append(bundleNode.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Value: "start"},
				&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: value},
			)
		}

		if len(b.Properties) > 0 {
			propsNode := &yaml.Node{Kind: yaml.MappingNode}
			keys := make([]string, 0, len(b.Properties))
			for k := range b.Properties {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				var valueNode yaml.Node
				if err := valueNode.Encode(b.Properties[k]); err != nil {
					return nil, fmt.Errorf("encoding property %q of bundle %q: %w", k, b.Name, err)
				}
				propsNode.Content = append(propsNode.Content,
					&yaml.Node{Kind: yaml.ScalarNode, Value: k},
					&valueNode,
				)
			}
			bundleNode.Content = append(bundleNode.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Value: "properties"},
				propsNode,
			)
		}

		node.Content = append(node.Content, bundleNode)
	}

	return node, nil
}
