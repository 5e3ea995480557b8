package meter

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Schema file selection constants.
const (
	// firmwareWithDedicatedSchema is the firmware version that ships its
	// own endpoint layout. Every other version uses the default file.
	firmwareWithDedicatedSchema = "3.2.39"

	defaultSchemaFile   = "endpoints_default.yaml"
	dedicatedSchemaFile = "endpoints_3_2_39.yaml"
)

// TagSpec is one named extraction rule in an endpoint schema.
//
// It is a closed sum: a ScalarLeaf extracts a single XML element
// verbatim, a VariantList extracts one element per named variant under
// a shared key prefix (used when the same logical reading repeats with
// different qualifiers, e.g. TOU tiers). Traversal is an exhaustive
// type switch over these two shapes.
type TagSpec interface {
	isTagSpec()
}

// ScalarLeaf extracts one XML element; its reading key is the element name.
type ScalarLeaf struct {
	// Element is the XML element name to search for, and the reading key.
	Element string

	// Entity carries the Home Assistant entity metadata from the schema file.
	Entity EntityMeta
}

func (ScalarLeaf) isTagSpec() {}

// VariantList extracts one element per named variant. Each variant's
// reading key is the list prefix concatenated with the variant name.
type VariantList struct {
	// Prefix is the shared key prefix for every variant in the list.
	Prefix string

	// Variants are the named sub-specs, in schema-file order.
	Variants []Variant
}

func (VariantList) isTagSpec() {}

// Variant is one named entry inside a VariantList.
type Variant struct {
	// Element is the XML element name to search for.
	Element string

	// Entity carries the Home Assistant entity metadata.
	Entity EntityMeta
}

// EntityMeta is the per-sensor metadata block from the schema file.
type EntityMeta struct {
	// Type is the Home Assistant entity kind (e.g. "sensor").
	Type string

	// Extra holds the remaining discovery fields verbatim
	// (device_class, unit_of_measurement, state_class, ...).
	Extra map[string]any
}

// EndpointSpec describes one meter sub-resource: its display name, the
// request path relative to the meter base URL, and the tags to extract.
type EndpointSpec struct {
	Name string
	URL  string
	Tags []TagSpec
}

// SchemaFile returns the schema file path for the identified firmware
// version. Selection is an exact version-string match with a default
// fallback.
func SchemaFile(dir, swVer string) string {
	if swVer == firmwareWithDedicatedSchema {
		return filepath.Join(dir, dedicatedSchemaFile)
	}
	return filepath.Join(dir, defaultSchemaFile)
}

// LoadSchema reads and parses an endpoint schema file.
//
// The file is a YAML list of single-key maps:
//
//	- Instantaneous Demand:
//	    url: /upt/1/mr/1/r
//	    tags:
//	      value:
//	        entity_type: sensor
//	        device_class: power
//
// A tag value that is itself a list of single-key maps becomes a
// VariantList; a mapping becomes a ScalarLeaf.
//
// Returns:
//   - []EndpointSpec: Endpoint specs in file order
//   - error: ErrSchemaInvalid (wrapped) on structural problems
func LoadSchema(path string) ([]EndpointSpec, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("reading schema file: %w", err)
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSchemaInvalid, err)
	}
	if len(root.Content) == 0 {
		return nil, fmt.Errorf("%w: empty schema file %s", ErrSchemaInvalid, path)
	}

	list := root.Content[0]
	if list.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("%w: top level must be a list", ErrSchemaInvalid)
	}

	specs := make([]EndpointSpec, 0, len(list.Content))
	for _, item := range list.Content {
		name, body, err := singleKeyEntry(item)
		if err != nil {
			return nil, err
		}

		spec, err := parseEndpointSpec(name, body)
		if err != nil {
			return nil, fmt.Errorf("endpoint %q: %w", name, err)
		}
		specs = append(specs, spec)
	}

	return specs, nil
}

// parseEndpointSpec decodes one endpoint entry's url and tags block.
func parseEndpointSpec(name string, body *yaml.Node) (EndpointSpec, error) {
	spec := EndpointSpec{Name: name}

	var tagsNode *yaml.Node
	for i := 0; i+1 < len(body.Content); i += 2 {
		key, value := body.Content[i], body.Content[i+1]
		switch key.Value {
		case "url":
			spec.URL = value.Value
		case "tags":
			tagsNode = value
		}
	}

	if spec.URL == "" {
		return spec, fmt.Errorf("%w: missing url", ErrSchemaInvalid)
	}
	if tagsNode == nil || tagsNode.Kind != yaml.MappingNode {
		return spec, fmt.Errorf("%w: missing tags mapping", ErrSchemaInvalid)
	}

	for i := 0; i+1 < len(tagsNode.Content); i += 2 {
		key, value := tagsNode.Content[i], tagsNode.Content[i+1]

		tag, err := parseTagSpec(key.Value, value)
		if err != nil {
			return spec, fmt.Errorf("tag %q: %w", key.Value, err)
		}
		spec.Tags = append(spec.Tags, tag)
	}

	if len(spec.Tags) == 0 {
		return spec, fmt.Errorf("%w: no tags", ErrSchemaInvalid)
	}

	return spec, nil
}

// parseTagSpec decodes a single tag entry into the matching variant of
// the TagSpec sum.
func parseTagSpec(key string, value *yaml.Node) (TagSpec, error) {
	switch value.Kind {
	case yaml.MappingNode:
		entity, err := parseEntityMeta(value)
		if err != nil {
			return nil, err
		}
		return ScalarLeaf{Element: key, Entity: entity}, nil

	case yaml.SequenceNode:
		list := VariantList{Prefix: key}
		for _, item := range value.Content {
			name, body, err := singleKeyEntry(item)
			if err != nil {
				return nil, err
			}
			entity, err := parseEntityMeta(body)
			if err != nil {
				return nil, fmt.Errorf("variant %q: %w", name, err)
			}
			list.Variants = append(list.Variants, Variant{Element: name, Entity: entity})
		}
		if len(list.Variants) == 0 {
			return nil, fmt.Errorf("%w: empty variant list", ErrSchemaInvalid)
		}
		return list, nil

	default:
		return nil, fmt.Errorf("%w: tag must be a mapping or a list", ErrSchemaInvalid)
	}
}

// parseEntityMeta decodes a leaf's metadata block, splitting entity_type
// off from the passthrough discovery fields.
func parseEntityMeta(node *yaml.Node) (EntityMeta, error) {
	var raw map[string]any
	if err := node.Decode(&raw); err != nil {
		return EntityMeta{}, fmt.Errorf("%w: %w", ErrSchemaInvalid, err)
	}

	entityType, ok := raw["entity_type"].(string)
	if !ok || entityType == "" {
		return EntityMeta{}, fmt.Errorf("%w: missing entity_type", ErrSchemaInvalid)
	}
	delete(raw, "entity_type")

	return EntityMeta{Type: entityType, Extra: raw}, nil
}

// singleKeyEntry unwraps the {name: body} shape used throughout the
// schema file for endpoints and variants.
func singleKeyEntry(node *yaml.Node) (string, *yaml.Node, error) {
	if node.Kind != yaml.MappingNode || len(node.Content) != 2 {
		return "", nil, fmt.Errorf("%w: expected a single-key mapping", ErrSchemaInvalid)
	}
	return node.Content[0].Value, node.Content[1], nil
}

// LeafCount returns the number of extraction points in a tag list:
// scalar leaves plus every named variant.
func LeafCount(tags []TagSpec) int {
	n := 0
	for _, tag := range tags {
		switch t := tag.(type) {
		case ScalarLeaf:
			n++
		case VariantList:
			n += len(t.Variants)
		}
	}
	return n
}
