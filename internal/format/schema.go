package format

import "strings"

// allowedSchemaKeys is the subset of JSON Schema the Cloud Code API accepts
// in function declarations.
var allowedSchemaKeys = map[string]bool{
	"type":        true,
	"description": true,
	"properties":  true,
	"required":    true,
	"items":       true,
	"enum":        true,
	"title":       true,
}

// SanitizeSchema reduces an arbitrary JSON Schema to the allowed subset.
// const collapses to a single-value enum; an object with no properties gets
// a placeholder so the API does not reject it.
func SanitizeSchema(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return map[string]interface{}{"type": "object"}
	}

	out := make(map[string]interface{})
	for key, value := range schema {
		if !allowedSchemaKeys[key] {
			if key == "const" {
				out["enum"] = []interface{}{value}
			}
			continue
		}
		switch key {
		case "properties":
			if props, ok := value.(map[string]interface{}); ok {
				sanitized := make(map[string]interface{}, len(props))
				for name, prop := range props {
					if propMap, ok := prop.(map[string]interface{}); ok {
						sanitized[name] = SanitizeSchema(propMap)
					}
				}
				out[key] = sanitized
			}
		case "items":
			if items, ok := value.(map[string]interface{}); ok {
				out[key] = SanitizeSchema(items)
			}
		default:
			out[key] = value
		}
	}

	if out["type"] == nil {
		out["type"] = "object"
	}
	if out["type"] == "object" {
		props, _ := out["properties"].(map[string]interface{})
		if len(props) == 0 {
			out["properties"] = map[string]interface{}{
				"reason": map[string]interface{}{
					"type":        "string",
					"description": "Reason for calling this tool",
				},
			}
		}
	}
	return out
}

// unsupportedSchemaKeys are stripped before sending to the API.
var unsupportedSchemaKeys = []string{
	"$schema", "$id", "$ref", "$defs", "definitions",
	"additionalProperties", "patternProperties", "unevaluatedProperties",
	"minProperties", "maxProperties", "propertyNames",
	"minLength", "maxLength", "pattern", "format",
	"minimum", "maximum", "exclusiveMinimum", "exclusiveMaximum", "multipleOf",
	"minItems", "maxItems", "uniqueItems", "contains",
	"default", "examples", "deprecated", "readOnly", "writeOnly",
	"if", "then", "else", "not",
}

// CleanSchema normalizes a sanitized schema: allOf branches merge, anyOf and
// oneOf flatten to the richest branch, type arrays pick the first non-null
// entry, unsupported keywords go away and types upper-case to the Google
// enum form.
func CleanSchema(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return nil
	}

	schema = mergeAllOf(schema)
	schema = flattenVariants(schema, "anyOf")
	schema = flattenVariants(schema, "oneOf")

	if types, ok := schema["type"].([]interface{}); ok {
		schema["type"] = firstNonNullType(types)
	}

	for _, key := range unsupportedSchemaKeys {
		delete(schema, key)
	}

	if props, ok := schema["properties"].(map[string]interface{}); ok {
		for name, prop := range props {
			if propMap, ok := prop.(map[string]interface{}); ok {
				props[name] = CleanSchema(propMap)
			}
		}
	}
	if items, ok := schema["items"].(map[string]interface{}); ok {
		schema["items"] = CleanSchema(items)
	}

	if t, ok := schema["type"].(string); ok {
		schema["type"] = toGoogleType(t)
	}
	return schema
}

func mergeAllOf(schema map[string]interface{}) map[string]interface{} {
	branches, ok := schema["allOf"].([]interface{})
	if !ok {
		return schema
	}
	delete(schema, "allOf")

	for _, branch := range branches {
		branchMap, ok := branch.(map[string]interface{})
		if !ok {
			continue
		}
		branchMap = CleanSchema(branchMap)
		for key, value := range branchMap {
			switch key {
			case "properties":
				existing, _ := schema["properties"].(map[string]interface{})
				if existing == nil {
					existing = make(map[string]interface{})
				}
				if incoming, ok := value.(map[string]interface{}); ok {
					for name, prop := range incoming {
						existing[name] = prop
					}
				}
				schema["properties"] = existing
			case "required":
				existing, _ := schema["required"].([]interface{})
				if incoming, ok := value.([]interface{}); ok {
					existing = append(existing, incoming...)
				}
				schema["required"] = existing
			default:
				if _, present := schema[key]; !present {
					schema[key] = value
				}
			}
		}
	}
	return schema
}

// flattenVariants keeps the most descriptive branch of anyOf/oneOf, since
// the API supports neither.
func flattenVariants(schema map[string]interface{}, key string) map[string]interface{} {
	branches, ok := schema[key].([]interface{})
	if !ok {
		return schema
	}
	delete(schema, key)

	var best map[string]interface{}
	bestScore := -1
	for _, branch := range branches {
		branchMap, ok := branch.(map[string]interface{})
		if !ok {
			continue
		}
		if branchMap["type"] == "null" {
			continue
		}
		score := schemaScore(branchMap)
		if score > bestScore {
			best = branchMap
			bestScore = score
		}
	}
	if best == nil {
		return schema
	}

	best = CleanSchema(best)
	for k, v := range best {
		if _, present := schema[k]; !present {
			schema[k] = v
		}
	}
	return schema
}

func schemaScore(schema map[string]interface{}) int {
	score := 0
	if props, ok := schema["properties"].(map[string]interface{}); ok {
		score += len(props) * 10
	}
	if _, ok := schema["items"]; ok {
		score += 5
	}
	if _, ok := schema["enum"]; ok {
		score += 3
	}
	if _, ok := schema["type"]; ok {
		score++
	}
	return score
}

func firstNonNullType(types []interface{}) string {
	for _, t := range types {
		if s, ok := t.(string); ok && s != "null" {
			return s
		}
	}
	return "string"
}

func toGoogleType(t string) string {
	switch strings.ToLower(t) {
	case "string":
		return "STRING"
	case "number":
		return "NUMBER"
	case "integer":
		return "INTEGER"
	case "boolean":
		return "BOOLEAN"
	case "array":
		return "ARRAY"
	case "object":
		return "OBJECT"
	default:
		return "STRING"
	}
}
