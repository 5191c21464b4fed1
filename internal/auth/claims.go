package auth

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// ExtractGroups handles both flat and nested group claims from JWT tokens
// Supports:
//   - Flat arrays: ["dba-team", "contractors"]
//   - Nested objects: [{"name": "dba-team", "type": "team"}] with claimPath="name"
func ExtractGroups(claims map[string]any, claimField string, claimPath string) ([]string, error) {
	rawValue, ok := claims[claimField]
	if !ok {
		// Groups claim not present - not an error, the caller may have no groups
		return []string{}, nil
	}

	// Single string: some IdPs collapse one-element arrays
	if single, ok := rawValue.(string); ok {
		return []string{single}, nil
	}

	// Flat string array: ["dba-team", "contractors"]
	if groups, ok := rawValue.([]any); ok {
		result := make([]string, 0, len(groups))
		for _, g := range groups {
			if str, ok := g.(string); ok {
				result = append(result, str)
			}
		}
		if len(result) > 0 || len(groups) == 0 {
			return result, nil
		}
	}

	if claimPath != "" {
		return extractNestedGroups(rawValue, claimPath)
	}

	return nil, fmt.Errorf("groups claim invalid format (expected []string or []object with path)")
}

// extractNestedGroups decodes [{"name": "dba-team"}] style claims with mapstructure.
// Only single-level paths are supported.
func extractNestedGroups(rawValue any, path string) ([]string, error) {
	var objects []map[string]any
	if err := mapstructure.Decode(rawValue, &objects); err != nil {
		return nil, fmt.Errorf("decode nested groups: %w", err)
	}

	result := make([]string, 0, len(objects))
	for _, obj := range objects {
		if val, ok := obj[path].(string); ok {
			result = append(result, val)
		}
	}
	return result, nil
}

// ExtractClaimString extracts a non-empty string claim.
func ExtractClaimString(claims map[string]any, claimField string) (string, error) {
	rawValue, ok := claims[claimField]
	if !ok {
		return "", fmt.Errorf("claim field %s not found", claimField)
	}

	value, ok := rawValue.(string)
	if !ok {
		return "", fmt.Errorf("claim field %s is not a string", claimField)
	}

	if value == "" {
		return "", fmt.Errorf("claim field %s is empty", claimField)
	}

	return value, nil
}
