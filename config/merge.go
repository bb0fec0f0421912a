package config

import (
	"strconv"
	"strings"

	"gopkg.in/ini.v1"
)

// promotedKey is where a primitive ends up when a nested section takes over
// its key, e.g. JOBMON__AUTH=x plus JOBMON__AUTH__ENABLED=true yields
// auth.value=x and auth.enabled=true.
const promotedKey = "value"

// parseINIFile reads an INI file into a nested map. Section names become
// top-level keys, keys outside any section stay at the top level, and every
// value goes through scalar coercion so pool_size = 10 arrives as an int.
func parseINIFile(path string) (map[string]interface{}, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, err
	}

	out := map[string]interface{}{}
	for _, section := range f.Sections() {
		var dst map[string]interface{}
		if section.Name() == ini.DefaultSection {
			dst = out
		} else {
			dst = map[string]interface{}{}
			out[strings.ToLower(section.Name())] = dst
		}
		for _, key := range section.Keys() {
			dst[strings.ToLower(key.Name())] = coerceScalar(key.Value())
		}
	}
	return out, nil
}

// coerceScalar parses a raw string into the narrowest matching type:
// int, float, bool, then string.
func coerceScalar(raw string) interface{} {
	trimmed := strings.TrimSpace(raw)
	if i, err := strconv.Atoi(trimmed); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(trimmed); err == nil {
		return b
	}
	return raw
}

// envOverrides collects JOBMON__SECTION__KEY variables into a nested map.
// Path segments are split on double underscores and lowercased; a single
// segment (JOBMON__DEBUG=1) lands at the top level. Values go through the
// same scalar coercion as file values.
func envOverrides(prefix string, environ []string) map[string]interface{} {
	out := map[string]interface{}{}
	if prefix == "" {
		return out
	}
	marker := prefix + "__"

	for _, entry := range environ {
		name, value, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasPrefix(name, marker) {
			continue
		}
		rest := strings.TrimPrefix(name, marker)
		if rest == "" {
			continue
		}
		segments := strings.Split(rest, "__")
		for i, s := range segments {
			segments[i] = strings.ToLower(s)
		}
		setPath(out, segments, coerceScalar(value))
	}
	return out
}

// setPath assigns value at the nested path, creating intermediate maps as it
// walks. A primitive sitting where a map is needed gets promoted; a map
// sitting where a primitive lands keeps the map and stores the primitive
// under the promoted key.
func setPath(m map[string]interface{}, path []string, value interface{}) {
	key := path[0]
	if len(path) == 1 {
		if existing, ok := m[key].(map[string]interface{}); ok {
			existing[promotedKey] = value
			return
		}
		m[key] = value
		return
	}

	child, ok := m[key].(map[string]interface{})
	if !ok {
		child = map[string]interface{}{}
		if prev, exists := m[key]; exists {
			child[promotedKey] = prev
		}
		m[key] = child
	}
	setPath(child, path[1:], value)
}

// mergeMaps merges src over dst without mutating either. Nested maps merge
// recursively; on a primitive/map collision the map side wins and the
// primitive is preserved under the promoted key.
func mergeMaps(dst, src map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}

	for k, sv := range src {
		dv, exists := out[k]
		if !exists {
			out[k] = sv
			continue
		}

		sm, srcIsMap := sv.(map[string]interface{})
		dm, dstIsMap := dv.(map[string]interface{})
		switch {
		case srcIsMap && dstIsMap:
			out[k] = mergeMaps(dm, sm)
		case srcIsMap:
			out[k] = mergeMaps(map[string]interface{}{promotedKey: dv}, sm)
		case dstIsMap:
			out[k] = mergeMaps(dm, map[string]interface{}{promotedKey: sv})
		default:
			out[k] = sv
		}
	}
	return out
}
