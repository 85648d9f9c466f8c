package projcfg

import (
	"fmt"
	"sort"
	"strings"
)

var validScheduleModes = map[string]bool{"weekly": true, "monthly": true, "yearly": true}

var weekdayTokens = map[string]bool{
	"mon": true, "tue": true, "wed": true, "thu": true, "fri": true, "sat": true, "sun": true,
}

// BuildPatch validates and coerces an external PATCH body into a patch
// acceptable to Update. Unknown fields are dropped; invalid schedule modes
// are rejected silently (the schedule key is simply omitted).
func BuildPatch(body map[string]any) map[string]any {
	patch := map[string]any{}

	if extent, ok := body["extent"].(map[string]any); ok {
		if p := buildExtentPatch(extent); p != nil {
			patch["extent"] = p
		}
	}
	if zoom, ok := body["zoom"].(map[string]any); ok {
		p := map[string]any{}
		if v, ok := intField(zoom, "min"); ok {
			p["min"] = v
		}
		if v, ok := intField(zoom, "max"); ok {
			p["max"] = v
		}
		if len(p) > 0 {
			patch["zoom"] = p
		}
	}
	if prefs, ok := body["cachePreferences"].(map[string]any); ok {
		p := map[string]any{}
		if mode, ok := prefs["mode"].(string); ok {
			switch mode {
			case "xyz", "wmts", "custom", "auto":
				p["mode"] = mode
			}
		}
		if crs, ok := prefs["tileCrs"].(string); ok {
			p["tileCrs"] = crs
		}
		if allow, ok := prefs["allowRemote"].(bool); ok {
			p["allowRemote"] = allow
		}
		if v, ok := intField(prefs, "throttleMs"); ok && v >= 0 {
			p["throttleMs"] = v
		}
		if len(p) > 0 {
			patch["cachePreferences"] = p
		}
	}
	for _, key := range []string{"layers", "themes"} {
		if targets, ok := body[key].(map[string]any); ok {
			out := map[string]any{}
			for name, raw := range targets {
				entry, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				if p := buildTargetPatch(entry); len(p) > 0 {
					out[name] = p
				}
			}
			if len(out) > 0 {
				patch[key] = out
			}
		}
	}
	if recache, ok := body["recache"].(map[string]any); ok {
		p := map[string]any{}
		if raw, ok := recache["schedule"].(map[string]any); ok {
			if sched := buildSchedulePatch(raw); sched != nil {
				p["schedule"] = sched
			}
		}
		if v, ok := intField(recache, "intervalDays"); ok && v > 0 {
			p["intervalDays"] = v
		}
		if times, ok := stringSlice(recache["timesOfDay"]); ok {
			valid := times[:0]
			for _, t := range times {
				if validClockTime(t) {
					valid = append(valid, t)
				}
			}
			p["timesOfDay"] = valid
		}
		if len(p) > 0 {
			patch["recache"] = p
		}
	}
	return patch
}

func buildExtentPatch(extent map[string]any) map[string]any {
	p := map[string]any{}
	if raw, present := extent["bbox"]; present {
		if raw == nil {
			p["bbox"] = nil
		} else if bbox, ok := floatSlice(raw); ok && len(bbox) == 4 {
			p["bbox"] = bbox
		}
	}
	if crs, ok := extent["crs"].(string); ok {
		p["crs"] = crs
	}
	if len(p) == 0 {
		return nil
	}
	return p
}

func buildTargetPatch(entry map[string]any) map[string]any {
	p := map[string]any{}
	if v, ok := entry["autoRecache"].(bool); ok {
		p["autoRecache"] = v
	}
	if v, ok := entry["wfsEditable"].(bool); ok {
		p["wfsEditable"] = v
	}
	if v, ok := entry["tileGridId"].(string); ok {
		p["tileGridId"] = v
	}
	if v, ok := entry["crs"].(string); ok {
		p["crs"] = v
	}
	if raw, ok := entry["extent"]; ok {
		if bbox, ok := floatSlice(raw); ok && len(bbox) == 4 {
			p["extent"] = bbox
		}
	}
	if raw, ok := entry["resolutions"]; ok {
		if res, ok := floatSlice(raw); ok {
			p["resolutions"] = res
		}
	}
	if raw, ok := entry["schedule"].(map[string]any); ok {
		if sched := buildSchedulePatch(raw); sched != nil {
			p["schedule"] = sched
		}
	}
	return p
}

// buildSchedulePatch validates a schedule body. Returns nil when the mode
// is unrecognized.
func buildSchedulePatch(raw map[string]any) map[string]any {
	p := map[string]any{}
	if v, ok := raw["enabled"].(bool); ok {
		p["enabled"] = v
	}
	mode, hasMode := raw["mode"].(string)
	if hasMode {
		mode = strings.ToLower(strings.TrimSpace(mode))
		if !validScheduleModes[mode] {
			return nil
		}
		p["mode"] = mode
	}
	if weekly, ok := raw["weekly"].(map[string]any); ok {
		spec := map[string]any{}
		if days, ok := stringSlice(weekly["days"]); ok {
			spec["days"] = normalizeWeekdays(days)
		}
		if t, ok := weekly["time"].(string); ok && validClockTime(t) {
			spec["time"] = t
		}
		if len(spec) > 0 {
			p["weekly"] = spec
		}
	}
	if monthly, ok := raw["monthly"].(map[string]any); ok {
		spec := map[string]any{}
		if raw, ok := monthly["days"]; ok {
			if days, ok := floatSlice(raw); ok {
				spec["days"] = normalizeMonthDays(days)
			}
		}
		if t, ok := monthly["time"].(string); ok && validClockTime(t) {
			spec["time"] = t
		}
		if len(spec) > 0 {
			p["monthly"] = spec
		}
	}
	if yearly, ok := raw["yearly"].(map[string]any); ok {
		if occs, ok := yearly["occurrences"].([]any); ok {
			out := []any{}
			for _, rawOcc := range occs {
				if len(out) >= 3 {
					break
				}
				occ, ok := rawOcc.(map[string]any)
				if !ok {
					continue
				}
				month, okM := intField(occ, "month")
				day, okD := intField(occ, "day")
				t, okT := occ["time"].(string)
				if okM && okD && okT && month >= 1 && month <= 12 && day >= 1 && day <= 31 && validClockTime(t) {
					out = append(out, map[string]any{"month": month, "day": day, "time": t})
				}
			}
			p["yearly"] = map[string]any{"occurrences": out}
		}
	}
	for _, key := range []string{"zoomMin", "zoomMax"} {
		if v, ok := intField(raw, key); ok && v >= 0 {
			p[key] = v
		}
	}
	if len(p) == 0 {
		return nil
	}
	return p
}

// normalizeWeekdays lower-cases, trims to three characters, validates, and
// deduplicates weekday tokens.
func normalizeWeekdays(days []string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, d := range days {
		d = strings.ToLower(strings.TrimSpace(d))
		if len(d) > 3 {
			d = d[:3]
		}
		if weekdayTokens[d] && !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	return out
}

func normalizeMonthDays(days []float64) []int {
	seen := map[int]bool{}
	out := []int{}
	for _, f := range days {
		d := int(f)
		if d >= 1 && d <= 31 && !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	sort.Ints(out)
	return out
}

func validClockTime(s string) bool {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return false
	}
	return len(s) == 5 && s[2] == ':' && h >= 0 && h <= 23 && m >= 0 && m <= 59
}

func intField(m map[string]any, key string) (int, bool) {
	switch v := m[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}

func floatSlice(raw any) ([]float64, bool) {
	arr, ok := raw.([]any)
	if !ok {
		return nil, false
	}
	out := make([]float64, 0, len(arr))
	for _, v := range arr {
		f, ok := v.(float64)
		if !ok {
			return nil, false
		}
		out = append(out, f)
	}
	return out, true
}

func stringSlice(raw any) ([]string, bool) {
	arr, ok := raw.([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(arr))
	for _, v := range arr {
		s, ok := v.(string)
		if !ok {
			continue
		}
		out = append(out, s)
	}
	return out, true
}
