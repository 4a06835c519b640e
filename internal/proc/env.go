package proc

import (
	"strings"

	"github.com/g960059/procmux/internal/model"
)

// MergeEnv applies overrides on top of base (KEY=VALUE entries). Existing keys
// keep their position, new keys are appended in override order and a nil value
// removes the key.
func MergeEnv(base []string, overrides []model.EnvVar) []string {
	if len(overrides) == 0 {
		return append([]string(nil), base...)
	}
	index := make(map[string]int, len(base))
	out := make([]string, 0, len(base)+len(overrides))
	removed := make([]bool, 0, len(base)+len(overrides))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if i, ok := index[key]; ok {
			out[i] = kv
			continue
		}
		index[key] = len(out)
		out = append(out, kv)
		removed = append(removed, false)
	}
	for _, ov := range overrides {
		i, ok := index[ov.Name]
		if ov.Value == nil {
			if ok {
				removed[i] = true
			}
			continue
		}
		kv := ov.Name + "=" + *ov.Value
		if ok {
			out[i] = kv
			removed[i] = false
			continue
		}
		index[ov.Name] = len(out)
		out = append(out, kv)
		removed = append(removed, false)
	}
	merged := out[:0]
	for i, kv := range out {
		if !removed[i] {
			merged = append(merged, kv)
		}
	}
	return merged
}
