package config

import (
	"encoding/json"
	"fmt"
)

// SummarizeChange lists the top-level sections that differ between two
// configs, for reload logging. It deliberately never includes values, since
// webhook URLs and tokens are secrets.
func SummarizeChange(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return []string{"config replaced"}
	}
	var changed []string
	sections := []struct {
		name     string
		old, new any
	}{
		{"webhook", oldCfg.Webhook, newCfg.Webhook},
		{"telegram", oldCfg.Telegram, newCfg.Telegram},
		{"filter", oldCfg.Filter, newCfg.Filter},
		{"payload", oldCfg.Payload, newCfg.Payload},
		{"delivery", oldCfg.Delivery, newCfg.Delivery},
		{"dead_letter", oldCfg.DeadLetter, newCfg.DeadLetter},
		{"digest", oldCfg.Digest, newCfg.Digest},
		{"logging", oldCfg.Logging, newCfg.Logging},
	}
	for _, s := range sections {
		if !jsonEqual(s.old, s.new) {
			changed = append(changed, fmt.Sprintf("%s changed", s.name))
		}
	}
	return changed
}

// jsonEqual compares via the JSON form so pointer sections with equal
// contents count as unchanged.
func jsonEqual(a, b any) bool {
	ab, aerr := json.Marshal(a)
	bb, berr := json.Marshal(b)
	if aerr != nil || berr != nil {
		return false
	}
	return string(ab) == string(bb)
}
