package transcribe

import (
	"sort"
	"strings"
)

// Recognition models star out profanity; the relay wants the words back.
var defaultDecensorMap = map[string]string{
	"f***":   "fuck",
	"f**k":   "fuck",
	"f*ck":   "fuck",
	"f*****": "fucking",
	"f***ed": "fucked",
	"s***":   "shit",
	"sh*t":   "shit",
	"s**t":   "shit",
	"b***h":  "bitch",
	"b**ch":  "bitch",
	"a**":    "ass",
	"a*s":    "ass",
	"d**n":   "damn",
	"d*mn":   "damn",
}

// Decensor restores censored words in transcript text.
type Decensor struct {
	replacer *strings.Replacer
}

// NewDecensor builds a decensor from the default map merged with extra
// overrides (config-supplied, may be nil).
func NewDecensor(extra map[string]string) *Decensor {
	merged := make(map[string]string, len(defaultDecensorMap)+len(extra))
	for k, v := range defaultDecensorMap {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	// Longest first so "f*****" wins over its "f***" prefix.
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	pairs := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		pairs = append(pairs, k, merged[k])
	}
	return &Decensor{replacer: strings.NewReplacer(pairs...)}
}

func (d *Decensor) Clean(text string) string {
	if d == nil || d.replacer == nil {
		return text
	}
	return d.replacer.Replace(text)
}
