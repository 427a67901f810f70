package transcription

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Reduce extracts the transcript text from a provider payload. It never fails: any shape it
// does not recognize yields "".
//
// A non-empty top-level "transcript" wins. Otherwise the non-empty alternatives of the first
// channel are joined with single spaces, looked up under results.channels or a bare channels.
func Reduce(raw []byte) string {
	if len(raw) == 0 || !gjson.ValidBytes(raw) {
		return ""
	}
	res := gjson.ParseBytes(raw)
	if !res.IsObject() {
		return ""
	}
	if top := res.Get("transcript"); top.Type == gjson.String {
		if text := top.String(); strings.TrimSpace(text) != "" {
			return text
		}
	}
	for _, path := range []string{"results.channels.0.alternatives", "channels.0.alternatives"} {
		alts := res.Get(path)
		if !alts.IsArray() {
			continue
		}
		var parts []string
		for _, alt := range alts.Array() {
			t := alt.Get("transcript")
			if t.Type != gjson.String {
				continue
			}
			if text := t.String(); strings.TrimSpace(text) != "" {
				parts = append(parts, text)
			}
		}
		return strings.Join(parts, " ")
	}
	return ""
}
