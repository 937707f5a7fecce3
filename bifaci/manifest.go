package bifaci

import "encoding/json"

// EncodeManifest serializes a plugin or relay's advertised capability URNs
// to the wire manifest format: a flat JSON array of strings. The core
// never interprets the URN strings themselves beyond what capurn.Matcher
// does with them at routing time.
func EncodeManifest(caps []string) ([]byte, error) {
	return json.Marshal(caps)
}

// DecodeManifest parses a wire manifest back into its capability URN list.
func DecodeManifest(data []byte) ([]string, error) {
	var caps []string
	if err := json.Unmarshal(data, &caps); err != nil {
		return nil, &InvalidFrameError{Reason: "manifest is not a JSON array of strings: " + err.Error()}
	}
	return caps, nil
}

// MergeManifests concatenates and de-duplicates capability lists, the
// shape a relay switch needs to advertise the union of everything its
// masters collectively serve.
func MergeManifests(manifests ...[]string) []string {
	seen := make(map[string]bool)
	var merged []string
	for _, m := range manifests {
		for _, cap := range m {
			if seen[cap] {
				continue
			}
			seen[cap] = true
			merged = append(merged, cap)
		}
	}
	return merged
}
