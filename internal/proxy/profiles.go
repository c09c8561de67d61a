package proxy

// Profile is one entry in the fixed chaos profile enumeration. Profiles
// shape mock-mode behavior globally, on top of per-endpoint chaos.
type Profile struct {
	Name        string `json:"name"`
	Description string `json:"description"`

	// GlobalChaos is the chaos floor the profile forces on every endpoint.
	GlobalChaos int `json:"global_chaos"`

	// ExtraLatencyMs is added to every simulated latency.
	ExtraLatencyMs float64 `json:"extra_latency_ms"`

	// WriteLatencyMs is added only to POST, PUT, and PATCH requests.
	WriteLatencyMs float64 `json:"write_latency_ms,omitempty"`

	// CorruptBody replaces the synthesized body with garbled text while
	// still returning status 200.
	CorruptBody bool `json:"corrupt_body,omitempty"`
}

// corruptedBody is what a zombie backend streams: status 200, declared as
// text, unparseable as anything.
const corruptedBody = `xXx]]}{{"half":"json<<<CORRUPTED_STREAM>>>\x00\x00###BUFFER_OVERRUN###xXx`

var chaosProfiles = map[string]Profile{
	"normal": {
		Name:        "normal",
		Description: "no global modifier; per-endpoint chaos only",
	},
	"friday_afternoon": {
		Name:           "friday_afternoon",
		Description:    "everything is slow and flaky",
		GlobalChaos:    30,
		ExtraLatencyMs: 1000,
	},
	"db_bottleneck": {
		Name:           "db_bottleneck",
		Description:    "writes crawl, reads are fine",
		WriteLatencyMs: 5000,
	},
	"zombie_api": {
		Name:        "zombie_api",
		Description: "returns 200 with a corrupted body",
		CorruptBody: true,
	},
}

// ProfileByName returns the named profile, falling back to normal.
func ProfileByName(name string) Profile {
	if p, ok := chaosProfiles[name]; ok {
		return p
	}
	return chaosProfiles["normal"]
}

// Profiles lists the full enumeration.
func Profiles() []Profile {
	out := make([]Profile, 0, len(chaosProfiles))
	for _, name := range []string{"normal", "friday_afternoon", "db_bottleneck", "zombie_api"} {
		out = append(out, chaosProfiles[name])
	}
	return out
}

// profileLatencyBoost is the profile's latency addition for one method.
func profileLatencyBoost(p Profile, method string) float64 {
	boost := p.ExtraLatencyMs
	switch method {
	case "POST", "PUT", "PATCH":
		boost += p.WriteLatencyMs
	}
	return boost
}
