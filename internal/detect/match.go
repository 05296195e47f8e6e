package detect

import "regexp"

// ServiceMatch is the positive identification produced by matching a
// probe's response against its pattern list.
type ServiceMatch struct {
	Service string
	Version string
	Soft    bool
}

// Match tries every pattern in order and returns the first hit. A probe
// that elicits a response matching no pattern is a soft failure — the
// caller proceeds to the next probe, not a hard error.
func Match(p *Probe, response []byte) (ServiceMatch, bool) {
	for _, pat := range p.Patterns {
		loc := pat.Regex.FindSubmatchIndex(response)
		if loc == nil {
			continue
		}
		return ServiceMatch{
			Service: pat.Service,
			Version: expandVersionInfo(pat.VersionInfo, pat.Regex, response, loc),
			Soft:    pat.Soft,
		}, true
	}
	return ServiceMatch{}, false
}

// expandVersionInfo substitutes $1, $2, ... in a version-info template
// with the corresponding regex submatch.
func expandVersionInfo(template string, re *regexp.Regexp, response []byte, loc []int) string {
	if template == "" {
		return ""
	}
	return string(re.Expand(nil, []byte(template), response, loc))
}
