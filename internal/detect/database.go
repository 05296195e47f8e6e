package detect

import "sort"

const commonRarityCeiling = 3

// Database holds the parsed probe set and a port index built once at
// start-up, read-only thereafter — the only process-wide mutable state
// this package introduces is the database itself, loaded once.
type Database struct {
	Probes []*Probe
	byPort map[uint16][]*Probe
	noPort []*Probe // probes with no applicable-port constraint
	common []*Probe // rarity <= commonRarityCeiling, used as the fallback set
}

func newDatabase(probes []*Probe) *Database {
	d := &Database{Probes: probes, byPort: make(map[uint16][]*Probe)}

	seen := make(map[uint16]map[*Probe]bool)
	for _, p := range probes {
		if !p.HasAnyPortConstraint() {
			d.noPort = append(d.noPort, p)
		}
		if p.Rarity <= commonRarityCeiling {
			d.common = append(d.common, p)
		}
		for _, r := range p.Ports {
			for port := r.Start; ; port++ {
				if seen[port] == nil {
					seen[port] = make(map[*Probe]bool)
				}
				if !seen[port][p] {
					seen[port][p] = true
					d.byPort[port] = append(d.byPort[port], p)
				}
				if port == r.End || port == MaxPort {
					break
				}
			}
		}
	}

	for port := range d.byPort {
		sortByRarity(d.byPort[port])
	}
	sortByRarity(d.noPort)
	sortByRarity(d.common)

	return d
}

func sortByRarity(probes []*Probe) {
	sort.SliceStable(probes, func(i, j int) bool { return probes[i].Rarity < probes[j].Rarity })
}

// Select returns the ordered list of probes to try for a given port,
// following §4.7's selection rules:
//  1. probes indexed for the exact port, ascending rarity;
//  2. probes with no port constraint (a NULL probe is among them only
//     when its database entry has no ports line; the bundled NULL probe
//     is indexed under port 22 and is not tried on other ports);
//  3. if (1) and (2) yield nothing and the port was absent from the
//     index, the fallback "common" set (rarity <= 3) regardless of its
//     applicable-port list;
//  4. probes with rarity > intensity are skipped throughout.
func (d *Database) Select(port uint16, intensity int) []*Probe {
	var out []*Probe
	portIndexed, hadExactPort := d.byPort[port]

	out = appendAdmitted(out, portIndexed, intensity)
	out = appendAdmitted(out, d.noPort, intensity)

	if len(out) == 0 && !hadExactPort {
		out = appendAdmitted(out, d.common, intensity)
	}
	return out
}

func appendAdmitted(out, candidates []*Probe, intensity int) []*Probe {
	for _, p := range candidates {
		if p.Rarity <= intensity {
			out = append(out, p)
		}
	}
	return out
}
