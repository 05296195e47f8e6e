package detect

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
)

// ParseDatabase parses the line-oriented probe-database text format into a
// Database. Recognised directives: Probe, match, softmatch, ports,
// sslports, totalwaitms, rarity. ports/sslports accept comma-separated
// singles and inclusive ranges, including a trailing open-ended range
// ("8000-") meaning "8000 through 65535" — omitting this silently drops
// the majority of useful probes (§9), so it is handled explicitly here.
func ParseDatabase(r io.Reader) (*Database, error) {
	var probes []*Probe
	var current *Probe

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.SplitN(line, " ", 2)
		directive := fields[0]
		rest := ""
		if len(fields) > 1 {
			rest = fields[1]
		}

		switch directive {
		case "Probe":
			if current != nil {
				probes = append(probes, current)
			}
			p, err := parseProbeLine(rest)
			if err != nil {
				return nil, fmt.Errorf("detect: line %d: %w", lineNo, err)
			}
			current = p
		case "match", "softmatch":
			if current == nil {
				return nil, fmt.Errorf("detect: line %d: %s before any Probe", lineNo, directive)
			}
			pat, err := parseMatchLine(rest, directive == "softmatch")
			if err != nil {
				return nil, fmt.Errorf("detect: line %d: %w", lineNo, err)
			}
			current.Patterns = append(current.Patterns, pat)
		case "ports":
			if current == nil {
				return nil, fmt.Errorf("detect: line %d: ports before any Probe", lineNo)
			}
			ranges, err := parsePortRanges(rest)
			if err != nil {
				return nil, fmt.Errorf("detect: line %d: %w", lineNo, err)
			}
			current.Ports = ranges
		case "sslports":
			if current == nil {
				return nil, fmt.Errorf("detect: line %d: sslports before any Probe", lineNo)
			}
			ranges, err := parsePortRanges(rest)
			if err != nil {
				return nil, fmt.Errorf("detect: line %d: %w", lineNo, err)
			}
			current.SSLPorts = ranges
		case "totalwaitms":
			if current == nil {
				return nil, fmt.Errorf("detect: line %d: totalwaitms before any Probe", lineNo)
			}
			ms, err := strconv.Atoi(strings.TrimSpace(rest))
			if err != nil {
				return nil, fmt.Errorf("detect: line %d: invalid totalwaitms: %w", lineNo, err)
			}
			current.TotalWaitMS = ms
		case "rarity":
			if current == nil {
				return nil, fmt.Errorf("detect: line %d: rarity before any Probe", lineNo)
			}
			rarity, err := strconv.Atoi(strings.TrimSpace(rest))
			if err != nil {
				return nil, fmt.Errorf("detect: line %d: invalid rarity: %w", lineNo, err)
			}
			current.Rarity = rarity
		default:
			return nil, fmt.Errorf("detect: line %d: unrecognized directive %q", lineNo, directive)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if current != nil {
		probes = append(probes, current)
	}

	return newDatabase(probes), nil
}

// parseProbeLine parses "TCP|UDP <name> q|payload|" into a new Probe.
func parseProbeLine(rest string) (*Probe, error) {
	fields := strings.SplitN(rest, " ", 3)
	if len(fields) < 2 {
		return nil, fmt.Errorf("malformed Probe line %q", rest)
	}
	transport := strings.ToUpper(fields[0])
	name := fields[1]

	p := &Probe{Name: name, TransportTCP: transport == "TCP", Rarity: 1}
	if len(fields) == 3 {
		payload, err := parsePayloadSpec(strings.TrimSpace(fields[2]))
		if err != nil {
			return nil, err
		}
		p.Payload = payload
	}
	return p, nil
}

// parsePayloadSpec decodes a delimited, backslash-escaped payload literal
// such as q|GET / HTTP/1.0\r\n\r\n|.
func parsePayloadSpec(spec string) ([]byte, error) {
	if spec == "" {
		return nil, nil
	}
	if !strings.HasPrefix(spec, "q") || len(spec) < 3 {
		return nil, fmt.Errorf("malformed payload spec %q", spec)
	}
	delim := spec[1]
	body := spec[2:]
	end := strings.IndexByte(body, delim)
	if end < 0 {
		return nil, fmt.Errorf("unterminated payload spec %q", spec)
	}
	return unescapePayload(body[:end]), nil
}

func unescapePayload(s string) []byte {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i == len(s)-1 {
			out = append(out, s[i])
			continue
		}
		i++
		switch s[i] {
		case 'r':
			out = append(out, '\r')
		case 'n':
			out = append(out, '\n')
		case 't':
			out = append(out, '\t')
		case '\\':
			out = append(out, '\\')
		case '0':
			out = append(out, 0)
		case 'x':
			if i+2 < len(s) {
				if b, err := strconv.ParseUint(s[i+1:i+3], 16, 8); err == nil {
					out = append(out, byte(b))
					i += 2
					continue
				}
			}
			out = append(out, 'x')
		default:
			out = append(out, s[i])
		}
	}
	return out
}

// parseMatchLine parses "<service> m|regex|[i] [version-template]".
func parseMatchLine(rest string, soft bool) (Pattern, error) {
	fields := strings.SplitN(rest, " ", 2)
	if len(fields) < 2 {
		return Pattern{}, fmt.Errorf("malformed match line %q", rest)
	}
	service := fields[0]
	remainder := strings.TrimSpace(fields[1])

	if !strings.HasPrefix(remainder, "m") || len(remainder) < 3 {
		return Pattern{}, fmt.Errorf("malformed match pattern %q", remainder)
	}
	delim := remainder[1]
	body := remainder[2:]
	end := strings.IndexByte(body, delim)
	if end < 0 {
		return Pattern{}, fmt.Errorf("unterminated match pattern %q", remainder)
	}
	regexSrc := body[:end]
	tail := strings.TrimSpace(body[end+1:])

	// '.' matches newlines too, so a pattern can span a multi-line banner.
	flags := "(?s)"
	caseInsensitive := strings.HasPrefix(tail, "i")
	if caseInsensitive {
		tail = strings.TrimSpace(tail[1:])
		flags = "(?is)"
	}

	// A leading p/<product>/ field names the product; only what follows it
	// is kept as the version template.
	if len(tail) > 2 && tail[0] == 'p' {
		for i := 2; i < len(tail); i++ {
			if tail[i] == '\\' {
				i++
			} else if tail[i] == tail[1] {
				tail = strings.TrimSpace(tail[i+1:])
				break
			}
		}
	}

	re, err := regexp.Compile(flags + regexSrc)
	if err != nil {
		return Pattern{}, fmt.Errorf("invalid regex %q: %w", regexSrc, err)
	}

	return Pattern{Regex: re, Service: service, VersionInfo: tail, Soft: soft}, nil
}

// parsePortRanges parses a comma-separated list of singles and inclusive
// ranges, including a trailing open-ended range ("8000-").
func parsePortRanges(spec string) ([]PortRange, error) {
	var ranges []PortRange
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if strings.HasSuffix(part, "-") {
			start, err := strconv.Atoi(strings.TrimSuffix(part, "-"))
			if err != nil {
				return nil, fmt.Errorf("invalid open-ended port range %q", part)
			}
			ranges = append(ranges, PortRange{Start: uint16(start), End: MaxPort})
			continue
		}

		if idx := strings.IndexByte(part, '-'); idx > 0 {
			start, err := strconv.Atoi(part[:idx])
			if err != nil {
				return nil, fmt.Errorf("invalid port range %q", part)
			}
			end, err := strconv.Atoi(part[idx+1:])
			if err != nil {
				return nil, fmt.Errorf("invalid port range %q", part)
			}
			ranges = append(ranges, PortRange{Start: uint16(start), End: uint16(end)})
			continue
		}

		p, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q", part)
		}
		ranges = append(ranges, PortRange{Start: uint16(p), End: uint16(p)})
	}
	return ranges, nil
}

// Serialize renders the database back to its canonical text form. Applied
// to the parser's own output, ParseDatabase is the identity (round-trip
// law).
func (d *Database) Serialize() string {
	var b strings.Builder
	for _, p := range d.Probes {
		transport := "UDP"
		if p.TransportTCP {
			transport = "TCP"
		}
		fmt.Fprintf(&b, "Probe %s %s q|%s|\n", transport, p.Name, escapePayload(p.Payload))
		for _, pat := range p.Patterns {
			directive := "match"
			if pat.Soft {
				directive = "softmatch"
			}
			src := pat.Regex.String()
			flags := ""
			if strings.HasPrefix(src, "(?is)") {
				flags = "i"
			}
			src = strings.TrimPrefix(strings.TrimPrefix(src, "(?is)"), "(?s)")
			line := fmt.Sprintf("%s %s m|%s|%s", directive, pat.Service, src, flags)
			if pat.VersionInfo != "" {
				line += " " + pat.VersionInfo
			}
			fmt.Fprintln(&b, line)
		}
		if len(p.Ports) > 0 {
			fmt.Fprintf(&b, "ports %s\n", serializeRanges(p.Ports))
		}
		if len(p.SSLPorts) > 0 {
			fmt.Fprintf(&b, "sslports %s\n", serializeRanges(p.SSLPorts))
		}
		fmt.Fprintf(&b, "totalwaitms %d\n", p.TotalWaitMS)
		fmt.Fprintf(&b, "rarity %d\n", p.Rarity)
	}
	return b.String()
}

func escapePayload(payload []byte) string {
	var b strings.Builder
	for _, c := range payload {
		switch c {
		case '\r':
			b.WriteString(`\r`)
		case '\n':
			b.WriteString(`\n`)
		case '\t':
			b.WriteString(`\t`)
		case '\\':
			b.WriteString(`\\`)
		case '|':
			b.WriteString(`\x7c`)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func serializeRanges(ranges []PortRange) string {
	parts := make([]string, 0, len(ranges))
	for _, r := range ranges {
		if r.Start == r.End {
			parts = append(parts, strconv.Itoa(int(r.Start)))
		} else if r.End == MaxPort {
			parts = append(parts, fmt.Sprintf("%d-", r.Start))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", r.Start, r.End))
		}
	}
	return strings.Join(parts, ",")
}
