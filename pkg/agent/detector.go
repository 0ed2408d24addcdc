package agent

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// The model can request tools mid-stream by emitting an XML block:
//
//	<function_calls>
//	  <invoke name="tool">
//	    <parameter name="arg">value</parameter>
//	  </invoke>
//	</function_calls>
//
// The Detector scans streamed text incrementally, suppresses such blocks from
// the visible output and extracts the invocations. Text that merely looks like
// the start of a tag is buffered until it is either confirmed or provably
// ordinary text, so blocks split across arbitrary chunk boundaries are still
// caught and stray "<" characters in prose pass through unchanged.
type Detector struct {
	state     detectorState
	tail      string // raw candidate text held while a tag prefix is ambiguous
	rawOpen   string // raw opening tag, replayed verbatim if the stream ends mid-block
	collected string
	// searchFrom bounds the close-tag scan so each Feed only revisits a
	// small overlap window instead of rescanning the whole block.
	searchFrom int
}

type detectorState int

const (
	stateScanning detectorState = iota
	stateBufferingTag
	stateCollecting
)

const (
	openTagName = "function_calls"

	// maxTagHold caps how many raw characters may be withheld while a "<"
	// candidate is still ambiguous.
	maxTagHold = 48
)

// ToolInvocation is one extracted invoke block.
type ToolInvocation struct {
	Tool      string
	Arguments map[string]interface{}
}

var (
	invokeRe = regexp.MustCompile(`(?is)<invoke\s+name="([^"]+)"\s*>(.*?)</invoke>`)
	paramRe  = regexp.MustCompile(`(?is)<parameter\s+name="([^"]+)"\s*>(.*?)</parameter>`)
)

// NewDetector returns a detector in its initial scanning state.
func NewDetector() *Detector {
	return &Detector{}
}

// Feed consumes the next stream chunk and returns the text safe to show plus
// any tool invocations completed by this chunk.
func (d *Detector) Feed(chunk string) (string, []ToolInvocation) {
	var out strings.Builder
	var invs []ToolInvocation

	s := d.tail + chunk
	d.tail = ""
	if d.state == stateBufferingTag {
		d.state = stateScanning
	}

	for s != "" || d.state == stateCollecting {
		if d.state == stateCollecting {
			d.collected += s
			s = ""
			rest, blockInvs, closed := d.scanForClose()
			if !closed {
				return out.String(), invs
			}
			invs = append(invs, blockInvs...)
			d.state = stateScanning
			d.collected = ""
			d.rawOpen = ""
			d.searchFrom = 0
			s = rest
			continue
		}

		i := strings.IndexByte(s, '<')
		if i < 0 {
			out.WriteString(s)
			s = ""
			break
		}
		out.WriteString(s[:i])
		s = s[i:]

		gt := strings.IndexByte(s, '>')
		if gt < 0 {
			if len(s) <= maxTagHold && couldBeOpenTag(normalizeTagToken(s[1:])) {
				d.tail = s
				d.state = stateBufferingTag
				return out.String(), invs
			}
			// provably not an opening tag, pass the "<" through
			out.WriteByte('<')
			s = s[1:]
			continue
		}

		if isOpenTag(normalizeTagToken(s[1:gt])) {
			d.state = stateCollecting
			d.rawOpen = s[:gt+1]
			d.collected = ""
			d.searchFrom = 0
			s = s[gt+1:]
			continue
		}
		out.WriteByte('<')
		s = s[1:]
	}

	return out.String(), invs
}

// scanForClose looks for the closing tag in the collected block. It returns
// the text following the closing tag, the parsed invocations and whether the
// block is complete.
func (d *Detector) scanForClose() (string, []ToolInvocation, bool) {
	from := d.searchFrom
	for {
		j := strings.Index(d.collected[from:], "</")
		if j < 0 {
			if len(d.collected) > maxTagHold {
				d.searchFrom = len(d.collected) - maxTagHold
			}
			return "", nil, false
		}
		abs := from + j
		gt := strings.IndexByte(d.collected[abs:], '>')
		if gt < 0 {
			d.searchFrom = abs
			return "", nil, false
		}
		if isOpenTag(normalizeTagToken(d.collected[abs+2 : abs+gt])) {
			invs := parseInvocations(d.collected[:abs])
			return d.collected[abs+gt+1:], invs, true
		}
		from = abs + 2
	}
}

// Flush returns any withheld text. Call it when the stream ends; an
// unterminated block is replayed verbatim rather than silently dropped.
func (d *Detector) Flush() string {
	var out string
	switch d.state {
	case stateBufferingTag:
		out = d.tail
	case stateCollecting:
		out = d.rawOpen + d.collected
	}
	d.state = stateScanning
	d.tail = ""
	d.rawOpen = ""
	d.collected = ""
	d.searchFrom = 0
	return out
}

// normalizeTagToken lowercases the token and strips whitespace and pipe
// noise so variants like "< Function_Calls >" still match.
func normalizeTagToken(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsSpace(r) || r == '|' {
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// isOpenTag matches the normalized token against the tag family, allowing a
// vendor prefix before the final colon.
func isOpenTag(tok string) bool {
	if i := strings.LastIndexByte(tok, ':'); i >= 0 {
		tok = tok[i+1:]
	}
	return tok == openTagName
}

// couldBeOpenTag reports whether a normalized partial token may still grow
// into the opening tag.
func couldBeOpenTag(tok string) bool {
	if tok == "" {
		return true
	}
	if i := strings.LastIndexByte(tok, ':'); i >= 0 {
		return strings.HasPrefix(openTagName, tok[i+1:])
	}
	if strings.HasPrefix(openTagName, tok) {
		return true
	}
	// could still be an unfinished vendor prefix
	return isTagIdent(tok)
}

func isTagIdent(tok string) bool {
	for i, r := range tok {
		if i == 0 {
			if r < 'a' || r > 'z' {
				return false
			}
			continue
		}
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '_' && r != '.' && r != '-' {
			return false
		}
	}
	return true
}

// parseInvocations extracts invoke blocks from a completed tool-call block.
func parseInvocations(inner string) []ToolInvocation {
	var invs []ToolInvocation
	for _, m := range invokeRe.FindAllStringSubmatch(inner, -1) {
		inv := ToolInvocation{
			Tool:      strings.TrimSpace(m[1]),
			Arguments: map[string]interface{}{},
		}
		for _, p := range paramRe.FindAllStringSubmatch(m[2], -1) {
			inv.Arguments[strings.TrimSpace(p[1])] = coerceParamValue(strings.TrimSpace(p[2]))
		}
		invs = append(invs, inv)
	}
	return invs
}

// coerceParamValue turns purely numeric parameter text into numbers so tools
// receive typed arguments.
func coerceParamValue(v string) interface{} {
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return v
}
