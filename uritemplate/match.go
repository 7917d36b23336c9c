package uritemplate

import (
	"strings"
)

// EncodingPolicy controls how captured percent-encoded bytes are returned
// from Match.
type EncodingPolicy int

const (
	// Cooked decodes valid "%XX" triplets exactly once. An invalid triplet
	// (bad hex, or a trailing bare "%") is returned as-is unless Strict.
	Cooked EncodingPolicy = iota
	// Opaque keeps raw "%XX" bytes untouched, guaranteeing
	// Expand(Match(u)) == u for canonical input.
	Opaque
	// Lossless returns both the raw and the decoded form for every captured
	// value, as a LosslessValue (or []LosslessValue for list captures).
	Lossless
)

// LosslessValue carries both representations of a captured value when
// MatchOptions.Policy is Lossless.
type LosslessValue struct {
	Raw     string
	Decoded string
}

// MatchOptions controls Match's encoding policy and strictness.
type MatchOptions struct {
	Policy EncodingPolicy
	// Strict rejects a match when a captured segment contains a bare "%" or
	// an invalid triplet. Non-strict accepts it verbatim (as Cooked would
	// leave it).
	Strict bool
}

// percentDecode decodes valid "%XX" triplets in s exactly once. ok is false
// iff a malformed triplet or bare "%" was found.
func percentDecode(s string) (decoded string, ok bool) {
	var b strings.Builder
	b.Grow(len(s))
	ok = true
	for i := 0; i < len(s); i++ {
		if s[i] == '%' {
			if i+2 >= len(s) || !isHexDigit(s[i+1]) || !isHexDigit(s[i+2]) {
				ok = false
				b.WriteByte(s[i])
				continue
			}
			hi := unhex(s[i+1])
			lo := unhex(s[i+2])
			b.WriteByte(hi<<4 | lo)
			i += 2
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String(), ok
}

func unhex(b byte) byte {
	switch {
	case b >= '0' && b <= '9':
		return b - '0'
	case b >= 'a' && b <= 'f':
		return b - 'a' + 10
	case b >= 'A' && b <= 'F':
		return b - 'A' + 10
	}
	return 0
}

// resolveValue turns a raw captured (still percent-encoded) string into the
// value to store for a variable, per the requested encoding policy.
func resolveValue(raw string, opts MatchOptions) (interface{}, bool) {
	decoded, ok := percentDecode(raw)
	if !ok && opts.Strict {
		return nil, false
	}
	switch opts.Policy {
	case Opaque:
		return raw, true
	case Lossless:
		return LosslessValue{Raw: raw, Decoded: decoded}, true
	default: // Cooked
		if ok {
			return decoded, true
		}
		return raw, true
	}
}

// Match attempts to recover the variable bindings that would expand t into
// u. It returns (vars, true) on a match, (nil, false) otherwise.
func Match(t *Template, u string, opts MatchOptions) (Values, bool) {
	pathPart, queryPart, fragPart := splitURL(u)

	var pathNodes []node
	var queryExprs []*expression
	var fragExprs []*expression
	for _, n := range t.nodes {
		if n.expr != nil {
			switch n.expr.op {
			case opQuery, opQueryCnt:
				queryExprs = append(queryExprs, n.expr)
				continue
			case opFragment:
				fragExprs = append(fragExprs, n.expr)
				continue
			}
		}
		pathNodes = append(pathNodes, n)
	}

	out := Values{}
	if !matchPath(pathNodes, pathPart, opts, out) {
		return nil, false
	}
	if !matchParamExprs(queryExprs, queryPart, "&", opts, out) {
		return nil, false
	}
	if !matchParamExprs(fragExprs, fragPart, ",", opts, out) {
		return nil, false
	}
	return out, true
}

func splitURL(u string) (path, query, frag string) {
	path = u
	if i := strings.IndexByte(path, '#'); i >= 0 {
		frag = path[i+1:]
		path = path[:i]
	}
	if i := strings.IndexByte(path, '?'); i >= 0 {
		query = path[i+1:]
		path = path[:i]
	}
	return
}

// matchPath walks literal/path-expression nodes against s left to right.
func matchPath(nodes []node, s string, opts MatchOptions, out Values) bool {
	pos := 0
	for i, n := range nodes {
		if n.expr == nil {
			if !strings.HasPrefix(s[pos:], n.literal) {
				return false
			}
			pos += len(n.literal)
			continue
		}
		nextLiteral := ""
		if i+1 < len(nodes) && nodes[i+1].expr == nil {
			nextLiteral = nodes[i+1].literal
		}
		consumed, ok := matchExpression(n.expr, s[pos:], nextLiteral, opts, out)
		if !ok {
			return false
		}
		pos += consumed
	}
	return pos == len(s)
}

// matchExpression matches one non-query expression against the remainder of
// the path string, returning how many bytes were consumed.
func matchExpression(e *expression, s string, nextLiteral string, opts MatchOptions, out Values) (int, bool) {
	switch e.op {
	case opPath:
		return matchDelimited(e, s, "/", true, nextLiteral, opts, out)
	case opLabel:
		return matchDelimited(e, s, ".", true, nextLiteral, opts, out)
	case opPathParm:
		return matchDelimited(e, s, ";", false, nextLiteral, opts, out)
	default: // simple, reserved
		return matchCommaList(e, s, nextLiteral, opts, out)
	}
}

// matchDelimited matches a sequence of vars each preceded by delim (path "/"
// and label "." operators: every variable, including the first, is preceded
// by the delimiter in the expanded form).
func matchDelimited(e *expression, s string, delim string, leadingDelim bool, nextLiteral string, opts MatchOptions, out Values) (int, bool) {
	pos := 0
	for i, v := range e.vars {
		if leadingDelim || i > 0 {
			if !strings.HasPrefix(s[pos:], delim) {
				return 0, false
			}
			pos += len(delim)
		}
		terminator := delim
		if i == len(e.vars)-1 {
			terminator = nextLiteral
		}
		end := findTerminator(s[pos:], terminator)
		raw := s[pos : pos+end]
		if v.name != "" {
			val, ok := resolveValue(raw, opts)
			if !ok {
				return 0, false
			}
			out[v.name] = val
		}
		pos += end
	}
	return pos, true
}

// matchCommaList matches a simple/reserved expression: one or more vars
// whose raw, comma-joined span runs until nextLiteral (or end of string).
func matchCommaList(e *expression, s string, nextLiteral string, opts MatchOptions, out Values) (int, bool) {
	end := findTerminator(s, nextLiteral)
	span := s[:end]
	if len(e.vars) == 1 {
		val, ok := resolveValue(span, opts)
		if !ok {
			return 0, false
		}
		out[e.vars[0].name] = val
		return end, true
	}
	parts := strings.Split(span, ",")
	for i, v := range e.vars {
		if i >= len(parts) {
			break
		}
		val, ok := resolveValue(parts[i], opts)
		if !ok {
			return 0, false
		}
		out[v.name] = val
	}
	return end, true
}

// findTerminator returns the index in s where the next literal begins (the
// greedy capture stops there), or len(s) if term is empty or absent.
func findTerminator(s string, term string) int {
	if term == "" {
		return len(s)
	}
	if idx := strings.Index(s, term); idx >= 0 {
		return idx
	}
	return len(s)
}

// matchParamExprs matches query ("?"/"&") or fragment list-style expressions
// against a raw "a=1&b=2"-shaped param string. itemSep is "&" for query
// params, "," for simple fragment lists.
func matchParamExprs(exprs []*expression, raw string, itemSep string, opts MatchOptions, out Values) bool {
	if len(exprs) == 0 {
		return true
	}
	items := map[string][]string{}
	if raw != "" {
		for _, item := range strings.Split(raw, itemSep) {
			if item == "" {
				continue
			}
			name := item
			val := ""
			if idx := strings.IndexByte(item, '='); idx >= 0 {
				name = item[:idx]
				val = item[idx+1:]
			}
			items[name] = append(items[name], val)
		}
	}
	for _, e := range exprs {
		for _, v := range e.vars {
			vals, present := items[v.name]
			if !present {
				continue
			}
			if v.explode || len(vals) > 1 {
				if opts.Policy == Lossless {
					lvs := make([]LosslessValue, 0, len(vals))
					for _, raw := range vals {
						val, ok := resolveValue(raw, opts)
						if !ok {
							return false
						}
						lvs = append(lvs, val.(LosslessValue))
					}
					out[v.name] = lvs
					continue
				}
				resolved := make([]string, 0, len(vals))
				for _, raw := range vals {
					val, ok := resolveValue(raw, opts)
					if !ok {
						return false
					}
					if s, isStr := val.(string); isStr {
						resolved = append(resolved, s)
					} else if lv, isLV := val.(LosslessValue); isLV {
						resolved = append(resolved, lv.Decoded)
					}
				}
				out[v.name] = resolved
			} else {
				val, ok := resolveValue(vals[0], opts)
				if !ok {
					return false
				}
				out[v.name] = val
			}
		}
	}
	return true
}
