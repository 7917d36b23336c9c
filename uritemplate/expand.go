package uritemplate

import (
	"fmt"
	"sort"
	"strings"
)

// Values supplies variable bindings for Expand. A value is a string, a
// []string (list), a map[string]string (associative array), or nil/missing
// (treated as undefined).
type Values map[string]interface{}

const (
	unreserved = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"
	genDelims  = ":/?#[]@"
	subDelims  = "!$&'()*+,;="
)

var reserved = unreserved + genDelims + subDelims

func isHexDigit(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'a' && b <= 'f') || (b >= 'A' && b <= 'F')
}

// pctEncode percent-encodes s, leaving pre-existing valid "%XX" triplets
// byte-for-byte untouched so that Expand is idempotent with respect to
// percent-encoding. allowed is the additional character set left unescaped
// beyond the unreserved set (the reserved set, for "+"/"#" operators).
func pctEncode(s string, allowed string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '%' && i+2 < len(s) && isHexDigit(s[i+1]) && isHexDigit(s[i+2]) {
			b.WriteByte('%')
			b.WriteByte(s[i+1])
			b.WriteByte(s[i+2])
			i += 2
			continue
		}
		if strings.IndexByte(allowed, c) >= 0 {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", c)
	}
	return b.String()
}

func truncate(s string, maxLen int) string {
	if maxLen <= 0 || maxLen >= len([]rune(s)) {
		return s
	}
	return string([]rune(s)[:maxLen])
}

type opInfo struct {
	first     string // prefix before the first substitution
	sep       string // separator between multiple substitutions
	named     bool   // "name=value" form even when not exploded
	ifEmpty   string // suffix when named and value is ""
	allowed   string // allowed literal chars besides unreserved
}

func (o operator) info() opInfo {
	switch o {
	case opReserved:
		return opInfo{sep: ",", allowed: reserved}
	case opFragment:
		return opInfo{first: "#", sep: ",", allowed: reserved}
	case opLabel:
		return opInfo{first: ".", sep: ".", allowed: unreserved}
	case opPath:
		return opInfo{first: "/", sep: "/", allowed: unreserved}
	case opPathParm:
		return opInfo{first: ";", sep: ";", named: true, allowed: unreserved}
	case opQuery:
		return opInfo{first: "?", sep: "&", named: true, ifEmpty: "=", allowed: unreserved}
	case opQueryCnt:
		return opInfo{first: "&", sep: "&", named: true, ifEmpty: "=", allowed: unreserved}
	default:
		return opInfo{sep: ",", allowed: unreserved}
	}
}

// Expand substitutes vars into the template. Unicode input is encoded as
// UTF-8 bytes; pre-existing "%XX" triplets in string values are preserved.
func Expand(t *Template, vars Values) (string, error) {
	var b strings.Builder
	for _, n := range t.nodes {
		if n.expr == nil {
			b.WriteString(n.literal)
			continue
		}
		s, err := expandExpression(n.expr, vars)
		if err != nil {
			return "", err
		}
		b.WriteString(s)
	}
	return b.String(), nil
}

func expandExpression(e *expression, vars Values) (string, error) {
	info := e.op.info()
	var parts []string
	for _, v := range e.vars {
		val, ok := vars[v.name]
		if !ok || val == nil {
			continue
		}
		switch tv := val.(type) {
		case string:
			if tv == "" && !v.explode {
				if info.named {
					parts = append(parts, v.name+info.ifEmpty)
				} else {
					parts = append(parts, "")
				}
				continue
			}
			enc := pctEncode(truncate(tv, v.maxLen), info.allowed)
			if info.named {
				parts = append(parts, v.name+"="+enc)
			} else {
				parts = append(parts, enc)
			}
		case []string:
			if len(tv) == 0 {
				continue
			}
			if v.explode {
				for _, item := range tv {
					enc := pctEncode(item, info.allowed)
					if info.named {
						parts = append(parts, v.name+"="+enc)
					} else {
						parts = append(parts, enc)
					}
				}
			} else {
				encItems := make([]string, len(tv))
				for i, item := range tv {
					encItems[i] = pctEncode(item, info.allowed)
				}
				joined := strings.Join(encItems, ",")
				if info.named {
					parts = append(parts, v.name+"="+joined)
				} else {
					parts = append(parts, joined)
				}
			}
		case map[string]string:
			if len(tv) == 0 {
				continue
			}
			keys := make([]string, 0, len(tv))
			for k := range tv {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			if v.explode {
				for _, k := range keys {
					parts = append(parts, pctEncode(k, info.allowed)+"="+pctEncode(tv[k], info.allowed))
				}
			} else {
				var kv []string
				for _, k := range keys {
					kv = append(kv, pctEncode(k, info.allowed), pctEncode(tv[k], info.allowed))
				}
				joined := strings.Join(kv, ",")
				if info.named {
					parts = append(parts, v.name+"="+joined)
				} else {
					parts = append(parts, joined)
				}
			}
		default:
			return "", fmt.Errorf("uritemplate: variable %q has unsupported type %T", v.name, val)
		}
	}
	if len(parts) == 0 {
		return "", nil
	}
	return info.first + strings.Join(parts, info.sep), nil
}
