package canon

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/kgfuse/kgfuse-go/internal/kgx"
)

// Characters that break downstream URI expansion of a CURIE local
// part. They are percent-encoded once; a second pass is a no-op
// because '%' is not in the set.
const hostileChars = ">°<[]{}|\\^`\""

// uriFields are the columns whose values may be expanded to URIs by
// consumers and therefore need encoding.
var uriFields = map[string]bool{
	kgx.ColID:        true,
	kgx.ColSubject:   true,
	kgx.ColObject:    true,
	kgx.ColPredicate: true,
	kgx.ColRelation:  true,
	kgx.ColCategory:  true,
}

var uriSplit = regexp.MustCompile(`^(https?://[^/]+)(/.*)$`)

// sanitizeRow strips carriage returns from every value and
// percent-encodes hostile characters in the URI-bearing columns.
func (c *Canonicalizer) sanitizeRow(row *kgx.Row) {
	for i, col := range row.Schema.Columns() {
		if i >= len(row.Values) {
			break
		}
		v := row.Values[i]
		if v == "" {
			continue
		}
		if strings.ContainsRune(v, '\r') {
			v = strings.ReplaceAll(v, "\r", "")
		}
		if uriFields[col] {
			v = sanitizeIdentifier(v)
		} else if strings.HasPrefix(v, "http") {
			v = sanitizeURI(v)
		}
		row.Values[i] = v
	}
}

// sanitizeIdentifier encodes hostile characters in a CURIE local part,
// keeping the prefix and its first colon intact. Full URIs go through
// sanitizeURI instead.
func sanitizeIdentifier(v string) string {
	if strings.HasPrefix(v, "http") {
		return sanitizeURI(v)
	}
	prefix, local, found := strings.Cut(v, ":")
	if found && prefix != "" {
		if strings.ContainsAny(local, hostileChars) {
			return prefix + ":" + escapeHostile(local)
		}
		return v
	}
	if strings.ContainsAny(v, hostileChars) {
		return escapeHostile(v)
	}
	return v
}

// sanitizeURI encodes the path of a URI-shaped value, preserving the
// scheme, host and slashes.
func sanitizeURI(v string) string {
	m := uriSplit.FindStringSubmatch(v)
	if m == nil {
		return v
	}
	base, path := m[1], m[2]
	if !strings.ContainsAny(path, hostileChars) {
		return v
	}
	return base + escapeHostile(path)
}

// escapeHostile percent-encodes the hostile characters only; slashes,
// colons and already-encoded sequences pass through.
func escapeHostile(v string) string {
	var b strings.Builder
	b.Grow(len(v))
	for _, r := range v {
		if strings.ContainsRune(hostileChars, r) {
			b.WriteString(url.QueryEscape(string(r)))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}
