package config

import (
	"net/url"
	"sort"
	"strings"
)

// IsSecretKey reports whether the value under key must not be printed as is.
// Any token setting qualifies.
func IsSecretKey(key string) bool {
	leaf := key
	if i := strings.LastIndexByte(key, '.'); i >= 0 {
		leaf = key[i+1:]
	}
	return leaf == "token" || strings.HasSuffix(leaf, "_token")
}

// Flatten converts a nested map into a flat map with dot-separated keys, so
// {"server": {"url": "ws://x"}} becomes {"server.url": "ws://x"}. Empty
// sections produce no keys.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, v := range m {
			if prefix != "" {
				k = prefix + "." + k
			}
			if child, ok := v.(map[string]any); ok {
				walk(k, child)
				continue
			}
			out[k] = v
		}
	}
	walk("", m)
	return out
}

// Unflatten is the inverse of Flatten. A scalar sitting where a section is
// needed is replaced by the section.
func Unflatten(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for key, v := range flat {
		section := out
		for {
			head, rest, nested := strings.Cut(key, ".")
			if !nested {
				section[head] = v
				break
			}
			child, ok := section[head].(map[string]any)
			if !ok {
				child = make(map[string]any)
				section[head] = child
			}
			section, key = child, rest
		}
	}
	return out
}

// SortedKeys returns the keys of a flat map in lexical order.
func SortedKeys(flat map[string]any) []string {
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MaskSecrets returns a copy of the flat map with secrets masked as "***"
// followed by their last four characters. Credentials embedded in the
// server URL (user info or a token query parameter) are masked too.
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		s, ok := v.(string)
		switch {
		case !ok || s == "":
			out[k] = v
		case IsSecretKey(k):
			out[k] = mask(s)
		case k == "server.url":
			out[k] = maskURL(s)
		default:
			out[k] = v
		}
	}
	return out
}

func mask(s string) string {
	if len(s) <= 4 {
		return "***" + s
	}
	return "***" + s[len(s)-4:]
}

func maskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if _, set := u.User.Password(); set {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	q := u.Query()
	if t := q.Get("token"); t != "" {
		q.Set("token", mask(t))
		u.RawQuery = q.Encode()
	}
	return u.String()
}
