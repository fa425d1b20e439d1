// Package env composes child process environments from KEY=VALUE layers.
package env

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type Var map[string]string

// Compose applies layers over base in order; a later layer wins for the same
// key. ${VAR} inside a layer value expands against the variables composed so
// far, so PATH=${PATH}:/opt/bin extends the inherited PATH. Unknown
// references are left as they are. Base values are never expanded.
// The result is sorted by key.
func Compose(base []string, layers ...[]string) []string {
	m := make(Var, len(base))
	for _, kv := range base {
		if k, v, ok := split(kv); ok {
			m[k] = v
		}
	}
	for _, layer := range layers {
		for _, kv := range layer {
			if k, v, ok := split(kv); ok {
				m[k] = expand(v, m)
			}
		}
	}
	return m.List()
}

// List returns the variables as sorted KEY=VALUE entries.
func (m Var) List() []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+m[k])
	}
	return out
}

// ParseFile reads a simple .env file: KEY=VALUE lines, no export, no quotes.
// Blank lines and lines starting with # are skipped, as are lines without '='.
func ParseFile(path string) ([]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read env file: %w", err)
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, "="); ok && strings.TrimSpace(k) != "" {
			out = append(out, strings.TrimSpace(k)+"="+strings.TrimSpace(v))
		}
	}
	return out, nil
}

func split(kv string) (string, string, bool) {
	k, v, ok := strings.Cut(kv, "=")
	if !ok || k == "" {
		return "", "", false
	}
	return k, v, true
}

// expand replaces ${NAME} with its value in m, single pass, no recursion.
func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			break
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			break
		}
		name := s[i+2 : i+2+j]
		b.WriteString(s[:i])
		if v, ok := m[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
	b.WriteString(s)
	return b.String()
}
