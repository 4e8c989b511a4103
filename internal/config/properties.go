package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
)

// envRef matches a ${NAME} reference. Bare $NAME is taken literally so values
// such as passwords may contain '$'.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Properties is an ordered, immutable set of client properties such as
// bootstrap.servers or sasl.username. The zero value is an empty set.
//
// Properties is never mutated after construction. Per-operation settings are
// layered on with [Properties.With], which returns a new value, so a single
// Properties can be shared by concurrent requests.
type Properties struct {
	keys   []string
	values map[string]string
}

// PropertiesError reports a malformed line in a properties source.
type PropertiesError struct {
	Line int
	Text string
	// Reason is set when the line parsed but its value could not be resolved.
	Reason string
}

func (e *PropertiesError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("line %d: %s", e.Line, e.Reason)
	}
	return fmt.Sprintf("line %d: expected key=value, got %q", e.Line, e.Text)
}

// NewProperties builds Properties from alternating key, value pairs. It panics
// on an odd number of arguments and is meant for tests and static defaults.
func NewProperties(kv ...string) Properties {
	if len(kv)%2 != 0 {
		panic("config.NewProperties: odd number of arguments")
	}
	var p Properties
	for i := 0; i < len(kv); i += 2 {
		p = p.With(kv[i], kv[i+1])
	}
	return p
}

// LoadProperties reads a key=value properties file. ${NAME} references in
// values are expanded from the environment.
func LoadProperties(path string) (Properties, error) {
	f, err := os.Open(path)
	if err != nil {
		return Properties{}, fmt.Errorf("opening properties file: %w", err)
	}
	defer func() { _ = f.Close() }()

	p, err := ParseProperties(f)
	if err != nil {
		return Properties{}, fmt.Errorf("parsing properties file %s: %w", path, err)
	}
	return p, nil
}

// ParseProperties parses key=value lines. Blank lines and lines starting with
// '#' are skipped. Each line is split on the first '='; key and value are
// trimmed. A later duplicate key replaces the earlier value but keeps its
// position. ${NAME} references in values are replaced from the environment and
// an unset NAME is an error; any other '$' is kept as written.
func ParseProperties(r io.Reader) (Properties, error) {
	var p Properties
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return Properties{}, &PropertiesError{Line: lineNo, Text: line}
		}
		value, err := expandRefs(strings.TrimSpace(value))
		if err != nil {
			return Properties{}, &PropertiesError{Line: lineNo, Text: line, Reason: err.Error()}
		}
		p = p.with(key, value)
	}
	if err := sc.Err(); err != nil {
		return Properties{}, fmt.Errorf("reading properties: %w", err)
	}
	return p, nil
}

func expandRefs(value string) (string, error) {
	var missing []string
	out := envRef.ReplaceAllStringFunc(value, func(ref string) string {
		name := envRef.FindStringSubmatch(ref)[1]
		v, ok := os.LookupEnv(name)
		if !ok {
			missing = append(missing, name)
			return ref
		}
		return v
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("environment variable %s is not set", strings.Join(missing, ", "))
	}
	return out, nil
}

// Get returns the value for key, or "" if it is not set.
func (p Properties) Get(key string) string {
	return p.values[key]
}

// Lookup returns the value for key and whether it was set.
func (p Properties) Lookup(key string) (string, bool) {
	v, ok := p.values[key]
	return v, ok
}

// Len returns the number of properties.
func (p Properties) Len() int {
	return len(p.keys)
}

// Keys returns the property keys in insertion order.
func (p Properties) Keys() []string {
	out := make([]string, len(p.keys))
	copy(out, p.keys)
	return out
}

// With returns a copy of p with key set to value. p itself is unchanged.
func (p Properties) With(key, value string) Properties {
	return p.with(key, value)
}

func (p Properties) with(key, value string) Properties {
	out := Properties{
		keys:   make([]string, len(p.keys), len(p.keys)+1),
		values: make(map[string]string, len(p.values)+1),
	}
	copy(out.keys, p.keys)
	for k, v := range p.values {
		out.values[k] = v
	}
	if _, exists := out.values[key]; !exists {
		out.keys = append(out.keys, key)
	}
	out.values[key] = value
	return out
}

// String renders the properties as key=value lines with secrets masked.
func (p Properties) String() string {
	var b strings.Builder
	for _, k := range p.keys {
		v := p.values[k]
		if isSecretKey(k) {
			v = "****"
		}
		fmt.Fprintf(&b, "%s=%s\n", k, v)
	}
	return b.String()
}

func isSecretKey(key string) bool {
	k := strings.ToLower(key)
	return strings.Contains(k, "password") || strings.Contains(k, "secret") || strings.HasSuffix(k, ".key")
}
