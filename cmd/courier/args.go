package main

import (
	"fmt"
	"strconv"
	"strings"
)

// parsedArgs holds positional arguments, repeatable value flags and boolean flags.
type parsedArgs struct {
	positional []string
	values     map[string][]string
	flags      map[string]bool
}

// parseArgs walks args the way the rest of the CLI does: value flags consume
// the next argument, "--flag=value" is accepted too, and anything not starting
// with "--" is positional.
func parseArgs(args, valueFlags, boolFlags []string) (parsedArgs, error) {
	p := parsedArgs{values: map[string][]string{}, flags: map[string]bool{}}
	isValue := make(map[string]bool, len(valueFlags))
	for _, f := range valueFlags {
		isValue[f] = true
	}
	isBool := make(map[string]bool, len(boolFlags))
	for _, f := range boolFlags {
		isBool[f] = true
	}

	for i := 0; i < len(args); i++ {
		a := args[i]
		if !strings.HasPrefix(a, "--") || a == "--" {
			p.positional = append(p.positional, a)
			continue
		}
		name, inline, hasInline := strings.Cut(a, "=")
		switch {
		case isValue[name]:
			if hasInline {
				p.values[name] = append(p.values[name], inline)
				continue
			}
			if i+1 >= len(args) {
				return p, fmt.Errorf("%s requires a value", name)
			}
			i++
			p.values[name] = append(p.values[name], args[i])
		case isBool[name]:
			if hasInline {
				v, err := strconv.ParseBool(inline)
				if err != nil {
					return p, fmt.Errorf("invalid %s value: %s", name, inline)
				}
				p.flags[name] = v
				continue
			}
			p.flags[name] = true
		default:
			return p, fmt.Errorf("unknown flag: %s", name)
		}
	}
	return p, nil
}

// value returns the last value given for name.
func (p parsedArgs) value(name string) string {
	v := p.values[name]
	if len(v) == 0 {
		return ""
	}
	return v[len(v)-1]
}

func (p parsedArgs) has(name string) bool {
	_, ok := p.values[name]
	return ok
}

func (p parsedArgs) flag(name string) bool { return p.flags[name] }

func (p parsedArgs) intValue(name string) (int, error) {
	s := p.value(name)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %s", name, s)
	}
	return n, nil
}

// keyValues parses repeated key=value arguments.
func (p parsedArgs) keyValues(name string) (map[string]interface{}, error) {
	vals := p.values[name]
	if len(vals) == 0 {
		return nil, nil
	}
	out := make(map[string]interface{}, len(vals))
	for _, kv := range vals {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid %s value %q: want key=value", name, kv)
		}
		out[k] = v
	}
	return out, nil
}
