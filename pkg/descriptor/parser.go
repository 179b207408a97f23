package descriptor

import (
	"strconv"
	"strings"
)

const maxMultisigKeys = 15

// scriptFunctions are the script expressions known to the descriptor
// language. The value tells whether this package supports them at top level.
var scriptFunctions = map[string]bool{
	"elwpkh":  true,
	"elwsh":   true,
	"elsh":    true,
	"eltr":    false,
	"elpkh":   false,
	"elpk":    false,
	"elcombo": false,
	"eladdr":  false,
	"elraw":   false,
	"wpkh":    false,
	"wsh":     false,
	"sh":      false,
	"tr":      false,
	"pkh":     false,
	"pk":      false,
	"combo":   false,
	"addr":    false,
	"raw":     false,
	"rawtr":   false,
}

func unknownFunction(clause, name string) *Error {
	if supported, ok := scriptFunctions[name]; ok && !supported {
		return unsupported(clause, "%s() is not supported", name)
	}
	return malformed(clause, "unknown function '%s'", name)
}

// splitCall splits "name(a,b,...)" into its name and top level arguments.
func splitCall(str string) (string, []string, error) {
	open := strings.Index(str, "(")
	if open <= 0 || !strings.HasSuffix(str, ")") {
		return "", nil, malformed(str, "expected a function call")
	}
	name := str[:open]
	args, err := splitArgs(str[open+1 : len(str)-1])
	if err != nil {
		return "", nil, malformed(str, "%s", err.Reason)
	}
	return name, args, nil
}

func splitArgs(str string) ([]string, *Error) {
	args := make([]string, 0)
	depth, start := 0, 0
	for i, ch := range str {
		switch ch {
		case '(', '[', '<':
			depth++
		case ')', ']', '>':
			depth--
			if depth < 0 {
				return nil, malformed(str, "unbalanced brackets")
			}
		case ',':
			if depth == 0 {
				args = append(args, str[start:i])
				start = i + 1
			}
		}
	}
	if depth != 0 {
		return nil, malformed(str, "unbalanced brackets")
	}
	args = append(args, str[start:])
	for _, a := range args {
		if strings.TrimSpace(a) == "" {
			return nil, malformed(str, "empty argument")
		}
	}
	return args, nil
}

func parseScript(str string) (Node, ScriptType, error) {
	name, args, err := splitCall(str)
	if err != nil {
		return nil, 0, err
	}

	switch name {
	case "elwpkh":
		leaf, err := parseLeaf(str, args)
		if err != nil {
			return nil, 0, err
		}
		return &Wrapper{WrapperWpkh, leaf}, P2WPKH, nil
	case "elwsh":
		multi, err := parseMultiArg(str, args)
		if err != nil {
			return nil, 0, err
		}
		return &Wrapper{WrapperWsh, multi}, P2WSH, nil
	case "elsh":
		if len(args) != 1 {
			return nil, 0, malformed(str, "elsh() expects 1 argument")
		}
		innerName, innerArgs, err := splitCall(args[0])
		if err != nil {
			return nil, 0, err
		}
		switch innerName {
		case "wpkh", "elwpkh":
			leaf, err := parseLeaf(args[0], innerArgs)
			if err != nil {
				return nil, 0, err
			}
			return &Wrapper{WrapperSh, &Wrapper{WrapperWpkh, leaf}}, P2SH_P2WPKH, nil
		case "wsh", "elwsh":
			multi, err := parseMultiArg(args[0], innerArgs)
			if err != nil {
				return nil, 0, err
			}
			return &Wrapper{WrapperSh, &Wrapper{WrapperWsh, multi}}, P2SH_P2WSH, nil
		case "multi", "sortedmulti":
			return nil, 0, unsupported(args[0], "legacy p2sh multisig is not supported")
		default:
			return nil, 0, unknownFunction(args[0], innerName)
		}
	default:
		return nil, 0, unknownFunction(str, name)
	}
}

func parseLeaf(clause string, args []string) (*Leaf, error) {
	if len(args) != 1 {
		return nil, malformed(clause, "expected exactly one key")
	}
	if strings.Contains(args[0], "(") {
		name, _, _ := splitCall(args[0])
		return nil, unsupported(args[0], "%s() is not allowed here", name)
	}
	key, err := parseKeyExpr(args[0])
	if err != nil {
		return nil, err
	}
	return &Leaf{key}, nil
}

func parseMultiArg(clause string, args []string) (*Multi, error) {
	if len(args) != 1 {
		return nil, malformed(clause, "expected exactly one argument")
	}
	name, margs, err := splitCall(args[0])
	if err != nil {
		if !strings.Contains(args[0], "(") {
			return nil, unsupported(args[0], "bare keys are not supported in wsh")
		}
		return nil, err
	}
	if name != "multi" && name != "sortedmulti" {
		return nil, unknownFunction(args[0], name)
	}
	if len(margs) < 2 {
		return nil, malformed(args[0], "%s() expects a threshold and keys", name)
	}

	threshold, err := strconv.Atoi(margs[0])
	if err != nil {
		return nil, malformed(args[0], "invalid threshold '%s'", margs[0])
	}
	numKeys := len(margs) - 1
	if numKeys > maxMultisigKeys {
		return nil, malformed(args[0], "at most %d keys are allowed", maxMultisigKeys)
	}
	if threshold < 1 || threshold > numKeys {
		return nil, malformed(
			args[0], "threshold must be in range [1, %d]", numKeys,
		)
	}

	multi := &Multi{Threshold: threshold, Sorted: name == "sortedmulti"}
	seen := make(map[string]bool)
	for _, a := range margs[1:] {
		key, err := parseKeyExpr(a)
		if err != nil {
			return nil, err
		}
		if seen[key.String()] {
			return nil, malformed(a, "duplicate key")
		}
		seen[key.String()] = true
		multi.Children = append(multi.Children, &Leaf{key})
	}

	ranged := multi.Children[0].Key.IsRanged()
	for _, c := range multi.Children[1:] {
		if c.Key.IsRanged() != ranged {
			return nil, malformed(args[0], "keys must be either all ranged or none")
		}
	}
	return multi, nil
}
