package jsonutil

import (
	"strings"
)

const codeFence = "```"

// ExtractJSON returns the first JSON value embedded in model output. Fenced
// blocks win over bare text; otherwise whichever of '{' or '[' opens first is
// scanned to its balanced close.
func ExtractJSON(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	if block, ok := fencedBlock(raw); ok {
		if out, ok := firstBalanced(block); ok {
			return out, true
		}
	}
	return firstBalanced(raw)
}

// ExtractObject is like ExtractJSON but only accepts a JSON object.
func ExtractObject(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if block, ok := fencedBlock(raw); ok {
		if out, ok := balanced(block, '{', '}'); ok {
			return out, true
		}
	}
	return balanced(raw, '{', '}')
}

// ExtractArray is like ExtractJSON but only accepts a JSON array.
func ExtractArray(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if block, ok := fencedBlock(raw); ok {
		if out, ok := balanced(block, '[', ']'); ok {
			return out, true
		}
	}
	return balanced(raw, '[', ']')
}

func fencedBlock(raw string) (string, bool) {
	start := strings.Index(raw, codeFence)
	if start == -1 {
		return "", false
	}
	rest := raw[start+len(codeFence):]
	end := strings.Index(rest, codeFence)
	if end == -1 {
		return "", false
	}
	block := strings.TrimLeft(rest[:end], "\r\n")
	if idx := strings.Index(block, "\n"); idx != -1 {
		// drop a language tag such as ```json
		first := strings.TrimSpace(block[:idx])
		if first != "" && !strings.ContainsAny(first, "[{") {
			block = block[idx+1:]
		}
	}
	block = strings.TrimSpace(block)
	return block, block != ""
}

func firstBalanced(raw string) (string, bool) {
	obj := strings.Index(raw, "{")
	arr := strings.Index(raw, "[")
	switch {
	case obj == -1 && arr == -1:
		return "", false
	case arr == -1 || (obj != -1 && obj < arr):
		return balanced(raw, '{', '}')
	default:
		return balanced(raw, '[', ']')
	}
}

func balanced(raw string, open, close byte) (string, bool) {
	start := strings.IndexByte(raw, open)
	if start == -1 {
		return "", false
	}
	depth := 0
	inString := false
	escape := false
	for i := start; i < len(raw); i++ {
		ch := raw[i]
		if inString {
			switch {
			case escape:
				escape = false
			case ch == '\\':
				escape = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return strings.TrimSpace(raw[start : i+1]), true
			}
		}
	}
	return "", false
}
