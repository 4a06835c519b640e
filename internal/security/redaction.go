package security

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/g960059/procmux/internal/model"
)

const redacted = "[REDACTED]"

var (
	secretKeyExpr     = `(?:password|passwd|secret|api[_-]?key|[a-z0-9._-]*token[a-z0-9._-]*)`
	kvSecretPattern   = regexp.MustCompile(`(?i)(` + secretKeyExpr + `)\s*[:=]\s*(?:"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'|[^\s"']+)`)
	flagSecretPattern = regexp.MustCompile(`(?i)(--?` + secretKeyExpr + `)(\s+|=)(?:"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'|[^\s"']+)`)
	bearerPattern     = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`)
	urlUserPattern    = regexp.MustCompile(`(?i)([a-z][a-z0-9+.-]*://)[^\s/@]+@`)
	secretNamePattern = regexp.MustCompile(`(?i)` + secretKeyExpr + `|credential|private_key`)
)

// RedactCommandLine masks credentials that commonly appear in command lines:
// KEY=value assignments, --token flags, bearer tokens and URL userinfo.
func RedactCommandLine(input string) string {
	if input == "" {
		return ""
	}
	out := flagSecretPattern.ReplaceAllString(input, "${1}${2}"+redacted)
	out = kvSecretPattern.ReplaceAllStringFunc(out, func(match string) string {
		idx := strings.IndexAny(match, ":=")
		if idx < 0 {
			return redacted
		}
		return match[:idx+1] + redacted
	})
	out = bearerPattern.ReplaceAllString(out, "Bearer "+redacted)
	out = urlUserPattern.ReplaceAllString(out, "${1}"+redacted+"@")
	return out
}

// RedactInput describes keystrokes without storing them. Typed input may be a
// password at a prompt, so only its size survives.
func RedactInput(data string) string {
	if data == "" {
		return ""
	}
	return fmt.Sprintf("%d bytes", len(data))
}

// RedactEnv renders overrides as NAME=value with secret-looking values masked.
func RedactEnv(env []model.EnvVar) string {
	parts := make([]string, 0, len(env))
	for _, v := range env {
		switch {
		case v.Value == nil:
			parts = append(parts, "-"+v.Name)
		case secretNamePattern.MatchString(v.Name):
			parts = append(parts, v.Name+"="+redacted)
		default:
			parts = append(parts, v.Name+"="+RedactCommandLine(*v.Value))
		}
	}
	return strings.Join(parts, " ")
}
