package log

import "strings"

// controlCharReplacer escapes characters that would let a caller forge log
// lines in line-oriented encoders (CWE-117).
var controlCharReplacer = strings.NewReplacer(
	"\n", `\n`,
	"\r", `\r`,
	"\t", `\t`,
)

// Sanitize escapes newline, carriage return and tab characters.
func Sanitize(s string) string {
	return controlCharReplacer.Replace(s)
}

// SafeKey quotes a key and truncates it so user supplied identifiers stay
// bounded in log output.
func SafeKey(key string) string {
	const maxKeyLen = 128

	if len(key) > maxKeyLen {
		key = key[:maxKeyLen] + "...(truncated)"
	}

	return Sanitize(key)
}
