package patient

import "strings"

// NormalizeName lowercases name, strips commas and collapses whitespace.
// It is idempotent.
func NormalizeName(name string) string {
	name = strings.ReplaceAll(strings.ToLower(name), ",", "")
	return strings.Join(strings.Fields(name), " ")
}

// SurnameToken returns the first token of the normalized name. EMR exports
// list the surname first ("Garcia, Jose").
func SurnameToken(name string) string {
	fields := strings.Fields(NormalizeName(name))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
