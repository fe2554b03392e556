/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package crypto

// sensitiveFields maps entity kinds to the field names encrypted at rest.
// Fields not listed here are stored plaintext regardless of tenant mode.
var sensitiveFields = map[string][]string{
	"messages":  {"content"},
	"moments":   {"content", "summary"},
	"resources": {"content"},
	"users":     {"email"},
	"files":     {"content"},
}

// SensitiveFields returns the encrypted field names for an entity kind.
func SensitiveFields(kind string) []string {
	return sensitiveFields[kind]
}

// IsSensitive reports whether a field of the given entity kind is encrypted
// at rest.
func IsSensitive(kind, field string) bool {
	for _, f := range sensitiveFields[kind] {
		if f == field {
			return true
		}
	}
	return false
}

// Redact replaces a value with a fixed placeholder for log output. Logs
// never carry sensitive plaintext, whatever the tenant's encryption mode.
func Redact(value string) string {
	if value == "" {
		return ""
	}
	return "[REDACTED]"
}
