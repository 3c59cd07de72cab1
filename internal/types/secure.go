package types

// redactedPlaceholder replaces secret values in logs and serialization.
const redactedPlaceholder = "***REDACTED***"

var redactedJSON = []byte(`"***REDACTED***"`)

// SecretString is a string type that prevents accidental logging or
// serialization of sensitive values such as API keys and webhook signing
// secrets. String() and MarshalJSON() return a redacted placeholder; call
// Unmask() at the point where the raw value is genuinely required.
type SecretString string

// String returns a redacted placeholder instead of the raw value, covering
// fmt.Sprintf, fmt.Println, and anything else using fmt.Stringer.
func (s SecretString) String() string {
	return redactedPlaceholder
}

// MarshalJSON returns the redacted placeholder as a JSON string so secrets
// never appear in serialized config dumps or structured log entries.
func (s SecretString) MarshalJSON() ([]byte, error) {
	return redactedJSON, nil
}

// Unmask returns the raw plaintext value. Restrict usage to the places the
// secret is actually consumed: Authorization headers, connection strings,
// signature verification.
func (s SecretString) Unmask() string {
	return string(s)
}
