package types

const redactedPlaceholder = "***REDACTED***"

var redactedJSON = []byte(`"***REDACTED***"`)

// SecretString holds credentials (Twilio auth token, Stripe keys, database
// URL) and renders as a placeholder through fmt and encoding/json so that
// config dumps and structured logs never carry the raw value.
type SecretString string

// String returns the redacted placeholder.
func (s SecretString) String() string {
	return redactedPlaceholder
}

// MarshalJSON returns the redacted placeholder as a JSON string.
func (s SecretString) MarshalJSON() ([]byte, error) {
	return redactedJSON, nil
}

// Unmask returns the raw value. Call it only at the point of use (HTTP auth
// header, pool DSN).
func (s SecretString) Unmask() string {
	return string(s)
}
