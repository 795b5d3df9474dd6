package testutil

// Test keys and identifiers for use in tests only.
const (
	// TestSigningKey is 32+ bytes of HMAC key material.
	TestSigningKey = "test-signing-key-1234567890123456"
	TestTenantID   = "acme"
	TestAPIKey     = "test-api-key-acme"
)
