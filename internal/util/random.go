// Package util provides utility functions for the CareFlow application.
package util

import (
	"math/rand"
	"strings"
)

// GenerateRandomID generates a random ID with the specified prefix and hex length.
// The returned ID will be in the format: "{prefix}{hex_string}".
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified length.
// Uses math/rand/v2; the IDs are identifiers, not secrets.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length)

	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.Intn(16)])
	}

	return builder.String()
}

// GenerateEnrollmentID generates a unique enrollment ID with "enr_" prefix.
func GenerateEnrollmentID() string {
	return GenerateRandomID("enr_", 32)
}

// GenerateLogEntryID generates a unique execution log entry ID with "log_" prefix.
func GenerateLogEntryID() string {
	return GenerateRandomID("log_", 32)
}

// GenerateEntityID generates a unique entity ID with "ent_" prefix.
func GenerateEntityID() string {
	return GenerateRandomID("ent_", 32)
}
