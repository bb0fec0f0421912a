// Package common provides common utilities for jobmon services
package common

import (
	"os"
	"strconv"
)

// MaskSecret masks sensitive strings for safe logging
// Shows first 4 and last 4 characters for strings longer than 8 chars
// Returns "***" for short strings and "<not set>" for empty strings
//
// Example:
//
//	MaskSecret("") // "<not set>"
//	MaskSecret("short") // "***"
//	MaskSecret("myverylongsecretkey123") // "myve...y123"
func MaskSecret(secret string) string {
	if secret == "" {
		return "<not set>"
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}

// GetEnv retrieves an environment variable with a fallback default value
func GetEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// GetEnvInt retrieves an integer environment variable with a fallback default
func GetEnvInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// Ptr returns a pointer to the given value
// Useful for initializing pointer fields in structs
func Ptr[T any](v T) *T {
	return &v
}

// PtrValue returns the value of a pointer, or the zero value if nil
func PtrValue[T any](ptr *T) T {
	if ptr == nil {
		var zero T
		return zero
	}
	return *ptr
}
