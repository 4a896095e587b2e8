// Package utils provides small, generic helper functions used across
// different layers of the application. These utilities are independent
// of domain or business logic.
package utils

import (
	"strconv"
	"strings"
)

// AtoiDefault converts a string to an int using strconv.Atoi.
// If the string is empty or cannot be parsed as an integer,
// it returns the provided default value instead.
//
// Example:
//
//	n := utils.AtoiDefault("42", 0) // returns 42
//	n = utils.AtoiDefault("", 10)   // returns 10
//	n = utils.AtoiDefault("x", 5)   // returns 5
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// Limit parses a page-size query value. Missing, malformed, zero and negative
// values yield def; values above max are capped at max.
//
//	utils.Limit("", 50, 200)    // 50
//	utils.Limit("0", 50, 200)   // 50
//	utils.Limit("500", 50, 200) // 200
func Limit(s string, def, max int) int {
	n := AtoiDefault(strings.TrimSpace(s), def)
	switch {
	case n < 1:
		return def
	case n > max:
		return max
	}
	return n
}
