// Package types defines shared request/result types, provider boundary
// contracts, and the structured error taxonomy used across the request
// economics core.
package types
