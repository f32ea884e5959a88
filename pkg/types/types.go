// Package types holds the JSON payloads of the mitavoice host API.
package types
