// Package util provides utility functions for the PulsePipe application.
package util

import (
	"math/rand/v2"
	"strings"
)

// ID prefixes for persisted records.
const (
	PrefixFlow         = "flw_"
	PrefixTemplate     = "tpl_"
	PrefixDeliveryLog  = "dlv_"
	PrefixMetric       = "met_"
	PrefixWorkflow     = "wf_"
	PrefixExecution    = "exe_"
	PrefixEscalation   = "esc_"
	PrefixStream       = "str_"
	PrefixAnalytics    = "evt_"
	PrefixTrending     = "trd_"
	PrefixAlert        = "alr_"
	PrefixSentiment    = "snt_"
	PrefixJob          = "job_"
	defaultIDHexLength = 32
)

// GenerateRandomID generates a random ID with the specified prefix and hex length.
// The returned ID will be in the format: "{prefix}{hex_string}".
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// NewID generates a record ID with the given prefix and the default length.
func NewID(prefix string) string {
	return GenerateRandomID(prefix, defaultIDHexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified length.
// Uses math/rand/v2; ids are not secrets.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length)

	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.IntN(16)])
	}

	return builder.String()
}
