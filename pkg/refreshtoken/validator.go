package refreshtoken

import (
	"strings"
)

const (
	minTTLSeconds          = 1
	maxTTLSeconds          = 365 * 24 * 3600
	minUsedTokenTTLSeconds = 1
	maxUsedTokenTTLSeconds = 3600
)

// validateToken rejects a blank, whitespace-only, or over-long token
// string. It never rejects based on content beyond length — the token is
// an opaque value to the registry.
func validateToken(token string, maxLen int) error {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return &TokenValidationError{Field: "token", Reason: "must not be blank"}
	}
	if len(token) > maxLen {
		return &TokenValidationError{Field: "token", Reason: "exceeds maximum length"}
	}
	return nil
}

// validateCreateData checks the fields Save requires before issuing a
// token: subject and deviceId must both be present and within [1,255].
func validateCreateData(data CreateData) error {
	if err := validateIdentifier("subject", data.Subject); err != nil {
		return err
	}
	if err := validateIdentifier("deviceId", data.DeviceID); err != nil {
		return err
	}
	return nil
}

func validateIdentifier(field, value string) error {
	if value == "" {
		return &TokenValidationError{Field: field, Reason: "must not be empty"}
	}
	if len(value) > 255 {
		return &TokenValidationError{Field: field, Reason: "must be at most 255 characters"}
	}
	return nil
}

// validateRecord checks the canonical shape of a TokenRecord parsed back
// from the backend. A record failing this check is corrupt data, not a
// missing key — getTokenData surfaces it as TokenValidationError rather
// than treating it as "not found".
func validateRecord(r *TokenRecord) error {
	if r == nil {
		return &TokenValidationError{Field: "record", Reason: "must not be nil"}
	}
	if r.Subject == "" {
		return &TokenValidationError{Field: "subject", Reason: "must not be empty"}
	}
	if r.DeviceID == "" {
		return &TokenValidationError{Field: "deviceId", Reason: "must not be empty"}
	}
	if r.IssuedAt <= 0 {
		return &TokenValidationError{Field: "issuedAt", Reason: "must be a positive integer"}
	}
	return nil
}

// validateConfig applies defaults for omitted fields and rejects
// out-of-range values. It is the only place that ever rejects
// configuration — every other component trusts a Config it receives.
func validateConfig(cfg Config) (Config, error) {
	out := cfg

	if out.TTL == 0 {
		out.TTL = DefaultConfig().TTL
	}
	if out.TTL < minTTLSeconds || out.TTL > maxTTLSeconds {
		return Config{}, &ConfigurationError{Field: "ttl", Reason: "must be in [1, 365*24*3600] seconds"}
	}

	if out.UsedTokenTTL == 0 {
		out.UsedTokenTTL = DefaultConfig().UsedTokenTTL
	}
	if out.UsedTokenTTL < minUsedTokenTTLSeconds || out.UsedTokenTTL > maxUsedTokenTTLSeconds {
		return Config{}, &ConfigurationError{Field: "usedTokenTtl", Reason: "must be in [1, 3600] seconds"}
	}

	if out.TokenPrefix == "" {
		out.TokenPrefix = DefaultConfig().TokenPrefix
	}
	if out.UserPrefix == "" {
		out.UserPrefix = DefaultConfig().UserPrefix
	}
	if out.MaxTokenLength == 0 {
		out.MaxTokenLength = DefaultConfig().MaxTokenLength
	}
	if out.MaxDevicesPerUser == 0 {
		out.MaxDevicesPerUser = DefaultConfig().MaxDevicesPerUser
	}
	if out.MaxBatchSize == 0 {
		out.MaxBatchSize = DefaultConfig().MaxBatchSize
	}
	if out.StatsCacheTTL == 0 {
		out.StatsCacheTTL = DefaultConfig().StatsCacheTTL
	}
	if out.Breaker.Timeout == 0 {
		out.Breaker.Timeout = DefaultConfig().Breaker.Timeout
	}
	if out.Breaker.ErrorThresholdPercentage == 0 {
		out.Breaker.ErrorThresholdPercentage = DefaultConfig().Breaker.ErrorThresholdPercentage
	}
	if out.Breaker.ResetTimeout == 0 {
		out.Breaker.ResetTimeout = DefaultConfig().Breaker.ResetTimeout
	}

	return out, nil
}

// validateBatch caps the total batch size and silently drops per-entry
// failures, returning only the entries that passed validation. Exceeding
// maxBatch is a hard error — the caller is expected to chunk its own input.
func validateBatch(entries []batchSaveEntry, maxBatch, maxTokenLen int) ([]batchSaveEntry, error) {
	if len(entries) > maxBatch {
		return nil, &TokenValidationError{Field: "batch", Reason: "exceeds maximum batch size"}
	}

	survivors := make([]batchSaveEntry, 0, len(entries))
	for _, e := range entries {
		if err := validateToken(e.Token, maxTokenLen); err != nil {
			continue
		}
		if err := validateCreateData(CreateData{Subject: e.Record.Subject, DeviceID: e.Record.DeviceID}); err != nil {
			continue
		}
		survivors = append(survivors, e)
	}
	return survivors, nil
}
