package secrets

import (
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/stevedore/pkg/engine"
)

// sensitiveMarkers are matched against upper-cased config keys.
var sensitiveMarkers = []string{"PASSWORD", "SECRET", "KEY", "TOKEN", "AUTH", "CREDENTIAL"}

// IsSensitive reports whether a config key names a secret.
func IsSensitive(key string) bool {
	upper := strings.ToUpper(key)
	for _, m := range sensitiveMarkers {
		if strings.Contains(upper, m) {
			return true
		}
	}
	return false
}

// EncryptSensitive returns a copy of cfg with sensitive values encrypted.
func EncryptSensitive(codec engine.SensitiveConfigCodec, cfg map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(cfg))
	for k, v := range cfg {
		if codec == nil || !IsSensitive(k) {
			out[k] = v
			continue
		}
		enc, err := codec.Encrypt(v)
		if err != nil {
			return nil, err
		}
		out[k] = enc
	}
	return out, nil
}

// DecryptSensitive returns a copy of cfg with encrypted values opened.
// A value that fails to decrypt is kept as stored.
func DecryptSensitive(codec engine.SensitiveConfigCodec, cfg map[string]string) map[string]string {
	out := make(map[string]string, len(cfg))
	for k, v := range cfg {
		if codec == nil || !IsEncrypted(v) {
			out[k] = v
			continue
		}
		plain, err := codec.Decrypt(v)
		if err != nil {
			log.Warn().Err(err).Str("key", k).Msg("Failed to decrypt config value, keeping stored value")
			out[k] = v
			continue
		}
		out[k] = plain
	}
	return out
}

// Redact returns a copy of cfg with sensitive values masked for display.
func Redact(cfg map[string]string) map[string]string {
	out := make(map[string]string, len(cfg))
	for k, v := range cfg {
		if IsSensitive(k) && v != "" {
			out[k] = "******"
			continue
		}
		out[k] = v
	}
	return out
}
