package crypto

import "fmt"

// Secrets bundles the credential values the gateway may need to decrypt at
// startup: the two vendor API keys and the NATS NKey seed, token and
// password. Operators can
// store any of these with the "enc:" prefix produced by Encrypt so they
// never sit in plaintext in config management.
type Secrets struct {
	OpenAIAPIKey    string
	AnthropicAPIKey string
	NatsNkeySeed    string
	NatsToken       string
	NatsPassword    string
}

// DecryptSecrets decrypts every "enc:"-prefixed field in place. If key is
// nil, the secrets are returned unchanged (no-op) — plaintext deployments
// never pay for this.
func DecryptSecrets(s Secrets, key []byte) (Secrets, error) {
	if key == nil {
		return s, nil
	}

	fields := []*string{&s.OpenAIAPIKey, &s.AnthropicAPIKey, &s.NatsNkeySeed, &s.NatsToken, &s.NatsPassword}
	names := []string{"openai_api_key", "anthropic_api_key", "nats_nkey_seed", "nats_token", "nats_password"}

	for i, f := range fields {
		if *f == "" {
			continue
		}
		dec, err := Decrypt(*f, key)
		if err != nil {
			return s, fmt.Errorf("decrypt %s: %w", names[i], err)
		}
		*f = dec
	}

	return s, nil
}
