package transport

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nkeys"
)

type jwtHeader struct {
	Typ string `json:"typ"`
	Alg string `json:"alg"`
}

type jwtClaims struct {
	Sub string `json:"sub"`
	Iss string `json:"iss"`
	Iat int64  `json:"iat"`
	Exp int64  `json:"exp"`
}

// SignSelfIssuedJWT signs a self-issued JWT with an Ed25519 NKey seed,
// mirroring the broker-side verification scheme used by services that
// authenticate themselves rather than a human operator.
//
// now is passed in rather than read from the clock so callers can produce
// deterministic tokens in tests.
func SignSelfIssuedJWT(seed, userID string, expiryHours int, now time.Time) (string, error) {
	kp, err := nkeys.FromSeed([]byte(seed))
	if err != nil {
		return "", fmt.Errorf("parse nkey seed: %w", err)
	}

	pub, err := kp.PublicKey()
	if err != nil {
		return "", fmt.Errorf("derive public key: %w", err)
	}

	iat := now.Unix()
	claims := jwtClaims{
		Sub: userID,
		Iss: pub,
		Iat: iat,
		Exp: iat + int64(expiryHours)*3600,
	}

	headerB64, err := base64URLEncode(jwtHeader{Typ: "JWT", Alg: "EdDSA"})
	if err != nil {
		return "", fmt.Errorf("encode header: %w", err)
	}
	claimsB64, err := base64URLEncode(claims)
	if err != nil {
		return "", fmt.Errorf("encode claims: %w", err)
	}

	signingInput := headerB64 + "." + claimsB64
	sig, err := kp.Sign([]byte(signingInput))
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}

	sigB64 := base64.RawURLEncoding.EncodeToString(sig)

	return signingInput + "." + sigB64, nil
}

func base64URLEncode(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
