package common

// TokenBytes is the amount of randomness in a transfer token (128 bits).
const TokenBytes = 16

// PublicKeyPrefix is the PEM header a sender's public key must start with.
const PublicKeyPrefix = "-----BEGIN PUBLIC KEY-----"
