package main

import (
	"crypto/ed25519"
	"crypto/rand"
)

// ephemeralKey backs the wallet in simulation mode when no keypair is
// configured. Nothing signed with it ever reaches the chain.
func ephemeralKey() ed25519.PrivateKey {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}
	return key
}
