/*
Package security provides at-rest key wrapping for the engine's signing
key ring.

# KeyWrapper

KeyWrapper encrypts and decrypts the token-signing key ring (pkg/token)
before it touches durable storage, using AES-256 in Galois/Counter Mode
(GCM) for authenticated encryption:

	Plaintext key ring → AES-256-GCM → Ciphertext + Authentication Tag

A KeyWrapper is built either from a raw 32-byte key (NewKeyWrapper, used
by the engine process when a key is provisioned externally) or derived
from an operator-supplied passphrase (NewKeyWrapperFromPassphrase, used
by capsulectl so an operator can unwrap the same key ring a running
engine uses without a separate key file).
*/
package security
