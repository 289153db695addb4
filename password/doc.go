// Package password implements the credential verifier with argon2id.
//
// Hashes are encoded in PHC string format:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// [Argon2.NeedsUpgrade] reports hashes produced with weaker parameters so the
// caller can rehash after a successful login.
//
// This package owns hashing and verification only. Password policy (minimum
// length, reuse of the current password) is enforced by the auth engine, and
// no plaintext or hash is ever logged here.
package password
