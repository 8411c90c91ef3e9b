// Package password hashes and verifies local-account passwords with argon2id.
//
// Hashes are encoded as PHC strings ($argon2id$v=19$m=...,t=...,p=...$salt$hash)
// with a fresh random salt per record, so verification is self-describing and
// parameter changes never invalidate stored hashes.
package password
