// Package password hashes and verifies credentials with argon2id.
//
// # Output format
//
// Hashes are encoded in PHC string format:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<key>
//
// Parameters travel with the hash, so raising [Config] costs never breaks
// existing credentials. [Hasher.NeedsUpgrade] reports when a stored hash
// should be re-derived after the next successful login.
//
// # What this package must NOT do
//
//   - Store or retrieve credentials; callers supply plaintext and receive hashes.
//   - Import any other authcore package.
//   - Log plaintext passwords or hashes.
package password
