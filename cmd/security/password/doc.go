// Package password hashes and verifies device secrets and auto-auth passwords.
//
// Two encodings are accepted on verify: bcrypt ($2a$/$2b$/$2y$) and a
// PHC-style Argon2id string. New hashes use the configured Scheme. Hash strings
// are treated as untrusted input and decoded strictly.
package password
