/*
Package security seals and unseals the backend credentials daemons carry
on a request (SealedCredentials), using AES-256-GCM authenticated
encryption under a single site-wide key read from a key file.

A sealed credential is stored as base64(nonce) + "$" + base64(ciphertext),
where ciphertext already includes the GCM authentication tag. This is
deliberately not an implementation of the AES-EAX scheme some deployments
use for the same purpose — see DESIGN.md for why GCM was chosen instead.

CredentialSet parses the opaque key=value credentials file format (one
FTP/object-store/tape credential set per backend) and seals or unseals
individual values without ever holding an unsealed value longer than the
call that needs it.
*/
package security
