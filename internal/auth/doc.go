// Package auth mints the credentials Bumper hands out.
//
// Opaque user tokens and one-time authcodes are random strings stored and
// checked by the registry. Admin API access uses short HS256 JWTs signed with
// admin.jwt_secret and validated by signature only.
package auth
