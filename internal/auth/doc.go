// Package auth authenticates the agents that submit commands to greyzone.
//
// # Submitter Tokens
//
// Agents present an HS256 JWT in the Authorization header:
//
//	Authorization: Bearer <token>
//
// The token subject is the agent name. When a token is present it replaces
// whatever agent name the request body claims, so the audit trail records
// who actually asked. Tokens are minted with
//
//	greyzone-gateway token --agent deploy-bot --ttl 720h
//
// and signed with auth.jwt_secret, which must be at least MinSecretLength
// bytes.
//
// # Open Mode
//
// Without a configured secret the submit endpoint accepts anonymous
// requests. The gateway logs a warning at startup in that case.
//
// Approvers never use tokens; they prove presence with a passkey for every
// approval (see package passkey).
package auth
