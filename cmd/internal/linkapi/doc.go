// Package linkapi is the user-facing surface of the session manager: a Service that turns
// manager calls into response values and typed errors, and an HTTP Handler that serves them
// to JWT-authenticated users.
package linkapi
