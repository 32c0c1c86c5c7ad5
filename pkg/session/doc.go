// Package session serves login, logout and the current-user endpoint.
//
// Login accepts an email or phone number with a password and returns an
// opaque bearer token. Every attempt is written to the activity log as
// login or login_failed, whatever the outcome, and counted in metrics.
// The route is meant to sit behind the login rate limiter.
package session
