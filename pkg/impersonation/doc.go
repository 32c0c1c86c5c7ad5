// Package impersonation lets a super-admin act as another user for
// support, with every session and request on record.
//
// A session is started against a non-super-admin target with a mandatory
// reason. Starting writes the impersonation_logs row, then mints an HS256
// credential whose subject is the target and whose sid claim is the
// session. The auth guard accepts that credential in place of an API token
// and calls RecordAction for every request made with it.
//
// Only the super-admin who started a session can end it. Ending is a
// conditional update, so repeating it never moves ended_at. A credential
// presented after its exp closes its session at the expiry time; the cron
// sweeper closes the ones never presented again.
package impersonation
