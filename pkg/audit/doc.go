// Package audit records the activity log: who did what, in which school,
// from where.
//
// # Overview
//
// Every entry carries an optional school and user, an action, the entity it
// touched, redacted old/new values, the client address and user agent, and a
// short "METHOD path" style description. Entries are append-only; the only
// delete path is the retention job.
//
// # Writing
//
// Writes go through a Recorder, which never fails the caller. A write error
// (or panic) is reported to the operational logrus logger and the request
// carries on.
//
//	recorder := audit.NewRecorder(dbLogger, logger)
//	entry := audit.NewEntry(r, audit.ActionLoginFailed)
//	recorder.Record(r.Context(), entry)
//
// The activity Middleware sits innermost in the guard chain and logs one
// entry per authenticated request after the handler returns. Method maps to
// action (GET view, POST create, PUT/PATCH update, DELETE delete), the first
// known path segment names the entity, and non-GET requests store their
// query and JSON body as new values. A short list of noisy paths is skipped.
// Requests made under impersonation name the super-admin in the description.
//
// # Redaction
//
// Keys such as password, token, api_key and secret are dropped at any depth,
// case-insensitively, before values are stored.
//
// # Querying
//
// DBLogger answers paged searches (tenant, user, action or action set,
// entity type, date range, free text over description, action, user name and
// email), statistics, and exports capped at ExportLimit rows. Exports render
// as CSV with a fixed header or as JSON.
//
// # Retention
//
// Retention deletes entries older than the configured number of days in
// batches, inside a time box. With an S3Archiver configured, each batch is
// uploaded as NDJSON first and only deleted once the upload succeeded.
//
// # Related Packages
//
//   - pkg/middleware: writes permission_denied and super_admin_access entries
//   - pkg/impersonation: session start and end entries
//   - pkg/settings: audit.retention_days
package audit
