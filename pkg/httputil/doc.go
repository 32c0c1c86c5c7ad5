// Package httputil provides HTTP utilities for standardized request/response handling.
//
// # Response Envelope
//
// Every JSON body is an envelope:
//
//	{"success": true,  "data": ...}
//	{"success": false, "message": "...", <context fields>}
//
// Failures carry optional context, e.g. the role guard adds required_roles
// and your_role:
//
//	httputil.WriteFailure(w, http.StatusForbidden, msg, map[string]interface{}{
//		"required_roles": roles,
//		"your_role":      principal.Role,
//	})
//
// # Request Parsing
//
//	var req StartRequest
//	if !httputil.DecodeAndValidate(w, r, &req) {
//		return // 400 or 422 already written
//	}
//
// Validation uses go-playground/validator struct tags and reports fields by
// their json name.
//
// # Middleware
//
//	httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.RecoveryMiddleware(logger),
//		httputil.LoggingMiddleware(logger),
//		httputil.MaxBytesMiddleware(1<<20),
//	)
//
// # Related Packages
//
//   - pkg/middleware: Authentication and authorization guards
package httputil
