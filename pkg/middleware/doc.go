// Package middleware holds the request guards: authentication, school
// access, role and permission checks, and the login rate limiter.
//
// # Guard Chain
//
// Chain runs the stages in order and stops at the first denial:
//
//	chain := middleware.NewChain(authGuard, tenantGuard, registry, recorder, logger,
//		middleware.WithMetrics(metrics))
//	api.Handle("/attendance", chain.Permissions(rbac.AttendanceView)(h))
//	admin.Use(chain.SuperAdmin())
//
//  1. authenticate: opaque sg_ token or impersonation credential, else 401
//  2. tenant: the principal's school must exist, be active and licensed
//  3. role: any-of
//  4. permission: any-of, resolved through the registry
//  5. activity log, after the handler
//
// A super_admin passes stages 2 to 4. When it names a school through
// school_id or X-School-Id, that school must exist.
//
// # Rate Limiting
//
// RateLimit takes any Limiter. MemoryLimiter is a token bucket for a single
// process; DistributedRateLimiter counts in Redis and is used in production.
// Both key login attempts by client address and email (LoginKey).
//
//	limiter := middleware.NewDistributedRateLimiter(redisClient, nil, "")
//	router.Handle("/auth/login", middleware.RateLimit(limiter, middleware.LoginKey, logger, nil)(login))
package middleware
