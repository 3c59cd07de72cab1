package core

import (
	"crypto/subtle"
	"net/http"

	"palletspace/internal/types"
)

// adminKeyHeader carries the operator credential for admin-only endpoints.
const adminKeyHeader = "X-Admin-Key"

// AdminGate guards operator endpoints (the /v1/admin subtree) behind a shared
// key. The presented X-Admin-Key header is compared against the configured
// key with a constant-time comparison on every request; a missing or
// mismatched key yields 403 permission_admin_only.
//
// The gate intentionally does not distinguish "missing" from "wrong" in the
// response, and an empty configured key rejects all requests rather than
// opening the gate. Requests that pass carry an operator Actor in the
// context for downstream audit logging.
func AdminGate(key types.SecretString) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			expected := key.Unmask()
			presented := r.Header.Get(adminKeyHeader)

			if expected == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) != 1 {
				Error(w, r, types.NewAppError(
					types.ErrCodePermissionAdminOnly,
					"admin credentials required",
					nil,
				))
				return
			}

			ctx := types.WithActor(r.Context(), types.Actor{Type: types.ActorTypeOperator})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
