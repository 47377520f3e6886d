// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package api

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// bearerAuth rejects requests lacking a valid HS256 bearer token signed with
// secret. A nil/empty secret means the guard is disabled entirely — every
// request passes through unchecked, which is the right default for a
// single-tenant local daemon.
type bearerAuth struct {
	secret []byte
}

func newBearerAuth(secret string) *bearerAuth {
	if secret == "" {
		return nil
	}
	return &bearerAuth{secret: []byte(secret)}
}

func (a *bearerAuth) wrap(next http.Handler) http.Handler {
	if a == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("Authorization")
		tokenStr, ok := strings.CutPrefix(raw, "Bearer ")
		if !ok || tokenStr == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		_, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
			return a.secret, nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid bearer token: "+err.Error())
			return
		}

		next.ServeHTTP(w, r)
	})
}
