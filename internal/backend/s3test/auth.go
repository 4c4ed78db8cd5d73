package s3test

import (
	"net/http"
	"strings"
)

const sigV4Prefix = "AWS4-HMAC-SHA256 "

// RequireAccessKey makes the server reject requests that are unsigned or
// signed with a different access key.
func (s *Server) RequireAccessKey(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessKey = key
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		want := s.accessKey
		s.mu.Unlock()

		if want != "" {
			got, ok := accessKeyOf(r)
			if !ok {
				writeS3Error(w, "AccessDenied", "Missing or malformed SigV4 authorization.", r.URL.Path, http.StatusForbidden)
				return
			}
			if got != want {
				writeS3Error(w, "InvalidAccessKeyId", "The AWS access key Id you provided does not exist in our records.", r.URL.Path, http.StatusForbidden)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// accessKeyOf extracts the access key from the Credential scope of a SigV4
// Authorization header: Credential=<key>/<date>/<region>/<service>/aws4_request.
func accessKeyOf(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, sigV4Prefix) {
		return "", false
	}

	for _, p := range strings.Split(strings.TrimPrefix(auth, sigV4Prefix), ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok || k != "Credential" {
			continue
		}
		scope := strings.Split(strings.TrimSpace(v), "/")
		if len(scope) != 5 || scope[4] != "aws4_request" || scope[0] == "" {
			return "", false
		}
		return scope[0], true
	}
	return "", false
}
