package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestVerify_RoundTrip(t *testing.T) {
	v := NewVerifier("test-secret", zap.NewNop())
	want := User{
		ID:        "user_2abc",
		Username:  "planeswalker",
		FirstName: "Jace",
		LastName:  "Beleren",
		ImageURL:  "https://img.example/jace.png",
	}

	token, err := v.Issue(want, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	got, err := v.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got != want {
		t.Fatalf("identity round trip: got %+v, want %+v", got, want)
	}
}

func TestVerify_Rejections(t *testing.T) {
	v := NewVerifier("test-secret", zap.NewNop())

	t.Run("wrong secret", func(t *testing.T) {
		other := NewVerifier("other-secret", zap.NewNop())
		token, err := other.Issue(User{ID: "user_1"}, time.Minute)
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		if _, err := v.Verify(token); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("want ErrUnauthorized, got %v", err)
		}
	})

	t.Run("expired", func(t *testing.T) {
		token, err := v.Issue(User{ID: "user_1"}, -time.Minute)
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		if _, err := v.Verify(token); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("want ErrUnauthorized, got %v", err)
		}
	})

	t.Run("no subject", func(t *testing.T) {
		token, err := v.Issue(User{}, time.Minute)
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		if _, err := v.Verify(token); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("want ErrUnauthorized, got %v", err)
		}
	})

	t.Run("garbage", func(t *testing.T) {
		if _, err := v.Verify("not.a.token"); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("want ErrUnauthorized, got %v", err)
		}
	})
}

func TestDisplayName_FallbackChain(t *testing.T) {
	cases := []struct {
		name string
		user User
		want string
	}{
		{"full name", User{ID: "user_1", FirstName: "Jace", LastName: "Beleren", Username: "jb"}, "Jace Beleren"},
		{"first only", User{ID: "user_1", FirstName: "Jace", Username: "jb"}, "Jace"},
		{"last only", User{ID: "user_1", LastName: "Beleren", Username: "jb"}, "Beleren"},
		{"username", User{ID: "user_1", Username: "jb"}, "jb"},
		{"id fallback", User{ID: "user_2abcdefghij"}, "User user_2ab"},
		{"short id", User{ID: "u1"}, "User u1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.user.DisplayName(); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestBearerToken_Sources(t *testing.T) {
	mk := func(header, query string) *http.Request {
		url := "/ws"
		if query != "" {
			url += "?token=" + query
		}
		r := httptest.NewRequest(http.MethodGet, url, nil)
		if header != "" {
			r.Header.Set("Authorization", header)
		}
		return r
	}

	if got := BearerToken(mk("Bearer abc", "")); got != "abc" {
		t.Fatalf("header token: %q", got)
	}
	if got := BearerToken(mk("", "xyz")); got != "xyz" {
		t.Fatalf("query token: %q", got)
	}
	// A malformed header wins over the query parameter and yields nothing.
	if got := BearerToken(mk("Basic abc", "xyz")); got != "" {
		t.Fatalf("malformed header: %q", got)
	}
	if got := BearerToken(mk("", "")); got != "" {
		t.Fatalf("absent credential: %q", got)
	}
}

func TestMiddleware(t *testing.T) {
	v := NewVerifier("test-secret", zap.NewNop())
	token, err := v.Issue(User{ID: "user_1", Username: "jb"}, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	var seen User
	handler := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	t.Run("valid", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/v1/games", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		if w.Code != http.StatusNoContent {
			t.Fatalf("status: %d", w.Code)
		}
		if seen.ID != "user_1" || seen.Username != "jb" {
			t.Fatalf("identity not on context: %+v", seen)
		}
	})

	t.Run("missing token", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/v1/games", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("status: %d", w.Code)
		}
	})

	t.Run("bad token", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/v1/games", nil)
		r.Header.Set("Authorization", "Bearer nope")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("status: %d", w.Code)
		}
	})
}
