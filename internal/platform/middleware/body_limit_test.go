package middleware

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestParseLimit(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{"1M", 1 << 20},
		{"10MB", 10 << 20},
		{"512K", 512 << 10},
		{"1G", 1 << 30},
		{"1024", 1024},
		{"", 1 << 20},
		{"invalid", 1 << 20},
		{"-5", 1 << 20},
	}
	for _, tt := range tests {
		if got := parseLimit(tt.input); got != tt.want {
			t.Errorf("parseLimit(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

func expectTooLarge(t *testing.T, err error) {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %v", err)
	}
}

func TestBodyLimit(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		size     int
		allowed  bool
		defaults string
	}{
		{"small body", "/api/v1/assignments", 100, true, "1K"},
		{"oversized body", "/api/v1/assignments", 2048, false, "1K"},
		{"template authoring gets the larger limit", "/api/v1/bundle-templates", 2048, true, "1K"},
		{"template revision gets the larger limit", "/api/v1/bundle-templates/DEM/versions", 2048, true, "1K"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodPost, tt.path, bytes.NewReader(bytes.Repeat([]byte("x"), tt.size)))
			c := e.NewContext(req, httptest.NewRecorder())

			called := false
			err := BodyLimit(tt.defaults, "10M")(func(c echo.Context) error {
				called = true
				_, err := io.ReadAll(c.Request().Body)
				return err
			})(c)

			if tt.allowed {
				if err != nil || !called {
					t.Errorf("expected request through, got called=%v err=%v", called, err)
				}
				return
			}
			expectTooLarge(t, err)
			if called {
				t.Error("handler should not run when Content-Length exceeds the limit")
			}
		})
	}
}

func TestBodyLimit_SkipsEmptyBody(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/care-plans", nil), httptest.NewRecorder())
	called := false
	err := BodyLimit("1", "1")(func(c echo.Context) error {
		called = true
		return nil
	})(c)
	if err != nil || !called {
		t.Errorf("expected GET without body to pass, got called=%v err=%v", called, err)
	}
}

func TestBodyLimit_EnforcesLimitDuringRead(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/assignments", bytes.NewReader(bytes.Repeat([]byte("a"), 1024)))
	req.ContentLength = -1
	c := e.NewContext(req, httptest.NewRecorder())

	err := BodyLimit("512", "512")(func(c echo.Context) error {
		_, err := io.ReadAll(c.Request().Body)
		return err
	})(c)
	expectTooLarge(t, err)
}
