//go:build !swagger

package httpapi

import (
	"net/http"
	"testing"
)

func TestSwaggerNotMountedByDefault(t *testing.T) {
	w := do(t, NewMux(&mockService{}, Options{}), http.MethodGet, "/swagger/index.html", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status=%d", w.Code)
	}
}
