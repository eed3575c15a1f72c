package errors

import (
	"net/http/httptest"
	"testing"
)

func BenchmarkWriteJSON_Singleton(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		ErrAccessBlocked.WriteJSON(httptest.NewRecorder())
	}
}

func BenchmarkWriteJSON_WithRequestID(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		ErrMethodNotAllowed.WithRequestID("5f0c6a1e-7d7e-4c1b-9a54-1f3f3c2b9e10").WriteJSON(httptest.NewRecorder())
	}
}
